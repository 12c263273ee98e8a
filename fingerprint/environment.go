package fingerprint

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/term"
	"golang.org/x/text/language"

	"github.com/jmcleod/warden/storage"
)

// Environment holds the directly observable signals that feed the
// fingerprint. Everything here is cheap to read and never fails.
type Environment struct {
	UserAgent           string
	Platform            string
	Language            string
	ColorDepth          int
	ScreenWidth         int
	ScreenHeight        int
	AvailWidth          int
	AvailHeight         int
	TimezoneName        string
	TimezoneOffset      int // minutes east of UTC
	HardwareConcurrency int
	CookieStorage       bool
	DurableStorage      bool
	SessionStorage      bool
}

// Capabilities reports which storage backends are usable in this process.
type Capabilities struct {
	Cookies bool
	Durable bool
	Session bool
}

// DetectEnvironment reads the environment signals of the running process.
// The terminal stands in for the screen: its size is the screen geometry and
// its colour support is the colour depth. Callers that persist state should
// pass the result through PinScreen.
func DetectEnvironment(userAgent string, caps Capabilities) Environment {
	now := time.Now()
	zone, offset := now.Zone()
	if name := now.Location().String(); name != "" && name != "Local" {
		zone = name
	}

	env := Environment{
		UserAgent:           userAgent,
		Platform:            runtime.GOOS + "/" + runtime.GOARCH,
		Language:            detectLanguage(),
		ColorDepth:          detectColorDepth(),
		TimezoneName:        zone,
		TimezoneOffset:      offset / 60,
		HardwareConcurrency: runtime.NumCPU(),
		CookieStorage:       caps.Cookies,
		DurableStorage:      caps.Durable,
		SessionStorage:      caps.Session,
	}
	if w, h, ok := TerminalSize(); ok {
		env.SetScreen(w, h)
	}
	return env
}

// SetScreen records a w x h screen. The prompt line is not available to
// content.
func (e *Environment) SetScreen(w, h int) {
	e.ScreenWidth, e.ScreenHeight = w, h
	e.AvailWidth, e.AvailHeight = w, max(h-1, 0)
}

// TerminalSize reports the size of the controlling terminal. Standard
// streams are tried first and /dev/tty last, so redirecting output does not
// hide the terminal.
func TerminalSize() (w, h int, ok bool) {
	for _, f := range []*os.File{os.Stdout, os.Stderr, os.Stdin} {
		if w, h, err := term.GetSize(int(f.Fd())); err == nil && w > 0 && h > 0 {
			return w, h, true
		}
	}
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return 0, 0, false
	}
	defer tty.Close()
	if w, h, err := term.GetSize(int(tty.Fd())); err == nil && w > 0 && h > 0 {
		return w, h, true
	}
	return 0, 0, false
}

// KeyScreen holds the screen geometry first observed on this device.
const KeyScreen = "warden_screen_geometry"

// PinScreen makes the screen geometry of env stable across runs. The first
// geometry observed is stored in kv and replaces whatever env reports
// afterwards, including runs with no terminal attached. Nothing is stored
// until a terminal has been seen.
func PinScreen(kv storage.KV, env Environment) Environment {
	if saved, ok := kv.Get(KeyScreen); ok {
		var w, h int
		if _, err := fmt.Sscanf(saved, "%dx%d", &w, &h); err == nil && w > 0 && h > 0 {
			env.SetScreen(w, h)
			return env
		}
	}
	if env.ScreenWidth > 0 && env.ScreenHeight > 0 {
		kv.Set(KeyScreen, fmt.Sprintf("%dx%d", env.ScreenWidth, env.ScreenHeight), 0)
	}
	return env
}

// detectLanguage canonicalises the POSIX locale (e.g. "en_GB.UTF-8") into a
// BCP 47 tag. Unknown or C locales report "und".
func detectLanguage() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(key); v != "" {
			return CanonicalLanguage(v)
		}
	}
	return language.Und.String()
}

// CanonicalLanguage converts a POSIX locale or loose language tag into its
// canonical BCP 47 form.
func CanonicalLanguage(locale string) string {
	if i := strings.IndexAny(locale, ".@"); i >= 0 {
		locale = locale[:i]
	}
	locale = strings.ReplaceAll(locale, "_", "-")
	if locale == "" || locale == "C" || locale == "POSIX" {
		return language.Und.String()
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return language.Und.String()
	}
	return tag.String()
}

func detectColorDepth() int {
	if ct := strings.ToLower(os.Getenv("COLORTERM")); ct == "truecolor" || ct == "24bit" {
		return 24
	}
	t := os.Getenv("TERM")
	switch {
	case strings.Contains(t, "256color"):
		return 8
	case t == "" || t == "dumb":
		return 1
	default:
		return 4
	}
}
