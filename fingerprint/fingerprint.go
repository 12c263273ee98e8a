// Package fingerprint derives a best-effort, client-observable identity for
// the device running the console.
//
// The fingerprint is a SHA-256 digest over an ordered list of environment
// signals and three side-channel probes. It is deterministic for an
// unchanged environment and is compared by exact match only. Probe failures
// degrade to sentinel strings, so a fingerprint can always be computed.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Separator joins the signals before hashing.
const Separator = "|||"

// Info is the result of a fingerprint computation.
type Info struct {
	Fingerprint         string `json:"fingerprint"`
	UserAgent           string `json:"user_agent"`
	Platform            string `json:"platform"`
	Language            string `json:"language"`
	Timezone            string `json:"timezone"`
	ScreenResolution    string `json:"screen_resolution"`
	ColorDepth          int    `json:"color_depth"`
	HardwareConcurrency int    `json:"hardware_concurrency"`
}

// Generator computes fingerprints.
type Generator struct {
	env      func() Environment
	canvas   Probe
	hardware Probe
	audio    Probe
	digest   func([]byte) ([]byte, error)
	logger   *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithProbes replaces the canvas, hardware and audio probes. Nil arguments
// keep the existing probe.
func WithProbes(canvas, hardware, audio Probe) Option {
	return func(g *Generator) {
		if canvas != nil {
			g.canvas = canvas
		}
		if hardware != nil {
			g.hardware = hardware
		}
		if audio != nil {
			g.audio = audio
		}
	}
}

// WithDigest replaces the cryptographic digest. When the digest fails the
// generator falls back to a 32-bit string hash.
func WithDigest(digest func([]byte) ([]byte, error)) Option {
	return func(g *Generator) {
		g.digest = digest
	}
}

// WithLogger sets the logger used to report degraded probes.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// WithEnvironmentFunc makes the generator re-read its environment on every
// computation instead of using a fixed snapshot.
func WithEnvironmentFunc(fn func() Environment) Option {
	return func(g *Generator) {
		g.env = fn
	}
}

// NewGenerator returns a Generator over env using the built-in probes.
func NewGenerator(env Environment, opts ...Option) *Generator {
	g := &Generator{
		env:      func() Environment { return env },
		canvas:   RenderProbe{},
		hardware: HardwareProbe{},
		audio:    OscillatorProbe{},
		digest:   sha256Digest,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	g.logger = g.logger.With("component", "fingerprint")
	return g
}

func sha256Digest(b []byte) ([]byte, error) {
	sum := sha256.Sum256(b)
	return sum[:], nil
}

// Generate computes the fingerprint of the current environment. It returns
// an error only when ctx is done before the probes finish.
func (g *Generator) Generate(ctx context.Context) (Info, error) {
	env := g.env()

	canvas := g.sample(ctx, "canvas", g.canvas, SentinelCanvasError)
	hardware := g.sample(ctx, "webgl", g.hardware, SentinelHardwareMissing)
	audio := g.sample(ctx, "audio", g.audio, SentinelAudioError)
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}

	signals := Signals(env, canvas, hardware, audio)
	return Info{
		Fingerprint:         g.hash(strings.Join(signals, Separator)),
		UserAgent:           env.UserAgent,
		Platform:            env.Platform,
		Language:            env.Language,
		Timezone:            env.TimezoneName,
		ScreenResolution:    fmt.Sprintf("%dx%d", env.ScreenWidth, env.ScreenHeight),
		ColorDepth:          env.ColorDepth,
		HardwareConcurrency: env.HardwareConcurrency,
	}, nil
}

func (g *Generator) sample(ctx context.Context, name string, p Probe, sentinel string) string {
	v, err := p.Sample(ctx)
	if err != nil {
		g.logger.Warn("fingerprint probe failed", "probe", name, "error", err)
		return sentinel
	}
	return v
}

// Signals returns the ordered signal list hashed into the fingerprint.
func Signals(env Environment, canvas, hardware, audio string) []string {
	return []string{
		env.UserAgent,
		env.Platform,
		env.Language,
		strconv.Itoa(env.ColorDepth),
		fmt.Sprintf("%dx%d", env.ScreenWidth, env.ScreenHeight),
		fmt.Sprintf("%dx%d", env.AvailWidth, env.AvailHeight),
		strconv.Itoa(env.TimezoneOffset),
		strconv.Itoa(env.HardwareConcurrency),
		strconv.FormatBool(env.SessionStorage),
		strconv.FormatBool(env.DurableStorage),
		strconv.FormatBool(env.CookieStorage),
		canvas,
		hardware,
		audio,
	}
}

func (g *Generator) hash(s string) string {
	sum, err := g.digest([]byte(s))
	if err == nil {
		return hex.EncodeToString(sum)
	}
	g.logger.Warn("digest unavailable, using fallback hash", "error", err)
	return FallbackHash(s)
}

// FallbackHash is the non-cryptographic 31-multiplier string hash used when
// no digest is available.
func FallbackHash(s string) string {
	var h int32
	for _, r := range s {
		h = (h << 5) - h + int32(r)
	}
	return strconv.FormatUint(uint64(uint32(h)), 16)
}
