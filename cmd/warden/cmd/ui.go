package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/jmcleod/warden/client"
)

var (
	infoStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	labelStyle   = lipgloss.NewStyle().Faint(true).Width(16)
	boxStyle     = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

// console renders notices on the terminal and stands in for the login page.
type console struct {
	mu  sync.Mutex
	out io.Writer

	redirected atomic.Bool
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) Notify(level client.NoticeLevel, message string) {
	var tag string
	switch level {
	case client.NoticeError:
		tag = errorStyle.Render("error")
	case client.NoticeWarning:
		tag = warningStyle.Render("warning")
	default:
		tag = infoStyle.Render("info")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "%s %s\n", tag, message)
}

// RedirectToLogin tells the user to sign in again.
func (c *console) RedirectToLogin() {
	c.redirected.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, warningStyle.Render("Session ended.")+" Run `warden login` to sign in again.")
}

// Redirected reports whether RedirectToLogin was called.
func (c *console) Redirected() bool { return c.redirected.Load() }

func (c *console) Println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, a...)
}

// table renders label/value rows inside a rounded box.
func table(rows [][2]string) string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = labelStyle.Render(r[0]) + r[1]
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// prompter reads answers from stdin, hiding input on a terminal when asked.
type prompter struct {
	in     *bufio.Reader
	out    io.Writer
	fd     int
	isTerm bool
}

func newPrompter(in *os.File, out io.Writer) *prompter {
	fd := int(in.Fd())
	return &prompter{in: bufio.NewReader(in), out: out, fd: fd, isTerm: term.IsTerminal(fd)}
}

func (p *prompter) Line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) Secret(label string) (string, error) {
	if !p.isTerm {
		return p.Line(label)
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}
