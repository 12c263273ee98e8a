package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/auth"
	"github.com/jmcleod/warden/session"
)

var (
	consoleEmail    string
	consoleRemember bool
)

const consoleHelp = "Commands: status, refresh, extend, logout, quit"

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Hold an interactive signed-in session",
	Long: `Restores the stored session, or signs in when there is none, and keeps it
alive: the token is refreshed before it expires and the session times out after
30 minutes with a warning 5 minutes before. Every line typed counts as activity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withRuntime(ctx, cmd.OutOrStdout(), func(rt *runtime) error {
			p := newPrompter(os.Stdin, cmd.OutOrStdout())
			ok, err := rt.restore(ctx)
			if err != nil {
				return err
			}
			if !ok {
				creds, err := readCredentials(p, consoleEmail)
				if err != nil {
					return err
				}
				if err := prepareCaptcha(ctx, rt, p, ""); err != nil {
					return err
				}
				if err := rt.model.SignIn(ctx, creds, consoleRemember); err != nil {
					return err
				}
			}
			printStatus(rt)
			return runConsole(ctx, rt, p)
		})
	},
}

// runConsole reads commands until the session ends, the input closes or ctx
// is cancelled.
func runConsole(ctx context.Context, rt *runtime, p *prompter) error {
	ended := make(chan struct{})
	var once sync.Once
	rt.observe(func(s auth.Snapshot) {
		if s.State == auth.StateSignedOut {
			once.Do(func() { close(ended) })
		}
	})
	defer rt.observe(nil)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			line, err := p.Line("")
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	rt.ui.Println(consoleHelp)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			rt.bus.Emit(session.KeyDown)
			if quit := consoleCommand(ctx, rt, strings.ToLower(line)); quit {
				return nil
			}
		}
	}
}

func consoleCommand(ctx context.Context, rt *runtime, line string) (quit bool) {
	switch line {
	case "":
	case "status":
		printStatus(rt)
	case "refresh":
		if _, err := rt.model.RefreshToken(ctx); err != nil {
			rt.ui.Println(errorStyle.Render("refresh failed:"), err)
		} else {
			rt.ui.Println("Token refreshed.")
		}
	case "extend":
		if err := rt.model.ExtendSession(ctx); err == nil {
			rt.ui.Println("Session extended.")
		}
	case "logout":
		if err := rt.model.SignOut(ctx, true); err != nil {
			rt.ui.Println(errorStyle.Render("sign-out failed:"), err)
		}
		return true
	case "quit", "exit":
		return true
	default:
		rt.ui.Println(consoleHelp)
	}
	return false
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVarP(&consoleEmail, "email", "e", "", "Account email when signing in")
	consoleCmd.Flags().BoolVar(&consoleRemember, "remember", false, "Keep the session when a token refresh fails")
}
