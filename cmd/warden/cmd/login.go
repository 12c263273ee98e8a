package cmd

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/auth"
	"github.com/jmcleod/warden/captcha"
)

var (
	loginEmail        string
	loginRemember     bool
	loginCaptchaToken string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the admin backend",
	Long: `Signs in with email and password. The password is read from the terminal
without echo. Failed attempts are rate limited: after 5 failures within 5 minutes
the account is locked on this device for 15 minutes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), func(rt *runtime) error {
			p := newPrompter(os.Stdin, cmd.OutOrStdout())
			creds, err := readCredentials(p, loginEmail)
			if err != nil {
				return err
			}
			if err := prepareCaptcha(cmd.Context(), rt, p, loginCaptchaToken); err != nil {
				return err
			}
			if err := rt.model.SignIn(cmd.Context(), creds, loginRemember); err != nil {
				var locked *auth.LockedError
				if errors.As(err, &locked) {
					return err
				}
				if remaining := rt.limiter.GetRemainingAttempts(creds.Email); remaining > 0 {
					rt.ui.Println(warningStyle.Render("Attempts remaining before lockout:"), remaining)
				}
				return err
			}
			printStatus(rt)
			return nil
		})
	},
}

func readCredentials(p *prompter, email string) (auth.Credentials, error) {
	var err error
	if email == "" {
		if email, err = p.Line("Email: "); err != nil {
			return auth.Credentials{}, err
		}
	}
	password, err := p.Secret("Password: ")
	if err != nil {
		return auth.Credentials{}, err
	}
	if email == "" || password == "" {
		return auth.Credentials{}, errors.New("email and password are required")
	}
	return auth.Credentials{Email: email, Password: password}, nil
}

// prepareCaptcha loads the interactive challenge and hands it the proof the
// user obtained from the widget. The mock provider needs nothing.
func prepareCaptcha(ctx context.Context, rt *runtime, p *prompter, proof string) error {
	d, ok := rt.captcha.(captcha.Deliverer)
	if !ok {
		return nil
	}
	if err := rt.captcha.Render(ctx, "login"); err != nil {
		return err
	}
	if proof == "" {
		rt.ui.Println(infoStyle.Render("CAPTCHA"), d.Prompt())
		var err error
		if proof, err = p.Line("CAPTCHA token: "); err != nil {
			return err
		}
	}
	d.Deliver(proof)
	return nil
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
	loginCmd.Flags().BoolVar(&loginRemember, "remember", false, "Keep the session when a token refresh fails")
	loginCmd.Flags().StringVar(&loginCaptchaToken, "captcha-token", "", "Proof token from the CAPTCHA widget")
}
