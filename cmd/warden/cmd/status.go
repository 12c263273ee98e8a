package cmd

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusJSON bool

type statusReport struct {
	SignedIn     bool       `json:"signed_in"`
	Email        string     `json:"email,omitempty"`
	Name         string     `json:"name,omitempty"`
	Roles        []string   `json:"roles,omitempty"`
	Storage      string     `json:"storage"`
	TokenExpires *time.Time `json:"token_expires_at,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	SessionStart *time.Time `json:"session_started_at,omitempty"`
	LastActivity *time.Time `json:"last_activity_at,omitempty"`
	Idle         bool       `json:"idle"`
	ReauthNeeded bool       `json:"reauth_required"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Long: `Restores the stored session, refreshing the token when it is close to expiry
and validating the device binding, then reports the session state.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), func(rt *runtime) error {
			if _, err := rt.restore(cmd.Context()); err != nil {
				return err
			}
			report := buildStatus(rt)
			if statusJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(rt)
			return nil
		})
	},
}

func buildStatus(rt *runtime) statusReport {
	r := statusReport{Storage: string(rt.kv.Mode())}
	user := rt.model.User()
	if user == nil {
		return r
	}
	r.SignedIn = true
	r.Email = user.Email
	r.Name = user.Info.Name
	r.Roles = user.Info.Roles
	if exp, ok := rt.tokens.ExpiresAt(); ok {
		r.TokenExpires = &exp
	}
	if start, ok := rt.tokens.SessionStart(); ok {
		r.SessionStart = &start
	}
	if rec, err := rt.sessions.Current(); err == nil {
		r.SessionID = rec.ID
		if !rec.LastActivity.IsZero() {
			r.LastActivity = &rec.LastActivity
		}
	}
	r.Idle = rt.sessions.IsSessionIdle(0)
	r.ReauthNeeded = rt.sessions.RequiresReauth()
	return r
}

func printStatus(rt *runtime) {
	r := buildStatus(rt)
	if !r.SignedIn {
		rt.ui.Println("Not signed in.")
		return
	}
	rows := [][2]string{
		{"Account", r.Email},
		{"Name", r.Name},
		{"Roles", strings.Join(r.Roles, ", ")},
		{"Storage", r.Storage},
	}
	if r.TokenExpires != nil {
		rows = append(rows, [2]string{"Token expires", r.TokenExpires.Local().Format(time.RFC1123)})
	}
	if r.SessionID != "" {
		rows = append(rows, [2]string{"Session", r.SessionID})
	}
	if r.SessionStart != nil {
		rows = append(rows, [2]string{"Signed in", r.SessionStart.Local().Format(time.RFC1123)})
	}
	if r.ReauthNeeded {
		rows = append(rows, [2]string{"Sensitive ops", warningStyle.Render("re-authentication required")})
	}
	rt.ui.Println(table(rows))
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output status as JSON")
}
