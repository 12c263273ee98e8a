package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the local security audit log",
	Long:  `Commands for listing and clearing the security events recorded on this device.`,
}

var (
	auditType  string
	auditEmail string
	auditLimit int
	auditJSON  bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded security events, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), func(rt *runtime) error {
			events := selectEvents(rt.audit, auditType, auditEmail, auditLimit)
			if auditJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(events)
			}
			printEvents(cmd.OutOrStdout(), events)
			return nil
		})
	},
}

var auditClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all recorded security events",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), cmd.OutOrStdout(), func(rt *runtime) error {
			n := len(rt.audit.Events())
			rt.audit.Clear()
			rt.ui.Println(fmt.Sprintf("Cleared %d event(s).", n))
			return nil
		})
	},
}

func selectEvents(l *audit.Logger, eventType, email string, limit int) []audit.Event {
	var events []audit.Event
	switch {
	case eventType != "":
		events = l.ByType(audit.EventType(eventType))
	case email != "":
		events = l.ByEmail(email)
	default:
		events = l.Events()
	}
	if eventType != "" && email != "" {
		byEmail := make(map[string]bool)
		for _, ev := range l.ByEmail(email) {
			byEmail[ev.ID] = true
		}
		kept := events[:0]
		for _, ev := range events {
			if byEmail[ev.ID] {
				kept = append(kept, ev)
			}
		}
		events = kept
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

func printEvents(w io.Writer, events []audit.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events recorded.")
		return
	}
	for _, ev := range events {
		tag := infoStyle
		switch ev.Type {
		case audit.LoginFailure, audit.SessionTimeout:
			tag = warningStyle
		case audit.AccountLocked, audit.SuspiciousActivity:
			tag = errorStyle
		}
		line := fmt.Sprintf("%s  %s", ev.Timestamp.Local().Format(time.DateTime), tag.Render(fmt.Sprintf("%-19s", ev.Type)))
		if ev.Email != "" {
			line += "  " + ev.Email
		}
		if len(ev.Metadata) > 0 {
			keys := make([]string, 0, len(ev.Metadata))
			for k := range ev.Metadata {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			pairs := make([]string, len(keys))
			for i, k := range keys {
				pairs[i] = k + "=" + ev.Metadata[k]
			}
			line += "  " + labelStyle.UnsetWidth().Render(strings.Join(pairs, " "))
		}
		fmt.Fprintln(w, line)
	}
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditClearCmd)
	auditListCmd.Flags().StringVar(&auditType, "type", "", "Only events of this type (e.g. login_failure)")
	auditListCmd.Flags().StringVar(&auditEmail, "email", "", "Only events for this account")
	auditListCmd.Flags().IntVarP(&auditLimit, "limit", "n", 0, "Show at most n events")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "Output events as JSON")
}
