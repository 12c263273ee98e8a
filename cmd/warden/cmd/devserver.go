package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/devserver"
)

var (
	devAddr           string
	devUsers          []string
	devTokenTTL       time.Duration
	devRequireCaptcha bool
	devTLSCert        string
	devTLSKey         string
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local admin backend for development",
	Long: `Serves the sign-in, refresh, sign-out, admin-info and audit endpoints the
client talks to, with JWT bearer tokens. API docs are served at /docs.

Accounts are given as email:password[:name], for example
  warden devserver --user admin@example.com:changeme:Admin`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		logger := newLogger(cfg.LogLevel, os.Stderr)

		opts := []devserver.Option{
			devserver.WithLogger(logger),
			devserver.WithTokenTTL(devTokenTTL),
			devserver.WithRequireCaptcha(devRequireCaptcha),
		}
		if cfg.DevServer.Secret != "" {
			opts = append(opts, devserver.WithSecret([]byte(cfg.DevServer.Secret)))
		}
		for _, u := range devUsers {
			email, rest, ok := strings.Cut(u, ":")
			if !ok || email == "" || rest == "" {
				return fmt.Errorf("invalid --user %q: want email:password[:name]", u)
			}
			password, name, _ := strings.Cut(rest, ":")
			opts = append(opts, devserver.WithUser(email, password, name, "admin"))
		}
		srv, err := devserver.New(opts...)
		if err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Mount("/", srv.Router())

		addr := devAddr
		if addr == "" {
			addr = cfg.DevServer.Addr
		}
		server := &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if devTLSCert != "" && devTLSKey != "" {
				err = server.ListenAndServeTLS(devTLSCert, devTLSKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(out)
		fmt.Fprintf(out, "Dev backend listening on %s (%d account(s), docs at /docs)\n", addr, len(devUsers))
		if len(devUsers) == 0 {
			fmt.Fprintln(out, "No accounts configured; every sign-in will be rejected. Add one with --user.")
		}

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devAddr, "addr", "", "Listen address (default from config, 127.0.0.1:8790)")
	devserverCmd.Flags().StringArrayVar(&devUsers, "user", nil, "Account as email:password[:name]; repeatable")
	devserverCmd.Flags().DurationVar(&devTokenTTL, "token-ttl", devserver.DefaultTokenTTL, "Lifetime of issued tokens")
	devserverCmd.Flags().BoolVar(&devRequireCaptcha, "require-captcha", false, "Reject sign-ins without a CAPTCHA token")
	devserverCmd.Flags().StringVar(&devTLSCert, "tls-cert", "", "Path to TLS certificate file")
	devserverCmd.Flags().StringVar(&devTLSKey, "tls-key", "", "Path to TLS key file")
}
