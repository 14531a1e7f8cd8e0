// Package main is the entry point for the student tracker.
//
// The main package stays minimal: it parses flags, loads configuration,
// builds the logger and hands off to internal/server. All actual logic lives
// in the imported packages.
//
// COMMANDS:
//
//	tracker serve    run the HTTP API and the nightly sync scheduler
//	tracker sync     run one sync pass for every connected user and exit
//	tracker migrate  apply pending database migrations and exit
//	tracker version  print the build version
//
// Every command accepts --config path/to/config.yaml; environment variables
// prefixed with TRACKER_ override the file.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/akumotech/student-tracker/internal/config"
	"github.com/akumotech/student-tracker/internal/logging"
	"github.com/akumotech/student-tracker/internal/repository/sqlstore"
	"github.com/akumotech/student-tracker/internal/server"
)

// version is overridden at build time:
//
//	go build -ldflags "-X main.version=v1.2.0" ./cmd/server
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string

	root := &cobra.Command{
		Use:          "tracker",
		Short:        "Student coding-activity tracker backed by WakaTime",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newSyncCmd(&cfgPath),
		newMigrateCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}

// setup loads and validates configuration and builds the root logger.
// The returned close function flushes the rotated log file, if any.
func setup(cfgPath string) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, closeLog, nil
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer closeLog()

			// SIGINT (Ctrl+C) and SIGTERM (docker stop, systemd) cancel ctx,
			// which starts the graceful shutdown in Server.Start.
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to create server", slog.String("error", err.Error()))
				return err
			}

			if err := srv.Start(ctx); err != nil {
				logger.Error("server error", slog.String("error", err.Error()))
				return err
			}
			return nil
		},
	}
}

func newSyncCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and exit",
		Long: "Fetches the last sync.lookback_days of usage for every connected user.\n" +
			"Exits non-zero when the pass or any user failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := setup(*cfgPath)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := server.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			res := srv.Runner().RunPass(ctx)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sync pass finished in %s: %d users, %d succeeded, %d failed\n",
				res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond),
				len(res.Users), res.Succeeded(), res.Failed())
			for _, u := range res.Users {
				if u.Err != nil {
					fmt.Fprintf(out, "  %s: %v\n", u.UserID, u.Err)
				}
			}

			if res.Err != nil {
				return res.Err
			}
			if res.Failed() > 0 {
				return fmt.Errorf("sync: %d of %d users failed", res.Failed(), len(res.Users))
			}
			return nil
		},
	}
}

func newMigrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only the database section matters here, so skip Validate and
			// let migrations run before the WakaTime app is registered.
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			store, err := sqlstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer store.Close()

			applied, err := store.Migrate(ctx)
			if err != nil {
				return err
			}
			logger.Info("migrations applied",
				slog.String("driver", cfg.Database.Driver),
				slog.Int("applied", applied),
			)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
