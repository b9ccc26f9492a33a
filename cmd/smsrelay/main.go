package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shohag/smsrelay/internal/api"
	"github.com/shohag/smsrelay/internal/config"
)

var version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "smsrelay",
		Short:        "smsrelay: outbound SMS dispatch with budget and compliance controls",
		SilenceUsage: true,
	}

	var configPath string
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(
		serveCmd(&configPath),
		migrateCmd(&configPath),
		processCmd(&configPath),
		sendCmd(&configPath),
		sendTemplateCmd(&configPath),
		cancelCmd(&configPath),
		providerCmd(&configPath),
		blacklistCmd(&configPath),
		optoutCmd(&configPath),
		limitCmd(&configPath),
		templateCmd(&configPath),
		statsCmd(&configPath),
		versionCmd(),
	)
	return root
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue sweeper and the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			log := a.log

			a.cfg.Watch(func(next *config.Config) {
				applyLogLevel(next.Logging.Level)
				log.Info().Str("level", next.Logging.Level).Msg("configuration reloaded")
			}, func(err error) {
				log.Error().Err(err).Msg("ignoring invalid configuration change")
			})

			a.sweeper.Start(ctx)

			server := api.NewServer(a.cfg.Server, a.store, version, log)
			go func() {
				if err := server.Start(); err != nil && err != http.ErrServerClosed {
					log.Fatal().Err(err).Msg("server error")
				}
			}()

			log.Info().
				Str("version", version).
				Int("port", a.cfg.Server.Port).
				Int("workers", a.cfg.Delivery.Workers).
				Dur("poll_interval", a.cfg.Delivery.PollInterval).
				Str("storage", a.cfg.Storage.Driver).
				Strs("adapters", a.registry.Adapters()).
				Msg("smsrelay is running")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("shutting down...")

			if err := server.Shutdown(10 * time.Second); err != nil {
				log.Error().Err(err).Msg("server shutdown error")
			}

			a.sweeper.Stop()

			log.Info().Msg("smsrelay stopped")
			return nil
		},
	}
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := setupLogger(cfg.Logging)

			store, err := setupStorage(cfg.Storage, log)
			if err != nil {
				return fmt.Errorf("failed to setup storage: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			log.Info().Str("driver", store.Driver()).Msg("migrations completed successfully")
			return nil
		},
	}
}

func processCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Run one queue sweep: recover stuck claims and deliver due messages",
		Long: "Run one queue sweep. Meant to be called from cron or another external\n" +
			"scheduler; overlapping runs are safe.",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.sweeper.RecoverStuck(cmd.Context()); err != nil {
				return err
			}
			if limit <= 0 {
				limit = a.cfg.Delivery.BatchSize
			}
			sent, err := a.dispatch.ProcessQueue(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("process queue: %w", err)
			}
			fmt.Printf("sent %d message(s)\n", sent)
			return nil
		},
	}
	cmd.Flags().Int("limit", 0, "maximum number of due items to process (default delivery.batch_size)")
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue, delivery and spending stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.GetStats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			return printJSON(stats)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("smsrelay v%s\n", version)
		},
	}
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	applyLogLevel(cfg.Level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func applyLogLevel(lvl string) {
	level, err := zerolog.ParseLevel(lvl)
	if err != nil || lvl == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
