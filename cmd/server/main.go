package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nshruti113/flowguard/internal/config"
	"github.com/nshruti113/flowguard/internal/enforcement"
	"github.com/nshruti113/flowguard/internal/storage"
)

func main() {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:           "flowguard-server",
		Short:         "Detection gateway and mitigation scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := config.SetupLogging(cfg.LogLevel); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	if err := cmd.Execute(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log.Info("Starting flowguard server...")

	clock := clockwork.NewRealClock()

	store, err := openStore(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer store.Close()

	enforcer, err := enforcement.New(cfg.EnforcementBackend())
	if err != nil {
		return err
	}

	server, err := NewServer(ctx, cfg, store, enforcer, clock)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return server.Run(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (storage.Store, error) {
	if cfg.Store.Kind == "memory" {
		log.Warn("using in-memory store; state is lost on restart")
		return storage.NewMemoryStore(), nil
	}

	r := cfg.Store.Redis
	store, err := storage.NewRedisStore(ctx, r.Addr, r.Password, r.DB, r.FlowRetention, clock)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return store, nil
}
