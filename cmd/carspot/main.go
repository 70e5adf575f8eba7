package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"carspot-service/internal/backend"
	"carspot-service/internal/config"
	"carspot-service/internal/db"
	"carspot-service/internal/ingest"
	"carspot-service/internal/logger"
	"carspot-service/internal/metrics"
	"carspot-service/internal/repository"
	"carspot-service/internal/server"
	"carspot-service/internal/service"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "carspot",
		Short:         "Car spotting session gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (yaml, json or toml)")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(configFile)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the snapshot database schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(configFile)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(configFile string) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.New(cfg.Log.Level, cfg.Log.Pretty), nil
}

func migrate(configFile string) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	gdb, err := db.Open(cfg.DB.Driver, cfg.DB.DSN, log)
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	if err := db.Migrate(gdb); err != nil {
		return err
	}
	log.Info().Str("driver", cfg.DB.Driver).Msg("migrations applied")
	return nil
}

func serve(configFile string) error {
	cfg, log, err := setup(configFile)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("auth.jwt_secret is empty, every token will be rejected")
	}

	gdb, err := db.Open(cfg.DB.Driver, cfg.DB.DSN, log)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	registry := service.NewRegistry(service.Deps{
		Backend:   backend.NewClient(cfg.Backend.BaseURL, &http.Client{Timeout: cfg.Backend.Timeout}, log),
		Snapshots: repository.NewSnapshotRepository(gdb),
		Metrics:   m,
		Log:       log,
		Options: service.Options{
			Upload:          ingest.Policy{Name: "main", MaxBytes: cfg.Upload.MaxBytes},
			ProfileUpload:   ingest.Policy{Name: "profile", MaxBytes: cfg.Upload.ProfileMaxBytes},
			DropTarget:      cfg.Upload.DropTarget,
			Cooldown:        cfg.Reaction.Cooldown,
			IdentityTTL:     cfg.Social.CacheTTL,
			RecognitionURL:  cfg.Recognition.URL,
			RecognitionHTTP: &http.Client{Timeout: cfg.Recognition.Timeout},
		},
	}, cfg.Workspace.IdleTTL)

	srv := server.New(cfg, registry, reg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down gracefully")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("server failed")
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	log.Info().Msg("server exited")
	return nil
}
