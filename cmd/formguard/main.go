package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"formguard/internal/config"
	"formguard/internal/logging"
	"formguard/internal/security"
	"formguard/internal/server"
	"formguard/internal/session"
	"formguard/internal/store"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "formguard",
		Short: "Abuse-defended form submission endpoint",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the form endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "formguard.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			return writeDefaultConfig(path)
		},
	}

	root.AddCommand(serveCmd, initCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Encoding:   cfg.Logging.Encoding,
		OutputPath: cfg.Logging.OutputPath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	db, err := store.Open(logger.Named("store"), cfg.Storage.DatabasePath)
	if err != nil {
		logger.Fatal("opening database", zap.Error(err))
	}
	defer db.Close()

	var counters security.CounterStore
	switch cfg.Storage.Counters {
	case "sqlite":
		counters, err = security.NewSQLCounterStore(db.Handle())
		if err != nil {
			logger.Fatal("preparing counter store", zap.Error(err))
		}
	default:
		counters = security.NewMemoryCounterStore()
	}

	secret := []byte(cfg.Storage.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatal("generating signing secret", zap.Error(err))
		}
		logger.Warn("storage.secret not set, using an ephemeral secret; in-flight forms will not survive a restart")
	}

	events := security.NewEventLog(cfg.Events)
	defer events.Sync()
	metrics := security.NewMetrics(prometheus.DefaultRegisterer)

	guard, err := security.NewGuard(logger.Named("guard"), events, metrics, counters, secret, cfg.Guard)
	if err != nil {
		logger.Fatal("building guard", zap.Error(err))
	}

	sessions, err := session.NewStore(cfg.Session.Lifetime)
	if err != nil {
		logger.Fatal("building session store", zap.Error(err))
	}
	defer sessions.Close()

	srv := server.New(cfg, logger.Named("server"), guard, sessions, db, prometheus.DefaultGatherer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("formguard stopped")
	return nil
}

func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	raw, err := yaml.Marshal(config.Default())
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
