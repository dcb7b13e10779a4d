// Package main provides the entry point for the resilience agent.
// The agent hosts the error immunity and smart logging engines and exposes
// them over an HTTP API for client applications to report errors, ship logs,
// and query reports.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/ledgerstack/resilience/internal/api"
	"github.com/ledgerstack/resilience/internal/buildinfo"
	"github.com/ledgerstack/resilience/internal/config"
	"github.com/ledgerstack/resilience/internal/immunity"
	"github.com/ledgerstack/resilience/internal/logging"
	"github.com/ledgerstack/resilience/internal/smartlog"
	"github.com/ledgerstack/resilience/internal/store"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("agent failed: %v", err)
	}
}

func run() error {
	// Environment overrides may live in a local .env; absence is fine.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("resilience-agent %s\n", buildinfo.String())
		return nil
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		if !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		log.Warnf("config file %s not found, using defaults", *configPath)
		cfg = config.DefaultConfig()
	}

	logging.SetDebug(cfg.Debug)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		return err
	}

	logStore, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := logStore.Close(); err != nil {
			log.Warnf("failed to close log store: %v", err)
		}
	}()

	var archiver store.Archiver
	if cfg.Archive.Enabled {
		archiver, err = store.NewObjectArchiver(store.ObjectArchiverConfig{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			UseSSL:    cfg.Archive.UseSSL,
			Bucket:    cfg.Archive.Bucket,
			Prefix:    cfg.Archive.Prefix,
			Compress:  cfg.SmartLog.Compression,
		})
		if err != nil {
			return fmt.Errorf("failed to build archiver: %w", err)
		}
	}

	immunityEngine := immunity.New(cfg.Immunity, immunity.Deps{})
	logEngine := smartlog.New(cfg.SmartLog, smartlog.Deps{
		Store:    logStore,
		Archiver: archiver,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	immunityEngine.Start(ctx)
	defer immunityEngine.Stop()
	logEngine.Start(ctx)
	defer logEngine.Stop()

	server := api.NewServer(cfg, immunityEngine, logEngine)

	watcher := config.NewWatcher(*configPath, func(next *config.Config) {
		immunityEngine.UpdateConfig(next.Immunity)
		logEngine.UpdateConfig(next.SmartLog)
		server.UpdateConfig(next)
		logging.SetDebug(next.Debug)
	})
	if err := watcher.Start(); err != nil {
		log.Warnf("config hot reload unavailable: %v", err)
	} else {
		defer watcher.Stop()
	}

	log.Infof("resilience-agent %s starting", buildinfo.Version)
	return server.Run(ctx)
}

// buildStore constructs the configured log store backend.
func buildStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return store.NewMemoryStore(cfg.Storage.MaxRecords), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return store.NewPostgresStore(context.Background(), cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
