package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/jstelzer/nevermail/internal/cache"
	"github.com/jstelzer/nevermail/internal/config"
	"github.com/jstelzer/nevermail/internal/engine"
	"github.com/jstelzer/nevermail/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	configPath  = flag.String("config", "", "Config file path (default ~/.config/nevermail/config.yaml)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("nevermail version %s\n", version)
		os.Exit(0)
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if len(cfg.Accounts) == 0 {
		logger.WithField("path", path).Fatal("No accounts configured")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting nevermail")

	// A broken cache is not fatal: the engine runs session-only and every
	// read goes to the network.
	store, err := cache.Open(cfg.CachePath, logger)
	if err != nil {
		logger.WithError(err).Warn("Cache unavailable, running without local cache")
		store = nil
	} else {
		defer store.Close()
	}

	eng := engine.New(cfg, store, logger)
	eng.OnNewMessage = func(account string, m types.MessageSummary) {
		logger.WithFields(logrus.Fields{
			"account": account,
			"from":    m.From,
			"subject": m.Subject,
		}).Info("Mail arrived")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	eng.Run(ctx)
	logger.Info("Shutting down nevermail")
}
