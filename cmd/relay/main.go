package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/whitetrader/wsrelay/internal/config"
	"github.com/whitetrader/wsrelay/internal/forward"
	"github.com/whitetrader/wsrelay/internal/registry"
	"github.com/whitetrader/wsrelay/internal/server"
	"github.com/whitetrader/wsrelay/internal/session"
	"github.com/whitetrader/wsrelay/internal/store"
	"github.com/whitetrader/wsrelay/internal/token"
	"github.com/whitetrader/wsrelay/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/relay.local.yaml", "path to config file")
	flag.Parse()

	// .env is optional; config env expansion picks up whatever it sets.
	_ = godotenv.Load()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"ws_url", cfg.Exchange.WSURL,
		"sink_url", cfg.Sink.BaseURL,
		"port", cfg.Server.Port,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Token provider and event forwarder share the backend base URL
	tokens := token.NewClient(cfg.Sink.BaseURL,
		token.WithLogger(logger),
		token.WithTimeout(cfg.Sink.Timeout),
	)

	forwarder := forward.NewForwarder(forward.Config{
		BaseURL:      cfg.Sink.BaseURL,
		Timeout:      cfg.Sink.Timeout,
		MaxRetries:   cfg.Sink.MaxRetries,
		RetryBackoff: cfg.Sink.RetryBackoff,
		QueueSize:    cfg.Sink.QueueSize,
	}, forward.WithLogger(logger))

	sessionCfg := session.Config{
		WSURL:              cfg.Exchange.WSURL,
		HandshakeTimeout:   cfg.Exchange.HandshakeTimeout,
		AuthTimeout:        cfg.Exchange.AuthTimeout,
		PingInterval:       cfg.Exchange.PingInterval,
		ReconnectBaseDelay: cfg.Exchange.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Exchange.ReconnectMaxDelay,
		WriteTimeout:       cfg.Exchange.WriteTimeout,
		ReadBufferSize:     cfg.Exchange.ReadBufferSize,
	}

	registryOpts := []registry.Option{registry.WithLogger(logger)}

	// Optional tracking store
	if cfg.Database.Enabled() {
		logger.Info("connecting to tracking store",
			"host", cfg.Database.Host,
			"port", cfg.Database.Port,
			"database", cfg.Database.Name,
		)

		trackingStore, err := store.Connect(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to tracking store", "error", err)
			os.Exit(1)
		}
		defer trackingStore.Close()

		logger.Info("tracking store connected")
		registryOpts = append(registryOpts, registry.WithStore(trackingStore))
	}

	reg := registry.NewRegistry(sessionCfg, tokens, forwarder, registryOpts...)

	// Resume persisted tracking, then apply static seeds from config
	if err := reg.Start(ctx); err != nil {
		logger.Error("failed to start registry", "error", err)
		os.Exit(1)
	}
	for _, seed := range cfg.Accounts {
		for _, market := range seed.Markets {
			if err := reg.StartTracking(ctx, seed.ID, market); err != nil {
				logger.Error("failed to seed account",
					"account_id", seed.ID,
					"market", market,
					"error", err,
				)
				os.Exit(1)
			}
		}
	}

	// Control API
	ctrl := server.NewServer(cfg.Server.Port, reg, logger)
	go func() {
		if err := ctrl.ListenAndServe(); err != nil {
			logger.Error("control API error", "error", err)
			cancel()
		}
	}()

	logger.Info("relay running",
		"seeded_accounts", len(cfg.Accounts),
		"control_port", cfg.Server.Port,
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting control requests, close the sessions, then drain the
	// forward queues so buffered events still reach the sink.
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		logger.Error("control API shutdown error", "error", err)
	}
	if err := reg.Close(shutdownCtx); err != nil {
		logger.Error("registry shutdown error", "error", err)
	}
	if err := forwarder.Close(shutdownCtx); err != nil {
		logger.Error("forwarder shutdown error", "error", err)
	}

	logger.Info("relay stopped")
}
