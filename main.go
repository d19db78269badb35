package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mirrorstack/mailmirror/internal/api"
	"github.com/mirrorstack/mailmirror/internal/auth"
	"github.com/mirrorstack/mailmirror/internal/config"
	"github.com/mirrorstack/mailmirror/internal/graph"
	"github.com/mirrorstack/mailmirror/internal/logging"
	"github.com/mirrorstack/mailmirror/internal/natsjs"
	"github.com/mirrorstack/mailmirror/internal/store"
	syncsvc "github.com/mirrorstack/mailmirror/internal/sync"
	"github.com/mirrorstack/mailmirror/internal/tokens"
	"github.com/mirrorstack/mailmirror/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tokenProvider := tokens.NewProvider(st, cfg.OAuthClientID, cfg.OAuthSecret, logger)
	client := graph.NewClient(cfg.GraphBaseURL, logger)

	engine := syncsvc.NewEngine(st, tokenProvider, client, logger)
	orchestrator := syncsvc.NewOrchestrator(st, engine, tokenProvider, client, logger)

	manager := webhook.NewManager(st, client, tokenProvider, cfg.NotificationURL, logger)
	processor := webhook.NewProcessor(st, logger)

	dispatcher := webhook.NewDispatcher(st, orchestrator, cfg.SyncWorkers, logger)
	go dispatcher.Run(ctx)

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := manager.RenewDueSubscriptions(ctx, 24*time.Hour); err != nil {
					logger.Warn("subscription renewal sweep", "error", err)
				}
			}
		}
	}()

	if cfg.NATSURL != "" {
		publisher, err := natsjs.NewPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			logger.Error("failed to ensure NATS stream", "error", err)
			os.Exit(1)
		}
		go publisher.RunOutbox(ctx, st)
	}

	var verifier *auth.Verifier
	if cfg.JWKSURL != "" {
		verifier, err = auth.NewVerifier(cfg.JWKSURL)
		if err != nil {
			logger.Error("failed to build JWT verifier", "error", err)
			os.Exit(1)
		}
		defer verifier.Close()
	}

	server := api.NewServer(orchestrator, manager, processor, st, verifier, logger)

	logger.Info("listening", "addr", cfg.ListenAddr)
	if err := server.Router().Run(cfg.ListenAddr); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
