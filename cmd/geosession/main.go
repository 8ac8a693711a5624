package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/lmittmann/tint"

	"github.com/harimadhavan2000/geocheatr/internal/capture"
	"github.com/harimadhavan2000/geocheatr/internal/config"
	"github.com/harimadhavan2000/geocheatr/internal/genai"
	"github.com/harimadhavan2000/geocheatr/internal/presenter"
	"github.com/harimadhavan2000/geocheatr/internal/session"
	"github.com/harimadhavan2000/geocheatr/internal/storage"
)

func main() {
	// Configuration problems are fatal before anything user-facing starts.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Configure logger
	logger := slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      cfg.LogLevel,
			TimeFormat: "15:04:05",
		}),
	)
	slog.SetDefault(logger)

	client, err := genai.NewClient(cfg.APIKey,
		genai.WithModel(cfg.Model),
		genai.WithEndpoint(cfg.Endpoint),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The history store is optional; a broken database must not keep the
	// session tool from running.
	var store *storage.Store
	var serverOpts []presenter.ServerOption
	if cfg.DatabaseURL != "" {
		store, err = storage.NewStore(ctx, cfg.DatabaseURL, client.EmbedText, logger.With("component", "storage"))
		if err != nil {
			logger.Warn("history store disabled", "error", err)
			store = nil
		} else {
			defer store.Close()
			serverOpts = append(serverOpts, presenter.WithHistorySearch(store.SearchHandler()))
		}
	}

	var ctrl *session.Controller
	hub := presenter.NewHub(logger.With("component", "presenter"), func(cmd string) error {
		switch cmd {
		case "start":
			return ctrl.Start()
		case "pause":
			return ctrl.TogglePause()
		case "stop":
			return ctrl.Stop()
		case "clear":
			return ctrl.Clear()
		default:
			return fmt.Errorf("unknown command %q", cmd)
		}
	})

	ctrlCfg := session.Config{
		Capturer:        capture.NewScreenCapturer(),
		NewConversation: func() session.Conversation { return client.StartChat() },
		Presenter:       hub,
		Display:         cfg.CaptureDisplay,
		Interval:        cfg.CaptureInterval,
		MapZoom:         cfg.MapZoom,
		Logger:          logger.With("component", "controller"),
	}
	if store != nil {
		ctrlCfg.Store = store
	}
	ctrl = session.New(ctrlCfg)

	srv := presenter.NewServer(cfg.ListenAddr, hub, logger, serverOpts...)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("presenter server failed", "error", err)
			stop()
		}
	}()

	logger.Info("geocheatr ready",
		"url", "http://"+cfg.ListenAddr,
		"display", cfg.CaptureDisplay,
		"interval", cfg.CaptureInterval,
	)

	ctrl.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("presenter shutdown failed", "error", err)
	}
	logger.Info("goodbye")
}
