package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/GoogleCloudPlatform/functions-framework-go/funcframework"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/filepipelinedashboard/internal/services"
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Pipeline dashboard exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := services.LoadConfig()
	if err != nil {
		return err
	}

	dashboard, err := services.NewDashboard(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize dashboard: %w", err)
	}
	defer func() {
		if err := dashboard.Close(); err != nil {
			slog.Error("Failed to close dashboard", "error", err)
		}
	}()

	// Each intent is served at /<Name>.
	functions.HTTP("Start", dashboard.Intents.HandleStart)
	functions.HTTP("Cancel", dashboard.Intents.HandleCancel)
	functions.HTTP("Refresh", dashboard.Intents.HandleRefresh)
	functions.HTTP("State", dashboard.Intents.HandleState)
	functions.HTTP("Metrics", dashboard.Intents.HandleMetrics)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting intent server.", "host", cfg.ListenHost, "port", cfg.Port)
		serverErr <- funcframework.StartHostPort(cfg.ListenHost, cfg.Port)
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dashboard.Run(ctx) })
	g.Go(func() error {
		select {
		case err := <-serverErr:
			return fmt.Errorf("intent server stopped: %w", err)
		case <-ctx.Done():
			return nil
		}
	})
	return g.Wait()
}
