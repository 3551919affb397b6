package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/filepipelinedashboard/internal/gcp"
)

// Dashboard wires the orchestrator to its configured backends.
type Dashboard struct {
	Orchestrator *Orchestrator
	Intents      *IntentHandlers
	View         *StateView
	Metrics      *Metrics

	scheduler   *Scheduler
	publisher   *NoticePublisher
	autoTrigger bool
	closers     []func() error
	logger      *slog.Logger
}

// NewDashboard builds every component named by cfg. Timer callbacks run with ctx.
func NewDashboard(ctx context.Context, cfg *Config) (*Dashboard, error) {
	logger := slog.Default()
	clock := clockwork.NewRealClock()
	d := &Dashboard{
		View:        NewStateView(),
		Metrics:     NewMetrics(),
		autoTrigger: cfg.AutoTriggerEnabled,
		logger:      logger.With("component", "dashboard"),
	}

	sessions, err := d.sessionStore(ctx, cfg)
	if err != nil {
		d.Close()
		return nil, err
	}

	gateway, err := d.gateway(ctx, cfg, clock, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	presenters := Presenters{d.View}
	if cfg.NoticeSinkURL != "" {
		d.publisher, err = NewNoticePublisher(cfg.NoticeSinkURL, cfg.NoticeSource, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		presenters = append(presenters, d.publisher)
	}

	opts := []OrchestratorOption{WithClock(clock), WithMetrics(d.Metrics), WithLogger(logger)}
	if cfg.ReportBucket != "" {
		storageClient, err := gcp.NewStorageClient(ctx)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.closers = append(d.closers, storageClient.Close)
		opts = append(opts, WithReporter(NewStorageReporter(storageClient, cfg.ReportBucket)))
	}

	d.scheduler = NewScheduler(ctx, clock, logger)
	d.Orchestrator = NewOrchestrator(cfg.OrchestratorConfig(), gateway, sessions, d.scheduler, presenters, opts...)
	d.Intents = NewIntentHandlers(d.Orchestrator, d.View, d.Metrics, logger)

	d.logger.Info("Dashboard initialized.",
		"sessionBackend", cfg.SessionBackend,
		"buildWorkflow", cfg.BuildWorkflowID != "",
		"notices", d.publisher != nil,
		"reports", cfg.ReportBucket != "",
		"timezone", cfg.Location.String(),
	)
	return d, nil
}

func (d *Dashboard) sessionStore(ctx context.Context, cfg *Config) (SessionStore, error) {
	switch cfg.SessionBackend {
	case SessionBackendFirestore:
		client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID, cfg.FirestoreDatabase)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, client.Close)
		return NewFirestoreSessionStore(client, cfg.FirestoreCollection, cfg.SessionDocument), nil
	case SessionBackendMemory:
		return NewMemorySessionStore(), nil
	default:
		return NewFileSessionStore(cfg.SessionFile), nil
	}
}

func (d *Dashboard) gateway(ctx context.Context, cfg *Config, clock clockwork.Clock, logger *slog.Logger) (Gateway, error) {
	httpGateway, err := NewHTTPGateway(cfg.GatewayConfig(), &http.Client{}, clock, logger)
	if err != nil {
		return nil, err
	}
	if cfg.BuildWorkflowID == "" {
		return httpGateway, nil
	}

	executions, err := gcp.NewExecutionsClient(ctx)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, executions.Close)
	parent := gcp.WorkflowParent(cfg.ProjectID, cfg.WorkflowLocation, cfg.BuildWorkflowID)
	return NewWorkflowBuildGateway(httpGateway, executions, parent, logger), nil
}

// Run resumes a persisted session, arms the auto-trigger and delivers notices
// until ctx is cancelled. Timers are disarmed before it returns.
func (d *Dashboard) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if d.publisher != nil {
		g.Go(func() error { return d.publisher.Run(ctx) })
	}

	g.Go(func() error {
		resumed, err := d.Orchestrator.Resume(ctx)
		switch {
		case err != nil:
			d.logger.Error("Failed to resume persisted session", "error", err)
		case resumed:
			d.logger.Info("Persisted session resumed.")
		}
		if d.autoTrigger {
			d.Orchestrator.EnableAutoTrigger()
		}

		<-ctx.Done()
		d.Orchestrator.Shutdown()
		d.scheduler.Close()
		d.logger.Info("Dashboard stopped.")
		return nil
	})

	return g.Wait()
}

// Close releases the cloud clients.
func (d *Dashboard) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to close dashboard clients: %w", err)
	}
	return nil
}
