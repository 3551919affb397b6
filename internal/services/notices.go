package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// CloudEvent types emitted for terminal notices.
const (
	EventTypeCycleSucceeded = "com.filepipeline.dashboard.cycle.succeeded"
	EventTypeCycleFailed    = "com.filepipeline.dashboard.cycle.failed"
)

const noticeSendTimeout = 10 * time.Second

// NoticePublisher delivers terminal notices as CloudEvents to a sink. Notices
// are queued and sent from Run so that publishing never blocks the orchestrator.
type NoticePublisher struct {
	client cloudevents.Client
	source string
	queue  chan models.Notice
	logger *slog.Logger
}

// NewNoticePublisher creates a publisher posting to sinkURL over HTTP.
func NewNoticePublisher(sinkURL, source string, logger *slog.Logger) (*NoticePublisher, error) {
	protocol, err := cloudevents.NewHTTP(cloudevents.WithTarget(sinkURL))
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents protocol: %w", err)
	}
	client, err := cloudevents.NewClient(protocol, cloudevents.WithTimeNow())
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudevents client: %w", err)
	}
	return newNoticePublisher(client, source, logger), nil
}

func newNoticePublisher(client cloudevents.Client, source string, logger *slog.Logger) *NoticePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoticePublisher{
		client: client,
		source: source,
		queue:  make(chan models.Notice, 32),
		logger: logger.With("component", "notice-publisher"),
	}
}

func (p *NoticePublisher) PublishStats(models.DerivedStats) {}

func (p *NoticePublisher) PublishMessage(string) {}

// PublishNotice queues the notice. When the queue is full the notice is dropped and logged.
func (p *NoticePublisher) PublishNotice(notice models.Notice) {
	select {
	case p.queue <- notice:
	default:
		p.logger.Warn("Notice queue full, dropping notice.", "kind", notice.Kind, "cycleId", notice.CycleID)
	}
}

// Run sends queued notices until ctx is cancelled.
func (p *NoticePublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case notice := <-p.queue:
			p.send(ctx, notice)
		}
	}
}

func (p *NoticePublisher) send(ctx context.Context, notice models.Notice) {
	event, err := p.toEvent(notice)
	if err != nil {
		p.logger.Error("Failed to build notice event", "error", err, "cycleId", notice.CycleID)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, noticeSendTimeout)
	defer cancel()
	if result := p.client.Send(sendCtx, event); cloudevents.IsUndelivered(result) {
		p.logger.Error("Failed to deliver notice event", "error", result, "eventId", event.ID(), "cycleId", notice.CycleID)
		return
	}
	p.logger.Info("Notice event delivered.", "eventId", event.ID(), "type", event.Type(), "cycleId", notice.CycleID)
}

func (p *NoticePublisher) toEvent(notice models.Notice) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(p.source)
	event.SetTime(notice.At)
	if notice.Kind == models.NoticeSuccess {
		event.SetType(EventTypeCycleSucceeded)
	} else {
		event.SetType(EventTypeCycleFailed)
	}
	if notice.CycleID != "" {
		event.SetSubject(notice.CycleID)
	}
	if err := event.SetData(cloudevents.ApplicationJSON, notice); err != nil {
		return event, fmt.Errorf("failed to encode notice: %w", err)
	}
	return event, nil
}
