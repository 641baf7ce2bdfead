package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/smsrest/gateway/internal/dispatch_service/app"
)

// MessagePublisher is the subset of the broker client used here.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// NatsEventPublisher publishes job events as JSON on <prefix>.<status>.
type NatsEventPublisher struct {
	client MessagePublisher
	prefix string
	logger *slog.Logger
}

// NewNatsEventPublisher creates an app.EventPublisher backed by NATS.
func NewNatsEventPublisher(client MessagePublisher, subjectPrefix string, logger *slog.Logger) *NatsEventPublisher {
	return &NatsEventPublisher{
		client: client,
		prefix: subjectPrefix,
		logger: logger.With("component", "event_publisher"),
	}
}

// Subject returns the subject an event for status is published on.
func (p *NatsEventPublisher) Subject(status string) string {
	return p.prefix + "." + status
}

// PublishJobEvent implements app.EventPublisher.
func (p *NatsEventPublisher) PublishJobEvent(ctx context.Context, event app.JobEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal job event: %w", err)
	}
	subject := p.Subject(string(event.Status))
	if err := p.client.Publish(subject, data); err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "Job event published", "subject", subject, "job_id", event.JobID)
	return nil
}
