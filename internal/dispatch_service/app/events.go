package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// JobEvent is emitted for every committed job transition.
type JobEvent struct {
	JobID      string           `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	Recipient  string           `json:"recipient"`
	OccurredAt time.Time        `json:"occurred_at"`
	ErrorCode  string           `json:"error_code,omitempty"`
	ReplyText  string           `json:"reply_text,omitempty"`
}

// EventPublisher delivers job events to interested parties.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event JobEvent) error
}

// NoopEventPublisher drops every event.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishJobEvent(context.Context, JobEvent) error { return nil }

// jobLifecycle commits transitions to the store and fans them out to metrics
// and the event publisher. Worker, correlator, sweeper and dispatcher all
// change job state through it.
type jobLifecycle struct {
	store     *JobStore
	publisher EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

func newJobLifecycle(store *JobStore, publisher EventPublisher, logger *slog.Logger) *jobLifecycle {
	if publisher == nil {
		publisher = NoopEventPublisher{}
	}
	return &jobLifecycle{store: store, publisher: publisher, logger: logger, now: time.Now}
}

func (l *jobLifecycle) advance(ctx context.Context, id string, from, to domain.JobStatus, mutate func(*domain.Job)) (domain.Job, error) {
	at := l.now()
	job, err := l.store.Transition(id, from, to, at, mutate)
	if err != nil {
		if errors.Is(err, domain.ErrStateMismatch) {
			l.logger.DebugContext(ctx, "Transition lost to a concurrent update", "job_id", id, "from", from, "to", to, "current", job.Status)
		}
		return job, err
	}

	jobTransitionsCounter.WithLabelValues(string(to)).Inc()
	l.logger.InfoContext(ctx, "Job state changed", "job_id", id, "from", from, "to", to)

	event := JobEvent{JobID: job.ID, Status: job.Status, Recipient: job.Recipient, OccurredAt: at.UTC()}
	if job.Error != nil {
		event.ErrorCode = job.Error.Code
	}
	if job.Reply != nil {
		event.ReplyText = job.Reply.Text
	}
	if pubErr := l.publisher.PublishJobEvent(ctx, event); pubErr != nil {
		l.logger.WarnContext(ctx, "Failed to publish job event", "job_id", id, "status", to, "error", pubErr)
	}
	return job, nil
}

// fail moves a job to failed with a structured error.
func (l *jobLifecycle) fail(ctx context.Context, id string, from domain.JobStatus, kind domain.ErrorKind, cause error) (domain.Job, error) {
	jobErr := domain.NewJobError(kind, cause)
	return l.advance(ctx, id, from, domain.JobStatusFailed, func(j *domain.Job) {
		j.Error = jobErr
	})
}
