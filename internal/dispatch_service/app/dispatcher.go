package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// Config wires the dispatch engine.
type Config struct {
	Worker           WorkerConfig
	ReconnectBackoff time.Duration
	SweepInterval    time.Duration
	Retention        time.Duration
}

// Dispatcher is the entry point of the dispatch engine. Request goroutines
// call Submit and GetStatus; main runs the worker and the sweeper.
type Dispatcher struct {
	store     *JobStore
	queue     *DispatchQueue
	lifecycle *jobLifecycle
	session   *DeviceSession
	worker    *Worker
	sweeper   *TimeoutSweeper
	phones    *domain.PhoneNormalizer
	validate  *validator.Validate
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher builds the store, queue, device session, worker and sweeper.
func NewDispatcher(
	cfg Config,
	connector domain.DeviceConnector,
	phones *domain.PhoneNormalizer,
	publisher EventPublisher,
	validate *validator.Validate,
	logger *slog.Logger,
) *Dispatcher {
	store := NewJobStore()
	queue := NewDispatchQueue()
	lifecycle := newJobLifecycle(store, publisher, logger.With("component", "job_lifecycle"))
	session := NewDeviceSession(connector, cfg.ReconnectBackoff, logger)
	correlator := newReplyCorrelator(store, lifecycle, phones, logger)

	return &Dispatcher{
		store:     store,
		queue:     queue,
		lifecycle: lifecycle,
		session:   session,
		worker:    newWorker(queue, store, lifecycle, session, correlator, cfg.Worker, logger),
		sweeper:   newTimeoutSweeper(store, lifecycle, cfg.SweepInterval, cfg.Retention, logger),
		phones:    phones,
		validate:  validate,
		logger:    logger.With("service", "dispatcher"),
		now:       time.Now,
	}
}

// Submit validates and enqueues a message. It never waits on the device.
func (d *Dispatcher) Submit(ctx context.Context, sub domain.Submission) (domain.Receipt, error) {
	if err := d.validate.StructCtx(ctx, sub); err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if sub.WantsReply && sub.TimeoutSeconds == 0 {
		return domain.Receipt{}, fmt.Errorf("%w: timeout_seconds is required when a reply is wanted", domain.ErrValidation)
	}
	recipient, err := d.phones.Normalize(sub.Recipient)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}

	original := sub.OriginalRecipient
	if original == "" {
		original = sub.Recipient
	}
	timeout := sub.TimeoutSeconds
	if !sub.WantsReply {
		timeout = 0
	}

	now := d.now()
	job := domain.Job{
		ID:                uuid.NewString(),
		Recipient:         recipient,
		OriginalRecipient: original,
		Body:              sub.Body,
		WantsReply:        sub.WantsReply,
		TimeoutSeconds:    timeout,
		Owner:             sub.Owner,
		ClientIP:          sub.ClientIP,
		Meta:              sub.Meta,
		Status:            domain.JobStatusQueued,
		SubmittedAt:       now,
	}
	if err := d.store.Insert(job); err != nil {
		return domain.Receipt{}, fmt.Errorf("store job: %w", err)
	}
	if err := d.queue.Push(job.ID); err != nil {
		d.store.Delete(job.ID)
		return domain.Receipt{}, err
	}

	jobsSubmittedCounter.WithLabelValues(strconv.FormatBool(job.WantsReply)).Inc()
	d.logger.InfoContext(ctx, "Job queued",
		"job_id", job.ID,
		"recipient", job.Recipient,
		"wants_reply", job.WantsReply,
		"timeout_seconds", job.TimeoutSeconds,
		"queue_depth", d.queue.Len())
	return domain.Receipt{JobID: job.ID, AcceptedAt: now}, nil
}

// GetStatus returns a snapshot of the job. It never blocks on the worker.
func (d *Dispatcher) GetStatus(_ context.Context, id string) (domain.Job, error) {
	return d.store.Get(id)
}

// QueueDepth returns the number of jobs waiting to be sent.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}

// DeviceAvailable reports whether the worker currently holds an open device.
func (d *Dispatcher) DeviceAvailable() bool {
	return d.session.Available()
}

// OpenDevice makes the first connection attempt before the worker starts.
func (d *Dispatcher) OpenDevice(ctx context.Context) error {
	return d.worker.Open(ctx)
}

// RunWorker runs the dispatch worker until ctx is cancelled. The queue is
// drained before it returns.
func (d *Dispatcher) RunWorker(ctx context.Context) error {
	return d.worker.Run(ctx)
}

// RunSweeper runs the timeout sweeper until ctx is cancelled.
func (d *Dispatcher) RunSweeper(ctx context.Context) error {
	return d.sweeper.Run(ctx)
}

// StopAccepting closes the queue so that further submissions fail with
// domain.ErrQueueClosed.
func (d *Dispatcher) StopAccepting() {
	d.queue.Close()
}

// IsValidationError reports whether err rejected a submission before it
// became a job.
func IsValidationError(err error) bool {
	return errors.Is(err, domain.ErrValidation)
}
