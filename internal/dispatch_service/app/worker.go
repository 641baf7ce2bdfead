package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// WorkerConfig holds the timing knobs of the dispatch worker.
type WorkerConfig struct {
	QueueWait    time.Duration
	PollInterval time.Duration
	OpTimeout    time.Duration
	MaxRetries   int
	DrainTimeout time.Duration
}

// Worker is the single goroutine that owns the device session. It sends
// queued jobs one at a time and polls the inbox for replies.
type Worker struct {
	queue      *DispatchQueue
	store      *JobStore
	lifecycle  *jobLifecycle
	session    *DeviceSession
	correlator *ReplyCorrelator
	cfg        WorkerConfig
	logger     *slog.Logger
	now        func() time.Time

	inboxCleared bool
}

func newWorker(queue *DispatchQueue, store *JobStore, lifecycle *jobLifecycle, session *DeviceSession, correlator *ReplyCorrelator, cfg WorkerConfig, logger *slog.Logger) *Worker {
	return &Worker{
		queue:      queue,
		store:      store,
		lifecycle:  lifecycle,
		session:    session,
		correlator: correlator,
		cfg:        cfg,
		logger:     logger.With("component", "dispatch_worker"),
		now:        time.Now,
	}
}

// Open makes the first connection attempt. The worker keeps running without a
// device if it fails; callers decide whether that is fatal.
func (w *Worker) Open(ctx context.Context) error {
	dev, err := w.session.Reconnect(ctx)
	if err != nil {
		return err
	}
	w.afterOpen(ctx, dev)
	return nil
}

// Run processes the queue until ctx is cancelled, then closes the queue,
// drains what is left within the drain timeout and releases the device.
// Cancellation is observed between jobs only: device I/O runs on a context
// that shutdown does not cancel, bounded by the per-operation timeout.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting dispatch worker", "poll_interval", w.cfg.PollInterval, "queue_wait", w.cfg.QueueWait)
	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()

	workCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			w.shutdown(workCtx)
			return nil
		case <-pollTicker.C:
			w.pollReplies(workCtx)
		default:
		}

		id, ok, err := w.queue.Dequeue(ctx, w.cfg.QueueWait)
		if err != nil {
			if errors.Is(err, domain.ErrQueueClosed) {
				w.logger.InfoContext(ctx, "Dispatch queue closed")
				w.shutdown(workCtx)
				return nil
			}
			continue // ctx cancelled; handled at the top of the loop
		}
		if ok {
			w.process(workCtx, id)
		}
	}
}

func (w *Worker) shutdown(ctx context.Context) {
	w.queue.Close()
	drainCtx, cancel := context.WithTimeout(ctx, w.cfg.DrainTimeout)
	defer cancel()

	drained := 0
	for drainCtx.Err() == nil {
		id, ok, err := w.queue.Dequeue(drainCtx, w.cfg.QueueWait)
		if err != nil {
			break
		}
		if ok {
			w.process(ctx, id)
			drained++
		}
	}

	leftovers := w.queue.Drain()
	for _, id := range leftovers {
		if _, err := w.lifecycle.fail(ctx, id, domain.JobStatusQueued, domain.KindInternal, errors.New("service shutting down")); err != nil {
			w.logger.Error("Failed to fail abandoned job", "job_id", id, "error", err)
		}
	}
	w.session.Close()
	w.logger.Info("Dispatch worker stopped", "drained", drained, "abandoned", len(leftovers))
}

// process sends one job, retrying through reconnects on transient device
// failures.
func (w *Worker) process(ctx context.Context, id string) {
	job, err := w.lifecycle.advance(ctx, id, domain.JobStatusQueued, domain.JobStatusSending, nil)
	if err != nil {
		w.logger.WarnContext(ctx, "Skipping job that is no longer queued", "job_id", id, "error", err)
		return
	}
	logger := w.logger.With("job_id", id)

	var sendErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.InfoContext(ctx, "Retrying send", "attempt", attempt+1)
		}
		sendErr = w.attempt(ctx, job, attempt)
		if sendErr == nil {
			break
		}
		logger.WarnContext(ctx, "Send attempt failed", "attempt", attempt+1, "kind", domain.KindOf(sendErr), "error", sendErr)
		if !retryable(sendErr) {
			break
		}
		w.session.Invalidate(ctx, sendErr)
	}

	if sendErr != nil {
		if _, err := w.lifecycle.fail(ctx, id, domain.JobStatusSending, domain.KindOf(sendErr), sendErr); err != nil {
			logger.ErrorContext(ctx, "Failed to record send failure", "error", err)
		}
		return
	}

	sentAt := w.now()
	job, err = w.lifecycle.advance(ctx, id, domain.JobStatusSending, domain.JobStatusSent, func(j *domain.Job) {
		j.SentAt = &sentAt
	})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to record sent job", "error", err)
		return
	}
	if job.WantsReply {
		if _, err := w.lifecycle.advance(ctx, id, domain.JobStatusSent, domain.JobStatusAwaitingReply, nil); err != nil {
			logger.ErrorContext(ctx, "Failed to register job for reply polling", "error", err)
		}
	}
}

func (w *Worker) attempt(ctx context.Context, job domain.Job, attempt int) error {
	if err := w.store.Update(job.ID, domain.JobStatusSending, func(j *domain.Job) { j.Attempts++ }); err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}

	dev, err := w.device(ctx, attempt > 0)
	if err != nil {
		return err
	}

	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	start := time.Now()
	err = dev.Send(opCtx, job.Recipient, job.Body)
	if err != nil {
		deviceOperationDurationHist.WithLabelValues("send", "error").Observe(time.Since(start).Seconds())
		return err
	}
	deviceOperationDurationHist.WithLabelValues("send", "success").Observe(time.Since(start).Seconds())
	return nil
}

// device returns the open session, reconnecting immediately when reconnect is
// set and honouring the back-off otherwise.
func (w *Worker) device(ctx context.Context, reconnect bool) (domain.Device, error) {
	var (
		dev domain.Device
		err error
	)
	if reconnect {
		dev, err = w.session.Reconnect(ctx)
	} else {
		dev, err = w.session.Acquire(ctx)
	}
	if err != nil {
		return nil, err
	}
	w.afterOpen(ctx, dev)
	return dev, nil
}

// afterOpen clears stale inbox content the first time a session is opened,
// unless a job is already waiting for a reply.
func (w *Worker) afterOpen(ctx context.Context, dev domain.Device) {
	if w.inboxCleared {
		return
	}
	w.inboxCleared = true
	if w.store.CountByStatus(domain.JobStatusAwaitingReply) > 0 {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	msgs, err := dev.ListInbox(opCtx)
	if err != nil {
		w.logger.WarnContext(ctx, "Failed to read stale inbox", "error", err)
		return
	}
	for _, m := range msgs {
		if err := dev.Delete(opCtx, m.Location); err != nil {
			w.logger.WarnContext(ctx, "Failed to delete stale message", "location", m.Location, "error", err)
		}
	}
	if len(msgs) > 0 {
		w.logger.InfoContext(ctx, "Cleared stale inbox", "count", len(msgs))
	}
}

func (w *Worker) pollReplies(ctx context.Context) {
	if w.store.CountByStatus(domain.JobStatusAwaitingReply) == 0 {
		return
	}
	dev, err := w.device(ctx, false)
	if err != nil {
		w.logger.DebugContext(ctx, "Skipping reply poll, device unavailable", "error", err)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	defer cancel()
	replied, err := w.correlator.Run(opCtx, dev)
	if err != nil {
		w.logger.WarnContext(ctx, "Reply poll failed", "error", err)
		if retryable(err) {
			w.session.Invalidate(ctx, err)
		}
		return
	}
	if replied > 0 {
		w.logger.InfoContext(ctx, "Reply poll recorded replies", "count", replied)
	}
}

// retryable reports whether err is a device fault that a reconnect may fix.
// A cancelled operation says nothing about the device.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return domain.KindOf(err).Retryable()
}
