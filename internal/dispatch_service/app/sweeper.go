package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// TimeoutSweeper expires awaiting jobs whose reply window has closed and evicts
// completed jobs past the retention window. It never touches the device.
type TimeoutSweeper struct {
	store     *JobStore
	lifecycle *jobLifecycle
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func newTimeoutSweeper(store *JobStore, lifecycle *jobLifecycle, interval, retention time.Duration, logger *slog.Logger) *TimeoutSweeper {
	return &TimeoutSweeper{
		store:     store,
		lifecycle: lifecycle,
		interval:  interval,
		retention: retention,
		logger:    logger.With("component", "timeout_sweeper"),
		now:       time.Now,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *TimeoutSweeper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting timeout sweeper", "interval", s.interval, "retention", s.retention)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "Timeout sweeper stopping")
			return nil
		}
	}
}

// Sweep runs one pass and returns how many jobs timed out and how many were
// evicted.
func (s *TimeoutSweeper) Sweep(ctx context.Context) (timedOut, evicted int) {
	now := s.now()
	for _, job := range s.store.ListByStatus(domain.JobStatusAwaitingReply) {
		if s.expire(ctx, job, now) {
			timedOut++
		}
	}

	evicted = s.store.EvictExpired(now, s.retention)
	if timedOut > 0 || evicted > 0 {
		s.logger.DebugContext(ctx, "Sweep finished", "timed_out", timedOut, "evicted", evicted)
	}
	return timedOut, evicted
}

func (s *TimeoutSweeper) expire(ctx context.Context, job domain.Job, now time.Time) (expired bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "Panic while expiring job", "job_id", job.ID, "panic", r)
			expired = false
		}
	}()

	deadline := job.ReplyDeadline()
	if deadline.IsZero() || !now.After(deadline) {
		return false
	}
	_, err := s.lifecycle.advance(ctx, job.ID, domain.JobStatusAwaitingReply, domain.JobStatusTimeout, nil)
	if err != nil {
		if !errors.Is(err, domain.ErrStateMismatch) {
			s.logger.ErrorContext(ctx, "Failed to expire job", "job_id", job.ID, "error", err)
		}
		return false
	}
	return true
}
