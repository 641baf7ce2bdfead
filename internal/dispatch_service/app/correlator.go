package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// ReplyCorrelator binds inbox messages to jobs awaiting a reply. Each cycle
// collects the whole inbox first, then computes every match, then acts on the
// matches one by one.
type ReplyCorrelator struct {
	store     *JobStore
	lifecycle *jobLifecycle
	phones    *domain.PhoneNormalizer
	logger    *slog.Logger

	// Messages already bound to a job whose delete failed. They stay on the
	// device and must not be bound again.
	consumed map[string]struct{}
}

// newReplyCorrelator creates a correlator.
func newReplyCorrelator(store *JobStore, lifecycle *jobLifecycle, phones *domain.PhoneNormalizer, logger *slog.Logger) *ReplyCorrelator {
	return &ReplyCorrelator{
		store:     store,
		lifecycle: lifecycle,
		phones:    phones,
		logger:    logger.With("component", "reply_correlator"),
		consumed:  make(map[string]struct{}),
	}
}

type replyMatch struct {
	msg domain.InboxMessage
	job domain.Job
}

func fingerprint(m domain.InboxMessage) string {
	return fmt.Sprintf("%d|%s|%d|%s", m.Location, m.Sender, m.Timestamp.Unix(), m.Text)
}

// Run performs one correlation cycle against dev and returns the number of
// replies recorded. An error is returned only when the inbox could not be
// collected; per-message failures are handled in place.
func (c *ReplyCorrelator) Run(ctx context.Context, dev domain.Device) (int, error) {
	awaiting := c.store.ListByStatus(domain.JobStatusAwaitingReply)
	if len(awaiting) == 0 {
		return 0, nil
	}

	start := time.Now()
	inbox, err := dev.ListInbox(ctx)
	if err != nil {
		deviceOperationDurationHist.WithLabelValues("list_inbox", "error").Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("collect inbox: %w", err)
	}
	deviceOperationDurationHist.WithLabelValues("list_inbox", "success").Observe(time.Since(start).Seconds())

	matches := c.match(inbox, awaiting)
	replied := 0
	for _, m := range matches {
		if c.act(ctx, dev, m) {
			replied++
		}
	}
	return replied, nil
}

// match pairs messages (oldest storage location first) with the earliest sent
// awaiting job from the same party whose reply window contains the message.
// Requests to operator services also accept answers from other senders.
func (c *ReplyCorrelator) match(inbox []domain.InboxMessage, awaiting []domain.Job) []replyMatch {
	present := make(map[string]struct{}, len(inbox))
	for _, m := range inbox {
		present[fingerprint(m)] = struct{}{}
	}
	for fp := range c.consumed {
		if _, ok := present[fp]; !ok {
			delete(c.consumed, fp)
		}
	}

	msgs := make([]domain.InboxMessage, len(inbox))
	copy(msgs, inbox)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Location < msgs[j].Location })

	claimed := make(map[string]bool, len(awaiting))
	var matches []replyMatch
	for _, msg := range msgs {
		if _, ok := c.consumed[fingerprint(msg)]; ok {
			continue
		}
		for _, job := range awaiting {
			if claimed[job.ID] || job.SentAt == nil {
				continue
			}
			if !c.phones.Equivalent(job.Recipient, msg.Sender) &&
				!c.phones.AnswersServiceRequest(job.Recipient, job.Body, msg.Text) {
				continue
			}
			// The device clock has one-second resolution.
			if msg.Timestamp.Before(job.SentAt.Truncate(time.Second)) {
				continue
			}
			if msg.Timestamp.After(job.ReplyDeadline()) {
				continue
			}
			claimed[job.ID] = true
			matches = append(matches, replyMatch{msg: msg, job: job})
			break
		}
	}
	return matches
}

// act deletes the matched message and records the reply. A job that settled
// since the match keeps its message on the device for the next cycle. A fault
// while acting fails only the affected job.
func (c *ReplyCorrelator) act(ctx context.Context, dev domain.Device, m replyMatch) (replied bool) {
	logger := c.logger.With("job_id", m.job.ID, "location", m.msg.Location)
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "Panic while recording reply", "panic", r)
			replied = false
			if _, err := c.lifecycle.fail(ctx, m.job.ID, domain.JobStatusAwaitingReply, domain.KindInternal, fmt.Errorf("reply processing: %v", r)); err != nil {
				logger.ErrorContext(ctx, "Failed to mark job failed after panic", "error", err)
			}
		}
	}()

	current, err := c.store.Get(m.job.ID)
	if err != nil || current.Status != domain.JobStatusAwaitingReply {
		logger.InfoContext(ctx, "Job settled before its reply was recorded; leaving message on device")
		return false
	}

	start := time.Now()
	if err := dev.Delete(ctx, m.msg.Location); err != nil {
		deviceOperationDurationHist.WithLabelValues("delete", "error").Observe(time.Since(start).Seconds())
		logger.WarnContext(ctx, "Failed to delete correlated message; it will be skipped until it leaves the inbox", "error", err)
		c.consumed[fingerprint(m.msg)] = struct{}{}
	} else {
		deviceOperationDurationHist.WithLabelValues("delete", "success").Observe(time.Since(start).Seconds())
	}

	elapsed := int(m.msg.Timestamp.Sub(*m.job.SentAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	reply := &domain.ReplyRecord{
		Text:           m.msg.Text,
		ReceivedAt:     m.msg.Timestamp,
		ElapsedSeconds: elapsed,
	}
	_, err = c.lifecycle.advance(ctx, m.job.ID, domain.JobStatusAwaitingReply, domain.JobStatusReplied, func(j *domain.Job) {
		j.Reply = reply
	})
	if err != nil {
		if !errors.Is(err, domain.ErrStateMismatch) {
			logger.ErrorContext(ctx, "Failed to record reply", "error", err)
		}
		return false
	}
	repliesCorrelatedCounter.Inc()
	logger.InfoContext(ctx, "Reply correlated", "elapsed_seconds", elapsed)
	return true
}
