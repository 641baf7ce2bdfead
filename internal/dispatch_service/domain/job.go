package domain

import (
	"fmt"
	"time"
)

// JobStatus defines the lifecycle states of an outbound SMS job.
type JobStatus string

const (
	JobStatusQueued        JobStatus = "queued"
	JobStatusSending       JobStatus = "sending"
	JobStatusSent          JobStatus = "sent"
	JobStatusAwaitingReply JobStatus = "awaiting_reply"
	JobStatusFailed        JobStatus = "failed"
	JobStatusReplied       JobStatus = "replied"
	JobStatusTimeout       JobStatus = "timeout"
)

// allowedTransitions lists every legal edge of the job state machine.
// queued -> failed only happens when a job is abandoned at shutdown.
var allowedTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusSending: true,
		JobStatusFailed:  true,
	},
	JobStatusSending: {
		JobStatusSent:   true,
		JobStatusFailed: true,
	},
	JobStatusSent: {
		JobStatusAwaitingReply: true,
	},
	JobStatusAwaitingReply: {
		JobStatusReplied: true,
		JobStatusTimeout: true,
		JobStatusFailed:  true,
	},
}

// ValidateTransition reports whether a job may move from one status to another.
func ValidateTransition(from, to JobStatus) error {
	if allowedTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether no further transition can happen from the status,
// given whether the job expects a reply. "sent" is only terminal for jobs that
// do not wait for a reply.
func (s JobStatus) IsTerminal(wantsReply bool) bool {
	switch s {
	case JobStatusFailed, JobStatusReplied, JobStatusTimeout:
		return true
	case JobStatusSent:
		return !wantsReply
	default:
		return false
	}
}

// ReplyRecord is an inbox message that was correlated to a job.
type ReplyRecord struct {
	Text           string    `json:"text"`
	ReceivedAt     time.Time `json:"received_at"` // device-local wall clock
	ElapsedSeconds int       `json:"elapsed_seconds"`
}

// JobError is the structured failure recorded on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// TruncationMeta describes a body that the ingress layer shortened.
type TruncationMeta struct {
	Truncated      bool `json:"truncated"`
	OriginalLength int  `json:"original_length"`
	SentLength     int  `json:"sent_length"`
}

// Job represents one outbound message request plus its lifecycle state.
type Job struct {
	ID                string          `json:"id"`
	Recipient         string          `json:"recipient"`          // normalized
	OriginalRecipient string          `json:"original_recipient"` // as submitted
	Body              string          `json:"body"`
	WantsReply        bool            `json:"wants_reply"`
	TimeoutSeconds    int             `json:"timeout_seconds,omitempty"`
	Owner             string          `json:"owner,omitempty"`
	ClientIP          string          `json:"client_ip,omitempty"`
	Meta              *TruncationMeta `json:"meta,omitempty"`

	Status      JobStatus    `json:"status"`
	Attempts    int          `json:"attempts"`
	SubmittedAt time.Time    `json:"submitted_at"`
	SentAt      *time.Time   `json:"sent_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Reply       *ReplyRecord `json:"reply,omitempty"`
	Error       *JobError    `json:"error,omitempty"`
}

// ReplyDeadline is the last instant a reply may arrive. Zero when the job has
// not been sent or does not want a reply.
func (j *Job) ReplyDeadline() time.Time {
	if !j.WantsReply || j.SentAt == nil {
		return time.Time{}
	}
	return j.SentAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)
}

// Clone returns a deep copy safe to hand out to readers.
func (j *Job) Clone() Job {
	c := *j
	if j.Meta != nil {
		m := *j.Meta
		c.Meta = &m
	}
	if j.SentAt != nil {
		t := *j.SentAt
		c.SentAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.Reply != nil {
		r := *j.Reply
		c.Reply = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return c
}

// Submission is an already validated and normalized request to send a message.
type Submission struct {
	Recipient         string `validate:"required"`
	OriginalRecipient string
	Body              string `validate:"max=160"`
	WantsReply        bool
	TimeoutSeconds    int `validate:"omitempty,min=1,max=600"`
	Owner             string
	ClientIP          string
	Meta              *TruncationMeta
}

// Receipt is returned to the caller as soon as a submission is queued.
type Receipt struct {
	JobID      string    `json:"job_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}
