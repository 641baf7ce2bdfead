package app

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

func TestJobStore_InsertAndGetSnapshot(t *testing.T) {
	store := NewJobStore()
	require.NoError(t, store.Insert(domain.Job{ID: "a", Status: domain.JobStatusQueued}))
	assert.Error(t, store.Insert(domain.Job{ID: "a"}), "duplicate id must be rejected")

	snap, err := store.Get("a")
	require.NoError(t, err)
	snap.Status = domain.JobStatusFailed

	again, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, again.Status, "snapshots must not alias the stored record")

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJobStore_Transition(t *testing.T) {
	now := time.Now()

	t.Run("compare and set", func(t *testing.T) {
		store := NewJobStore()
		require.NoError(t, store.Insert(domain.Job{ID: "a", Status: domain.JobStatusQueued}))

		job, err := store.Transition("a", domain.JobStatusQueued, domain.JobStatusSending, now, nil)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusSending, job.Status)

		_, err = store.Transition("a", domain.JobStatusQueued, domain.JobStatusSending, now, nil)
		assert.ErrorIs(t, err, domain.ErrStateMismatch)
	})

	t.Run("illegal edge", func(t *testing.T) {
		store := NewJobStore()
		require.NoError(t, store.Insert(domain.Job{ID: "a", Status: domain.JobStatusQueued}))
		_, err := store.Transition("a", domain.JobStatusQueued, domain.JobStatusReplied, now, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	})

	t.Run("terminal state sets completed_at", func(t *testing.T) {
		store := NewJobStore()
		require.NoError(t, store.Insert(domain.Job{ID: "a", Status: domain.JobStatusSending}))
		job, err := store.Transition("a", domain.JobStatusSending, domain.JobStatusSent, now, nil)
		require.NoError(t, err)
		require.NotNil(t, job.CompletedAt)
		assert.Equal(t, now, *job.CompletedAt)
	})

	t.Run("sent is not terminal when a reply is wanted", func(t *testing.T) {
		store := NewJobStore()
		require.NoError(t, store.Insert(domain.Job{ID: "a", Status: domain.JobStatusSending, WantsReply: true}))
		job, err := store.Transition("a", domain.JobStatusSending, domain.JobStatusSent, now, nil)
		require.NoError(t, err)
		assert.Nil(t, job.CompletedAt)
	})

	t.Run("missing job", func(t *testing.T) {
		store := NewJobStore()
		_, err := store.Transition("x", domain.JobStatusQueued, domain.JobStatusSending, now, nil)
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})
}

func TestJobStore_ExactlyOneOfRepliedOrTimeout(t *testing.T) {
	store := NewJobStore()
	require.NoError(t, store.Insert(domain.Job{ID: "a", Status: domain.JobStatusAwaitingReply, WantsReply: true}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		to := domain.JobStatusReplied
		if i%2 == 0 {
			to = domain.JobStatusTimeout
		}
		wg.Add(1)
		go func(to domain.JobStatus) {
			defer wg.Done()
			if _, err := store.Transition("a", domain.JobStatusAwaitingReply, to, time.Now(), nil); err == nil {
				wins.Add(1)
			}
		}(to)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	job, err := store.Get("a")
	require.NoError(t, err)
	assert.Contains(t, []domain.JobStatus{domain.JobStatusReplied, domain.JobStatusTimeout}, job.Status)
}

func TestJobStore_ListByStatusOrdering(t *testing.T) {
	store := NewJobStore()
	base := time.Now()
	later := base.Add(time.Second)

	require.NoError(t, store.Insert(domain.Job{ID: "late", Status: domain.JobStatusAwaitingReply, SentAt: &later}))
	require.NoError(t, store.Insert(domain.Job{ID: "tie-first", Status: domain.JobStatusAwaitingReply, SentAt: &base}))
	require.NoError(t, store.Insert(domain.Job{ID: "tie-second", Status: domain.JobStatusAwaitingReply, SentAt: &base}))
	require.NoError(t, store.Insert(domain.Job{ID: "other", Status: domain.JobStatusQueued}))

	jobs := store.ListByStatus(domain.JobStatusAwaitingReply)
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	assert.Equal(t, []string{"tie-first", "tie-second", "late"}, ids)
	assert.Equal(t, 3, store.CountByStatus(domain.JobStatusAwaitingReply))
}

func TestJobStore_EvictExpired(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)

	newStore := func(t *testing.T) *JobStore {
		store := NewJobStore()
		require.NoError(t, store.Insert(domain.Job{ID: "old", Status: domain.JobStatusSent, CompletedAt: &old}))
		require.NoError(t, store.Insert(domain.Job{ID: "recent", Status: domain.JobStatusReplied, CompletedAt: &recent}))
		require.NoError(t, store.Insert(domain.Job{ID: "open", Status: domain.JobStatusAwaitingReply}))
		return store
	}

	t.Run("retention window", func(t *testing.T) {
		store := newStore(t)
		assert.Equal(t, 1, store.EvictExpired(now, time.Hour))
		_, err := store.Get("old")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
		assert.Equal(t, 2, store.Len())
	})

	t.Run("zero retention disables eviction", func(t *testing.T) {
		store := newStore(t)
		assert.Equal(t, 0, store.EvictExpired(now, 0))
		assert.Equal(t, 3, store.Len())
	})
}
