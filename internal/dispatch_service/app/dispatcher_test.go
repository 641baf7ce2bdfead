package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) PublishJobEvent(ctx context.Context, event JobEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type dispatcherTest struct {
	d    *Dispatcher
	dev  *fakeDevice
	conn *fakeConnector
}

func testConfig() Config {
	return Config{
		Worker: WorkerConfig{
			QueueWait:    5 * time.Millisecond,
			PollInterval: 10 * time.Millisecond,
			OpTimeout:    time.Second,
			MaxRetries:   2,
			DrainTimeout: time.Second,
		},
		ReconnectBackoff: time.Hour,
		SweepInterval:    10 * time.Millisecond,
		Retention:        time.Hour,
	}
}

func setupDispatcherTest(t *testing.T, cfg Config, publisher EventPublisher) *dispatcherTest {
	t.Helper()
	dev := newFakeDevice()
	conn := &fakeConnector{dev: dev}
	phones := domain.NewPhoneNormalizer("+52", []string{"2222", "7373", "333"})
	d := NewDispatcher(cfg, conn, phones, publisher, validator.New(), discardLogger())
	return &dispatcherTest{d: d, dev: dev, conn: conn}
}

// start runs the worker and sweeper until the test ends.
func (dt *dispatcherTest) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = dt.d.RunWorker(ctx) }()
	go func() { defer wg.Done(); _ = dt.d.RunSweeper(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func (dt *dispatcherTest) waitForStatus(t *testing.T, id string, want domain.JobStatus) domain.Job {
	t.Helper()
	var job domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = dt.d.GetStatus(context.Background(), id)
		return err == nil && job.Status == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestDispatcher_SubmitValidation(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	ctx := context.Background()

	tests := []struct {
		name string
		sub  domain.Submission
	}{
		{"missing recipient", domain.Submission{Body: "hi"}},
		{"bad recipient", domain.Submission{Recipient: "12345", Body: "hi"}},
		{"ambiguous recipient", domain.Submission{Recipient: "523331234567", Body: "hi"}},
		{"body too long", domain.Submission{Recipient: "3331234567", Body: string(make([]byte, 161))}},
		{"timeout out of range", domain.Submission{Recipient: "3331234567", Body: "hi", WantsReply: true, TimeoutSeconds: 601}},
		{"reply without timeout", domain.Submission{Recipient: "3331234567", Body: "hi", WantsReply: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dt.d.Submit(ctx, tt.sub)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
		})
	}
	assert.Equal(t, 0, dt.d.QueueDepth())
	assert.Equal(t, 0, dt.d.store.Len(), "rejected submissions must not become jobs")
}

func TestDispatcher_SendWithoutReply(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	receipt, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "333 123-4567", Body: "hello"})
	require.NoError(t, err)
	require.NotEmpty(t, receipt.JobID)

	job, err := dt.d.GetStatus(context.Background(), receipt.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, "+523331234567", job.Recipient)
	assert.Equal(t, "333 123-4567", job.OriginalRecipient)

	dt.start(t)
	job = dt.waitForStatus(t, receipt.JobID, domain.JobStatusSent)
	assert.NotNil(t, job.SentAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.Reply)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, []sentMessage{{Recipient: "+523331234567", Body: "hello"}}, dt.dev.sentMessages())
}

func TestDispatcher_ReplyCorrelated(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	dt.start(t)

	receipt, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "Reply YES", WantsReply: true, TimeoutSeconds: 30})
	require.NoError(t, err)
	job := dt.waitForStatus(t, receipt.JobID, domain.JobStatusAwaitingReply)

	dt.dev.addInbox("+523331234567", "YES", job.SentAt.Add(time.Second))
	job = dt.waitForStatus(t, receipt.JobID, domain.JobStatusReplied)
	require.NotNil(t, job.Reply)
	assert.Equal(t, "YES", job.Reply.Text)
	assert.Equal(t, 0, dt.dev.inboxLen())
}

func TestDispatcher_ReplyTimeout(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	dt.start(t)

	receipt, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "anyone?", WantsReply: true, TimeoutSeconds: 1})
	require.NoError(t, err)
	job := dt.waitForStatus(t, receipt.JobID, domain.JobStatusTimeout)
	assert.Nil(t, job.Reply)
	assert.Nil(t, job.Error)
}

func TestDispatcher_FIFOOrder(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	numbers := []string{"3330000001", "3330000002", "3330000003", "3330000004"}
	var ids []string
	for _, n := range numbers {
		r, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: n, Body: "x"})
		require.NoError(t, err)
		ids = append(ids, r.JobID)
	}
	assert.Equal(t, 4, dt.d.QueueDepth())

	dt.start(t)
	for _, id := range ids {
		dt.waitForStatus(t, id, domain.JobStatusSent)
	}
	sent := dt.dev.sentMessages()
	require.Len(t, sent, 4)
	for i, n := range numbers {
		assert.Equal(t, "+52"+n, sent[i].Recipient)
	}
}

func TestDispatcher_RetryThroughReconnect(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	dt.dev.failNextSends(domain.NewDeviceError(domain.KindDeviceError, "send", errors.New("+CMS ERROR: 500")))
	dt.start(t)

	receipt, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "retry me"})
	require.NoError(t, err)
	job := dt.waitForStatus(t, receipt.JobID, domain.JobStatusSent)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 2, dt.conn.openCount(), "failed send must reopen the session")
}

func TestDispatcher_RetriesExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.MaxRetries = 1
	dt := setupDispatcherTest(t, cfg, nil)
	timeoutErr := domain.NewDeviceError(domain.KindDeviceTimeout, "send", context.DeadlineExceeded)
	dt.dev.failNextSends(timeoutErr, timeoutErr)
	dt.start(t)

	receipt, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "x"})
	require.NoError(t, err)
	job := dt.waitForStatus(t, receipt.JobID, domain.JobStatusFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, domain.KindDeviceTimeout, job.Error.Kind)
	assert.Equal(t, domain.CodeModemTimeout, job.Error.Code)
	assert.Equal(t, 2, job.Attempts)
	assert.Nil(t, job.SentAt)
}

func TestDispatcher_PermissionErrorNotRetried(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	dt.dev.failNextSends(domain.NewDeviceError(domain.KindPermission, "send", errors.New("permission denied")))
	dt.start(t)

	receipt, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "x"})
	require.NoError(t, err)
	job := dt.waitForStatus(t, receipt.JobID, domain.JobStatusFailed)
	assert.Equal(t, domain.CodeModemPermission, job.Error.Code)
	assert.Equal(t, 1, job.Attempts)
}

func TestDispatcher_FailFastWhileBackingOff(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.MaxRetries = 0
	dt := setupDispatcherTest(t, cfg, nil)
	dt.conn.openErrs = []error{domain.NewDeviceError(domain.KindDeviceError, "open", errors.New("no such device"))}
	dt.start(t)

	first, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "x"})
	require.NoError(t, err)
	job := dt.waitForStatus(t, first.JobID, domain.JobStatusFailed)
	assert.Equal(t, domain.CodeModemDeviceError, job.Error.Code)

	second, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "y"})
	require.NoError(t, err)
	job = dt.waitForStatus(t, second.JobID, domain.JobStatusFailed)
	assert.Equal(t, domain.CodeModemNotAvailable, job.Error.Code)
	assert.Equal(t, 1, dt.conn.openCount(), "no I/O while backing off")
	assert.False(t, dt.d.DeviceAvailable())
}

func TestDispatcher_OpenDeviceClearsStaleInbox(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	dt.dev.addInbox("+523331234567", "old", time.Now().Add(-time.Hour))
	dt.dev.addInbox("+523339999999", "older", time.Now().Add(-2*time.Hour))

	require.NoError(t, dt.d.OpenDevice(context.Background()))
	assert.True(t, dt.d.DeviceAvailable())
	assert.Equal(t, 0, dt.dev.inboxLen())
}

func TestDispatcher_ShutdownDrainsQueue(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	var ids []string
	for i := 0; i < 3; i++ {
		r, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "x"})
		require.NoError(t, err)
		ids = append(ids, r.JobID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, dt.d.RunWorker(ctx))

	for _, id := range ids {
		job, err := dt.d.GetStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusSent, job.Status)
	}
	assert.False(t, dt.d.DeviceAvailable(), "device is released on shutdown")

	_, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "late"})
	assert.ErrorIs(t, err, domain.ErrQueueClosed)
}

func TestDispatcher_ShutdownWaitsForInFlightSend(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	require.NoError(t, dt.d.OpenDevice(context.Background()))
	gate := dt.dev.blockNextSend()

	var ids []string
	for i := 0; i < 3; i++ {
		r, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "x"})
		require.NoError(t, err)
		ids = append(ids, r.JobID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- dt.d.RunWorker(ctx) }()

	select {
	case <-gate.started:
	case <-time.After(3 * time.Second):
		t.Fatal("first send never started")
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}

	for _, id := range ids {
		job, err := dt.d.GetStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusSent, job.Status, "job %s", id)
		assert.Equal(t, 1, job.Attempts, "job %s", id)
	}
	assert.Len(t, dt.dev.sentMessages(), 3)
	assert.Equal(t, 1, dt.conn.openCount(), "shutdown must not reconnect the device")
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(domain.NewDeviceError(domain.KindDeviceTimeout, "send", context.DeadlineExceeded)))
	assert.True(t, retryable(domain.NewDeviceError(domain.KindDeviceError, "send", errors.New("+CMS ERROR: 500"))))
	assert.False(t, retryable(domain.NewDeviceError(domain.KindDeviceTimeout, "send", context.Canceled)))
	assert.False(t, retryable(domain.NewDeviceError(domain.KindPermission, "open", errors.New("denied"))))
	assert.False(t, retryable(fmt.Errorf("reconnect: %w", domain.ErrDeviceUnavailable)))
}

func TestDispatcher_ShutdownFailsLeftovers(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.DrainTimeout = 0
	dt := setupDispatcherTest(t, cfg, nil)
	r, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, dt.d.RunWorker(ctx))

	job, err := dt.d.GetStatus(context.Background(), r.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.KindInternal, job.Error.Kind)
	assert.Empty(t, dt.dev.sentMessages())
}

func TestDispatcher_PublishesTransitions(t *testing.T) {
	publisher := new(MockEventPublisher)
	var mu sync.Mutex
	var statuses []domain.JobStatus
	publisher.On("PublishJobEvent", mock.Anything, mock.AnythingOfType("app.JobEvent")).
		Run(func(args mock.Arguments) {
			mu.Lock()
			statuses = append(statuses, args.Get(1).(JobEvent).Status)
			mu.Unlock()
		}).
		Return(errors.New("broker down"))

	dt := setupDispatcherTest(t, testConfig(), publisher)
	dt.start(t)

	r, err := dt.d.Submit(context.Background(), domain.Submission{Recipient: "3331234567", Body: "x"})
	require.NoError(t, err)
	dt.waitForStatus(t, r.JobID, domain.JobStatusSent)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.JobStatus{domain.JobStatusSending, domain.JobStatusSent}, statuses,
		"publish failures must not affect job state")
}

func TestDispatcher_GetStatusUnknown(t *testing.T) {
	dt := setupDispatcherTest(t, testConfig(), nil)
	_, err := dt.d.GetStatus(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
