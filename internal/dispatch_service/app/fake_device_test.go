package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	Recipient string
	Body      string
}

// fakeDevice is an in-memory modem whose inbox tests can populate.
type fakeDevice struct {
	mu            sync.Mutex
	sent          []sentMessage
	sendErrs      []error
	inbox         []domain.InboxMessage
	nextLocation  int
	deleteErrs    map[int]error
	panicOnDelete map[int]bool
	listErr       error
	closed        bool
	gate          *sendGate
}

// sendGate holds one Send until released.
type sendGate struct {
	started chan struct{}
	release chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		deleteErrs:    make(map[int]error),
		panicOnDelete: make(map[int]bool),
	}
}

func (d *fakeDevice) Send(ctx context.Context, recipient, body string) error {
	d.mu.Lock()
	gate := d.gate
	d.gate = nil
	d.mu.Unlock()
	if gate != nil {
		close(gate.started)
		select {
		case <-gate.release:
		case <-ctx.Done():
			return domain.NewDeviceError(domain.KindDeviceTimeout, "send", ctx.Err())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sendErrs) > 0 {
		err := d.sendErrs[0]
		d.sendErrs = d.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	d.sent = append(d.sent, sentMessage{Recipient: recipient, Body: body})
	return nil
}

func (d *fakeDevice) ListInbox(context.Context) ([]domain.InboxMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listErr != nil {
		return nil, d.listErr
	}
	out := make([]domain.InboxMessage, len(d.inbox))
	copy(out, d.inbox)
	return out, nil
}

func (d *fakeDevice) Delete(_ context.Context, location int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panicOnDelete[location] {
		panic("simulated fault")
	}
	if err := d.deleteErrs[location]; err != nil {
		return err
	}
	for i, m := range d.inbox {
		if m.Location == location {
			d.inbox = append(d.inbox[:i], d.inbox[i+1:]...)
			return nil
		}
	}
	return domain.NewDeviceError(domain.KindDeviceError, "delete", errors.New("empty location"))
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) addInbox(sender, text string, ts time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	loc := d.nextLocation
	d.nextLocation++
	d.inbox = append(d.inbox, domain.InboxMessage{Location: loc, Sender: sender, Text: text, Timestamp: ts})
	return loc
}

func (d *fakeDevice) inboxLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inbox)
}

func (d *fakeDevice) sentMessages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sentMessage, len(d.sent))
	copy(out, d.sent)
	return out
}

// blockNextSend makes the next Send wait until the gate is released or its
// context ends.
func (d *fakeDevice) blockNextSend() *sendGate {
	g := &sendGate{started: make(chan struct{}), release: make(chan struct{})}
	d.mu.Lock()
	d.gate = g
	d.mu.Unlock()
	return g
}

func (d *fakeDevice) failNextSends(errs ...error) {
	d.mu.Lock()
	d.sendErrs = append(d.sendErrs, errs...)
	d.mu.Unlock()
}

// fakeConnector hands out the same fakeDevice on every successful open.
type fakeConnector struct {
	mu       sync.Mutex
	dev      *fakeDevice
	openErrs []error
	opens    int
}

func (c *fakeConnector) Open(context.Context) (domain.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	if len(c.openErrs) > 0 {
		err := c.openErrs[0]
		c.openErrs = c.openErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	c.dev.mu.Lock()
	c.dev.closed = false
	c.dev.mu.Unlock()
	return c.dev, nil
}

func (c *fakeConnector) Name() string { return "fake" }

func (c *fakeConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// MockDeviceConnector is a testify mock of domain.DeviceConnector.
type MockDeviceConnector struct {
	mock.Mock
}

func (m *MockDeviceConnector) Open(ctx context.Context) (domain.Device, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(domain.Device), args.Error(1)
}

func (m *MockDeviceConnector) Name() string { return "mock" }
