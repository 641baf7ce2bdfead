package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// SimulatedConfig controls the behaviour of the simulated modem.
type SimulatedConfig struct {
	FailSend       bool
	Latency        time.Duration
	AutoReply      string // empty disables auto replies
	AutoReplyDelay time.Duration
}

// SimulatedConnector hands out sessions on one in-memory modem, so the inbox
// survives reconnects the way a SIM card would.
type SimulatedConnector struct {
	modem *SimulatedModem
}

// NewSimulatedConnector creates a connector for development without hardware.
func NewSimulatedConnector(cfg SimulatedConfig, logger *slog.Logger) *SimulatedConnector {
	return &SimulatedConnector{modem: &SimulatedModem{
		cfg:    cfg,
		logger: logger.With("driver", "mock"),
	}}
}

// Name implements domain.DeviceConnector.
func (c *SimulatedConnector) Name() string { return "mock" }

// Open implements domain.DeviceConnector.
func (c *SimulatedConnector) Open(ctx context.Context) (domain.Device, error) {
	c.modem.mu.Lock()
	c.modem.closed = false
	c.modem.mu.Unlock()
	c.modem.logger.InfoContext(ctx, "Simulated modem opened")
	return c.modem, nil
}

// Modem returns the shared simulated modem.
func (c *SimulatedConnector) Modem() *SimulatedModem {
	return c.modem
}

// SimulatedModem is an in-memory domain.Device.
type SimulatedModem struct {
	cfg    SimulatedConfig
	logger *slog.Logger

	mu           sync.Mutex
	inbox        []domain.InboxMessage
	nextLocation int
	closed       bool
	sent         int
}

// Send implements domain.Device.
func (m *SimulatedModem) Send(ctx context.Context, recipient, body string) error {
	if err := m.checkOpen("send"); err != nil {
		return err
	}
	if m.cfg.Latency > 0 {
		select {
		case <-time.After(m.cfg.Latency):
		case <-ctx.Done():
			return domain.NewDeviceError(domain.KindDeviceTimeout, "send", ctx.Err())
		}
	}
	if m.cfg.FailSend {
		m.logger.WarnContext(ctx, "Simulated send failure", "recipient", recipient)
		return domain.NewDeviceError(domain.KindDeviceError, "send", errors.New("simulated send failure"))
	}

	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "Simulated SMS sent", "recipient", recipient, "content_length", len(body))

	if m.cfg.AutoReply != "" {
		delay := m.cfg.AutoReplyDelay
		if delay < time.Second {
			delay = time.Second
		}
		time.AfterFunc(delay, func() {
			m.Deliver(recipient, m.cfg.AutoReply, time.Now())
		})
	}
	return nil
}

// Deliver places an incoming message in the inbox. Timestamps are truncated
// to the second like a real modem clock.
func (m *SimulatedModem) Deliver(sender, text string, ts time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	loc := m.nextLocation
	m.nextLocation++
	m.inbox = append(m.inbox, domain.InboxMessage{
		Location:  loc,
		Sender:    sender,
		Text:      text,
		Timestamp: ts.Truncate(time.Second),
	})
	return loc
}

// ListInbox implements domain.Device.
func (m *SimulatedModem) ListInbox(context.Context) ([]domain.InboxMessage, error) {
	if err := m.checkOpen("list_inbox"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.InboxMessage, len(m.inbox))
	copy(out, m.inbox)
	return out, nil
}

// Delete implements domain.Device.
func (m *SimulatedModem) Delete(_ context.Context, location int) error {
	if err := m.checkOpen("delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, msg := range m.inbox {
		if msg.Location == location {
			m.inbox = append(m.inbox[:i], m.inbox[i+1:]...)
			return nil
		}
	}
	return domain.NewDeviceError(domain.KindDeviceError, "delete", fmt.Errorf("+CMS ERROR: 321 (location %d empty)", location))
}

// Close implements domain.Device.
func (m *SimulatedModem) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// SentCount returns how many messages were sent successfully.
func (m *SimulatedModem) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *SimulatedModem) checkOpen(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.NewDeviceError(domain.KindDeviceError, op, errors.New("session closed"))
	}
	return nil
}
