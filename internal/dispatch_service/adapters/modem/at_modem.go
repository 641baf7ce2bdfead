package modem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

const ctrlZ = "\x1a"

// ATConfig configures the AT-command driver.
type ATConfig struct {
	Port           string // empty means auto-detect
	BaudRate       int
	CommandTimeout time.Duration
	SendTimeout    time.Duration
	Storage        string // message storage selected with AT+CPMS, e.g. "SM"
}

// ATConnector opens AT-command sessions on a serial GSM modem.
type ATConnector struct {
	cfg      ATConfig
	logger   *slog.Logger
	openPort func(ctx context.Context, path string, baud int) (io.ReadWriteCloser, error)
	detect   func(ctx context.Context) (string, error)
}

// NewATConnector creates a connector for the configured serial port.
func NewATConnector(cfg ATConfig, logger *slog.Logger) *ATConnector {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.Storage == "" {
		cfg.Storage = "SM"
	}
	c := &ATConnector{
		cfg:      cfg,
		logger:   logger.With("driver", "at"),
		openPort: openSerialPort,
	}
	c.detect = func(ctx context.Context) (string, error) {
		return DetectPort(ctx, DefaultCandidatePorts(), cfg.BaudRate, c.logger)
	}
	return c
}

// Name implements domain.DeviceConnector.
func (c *ATConnector) Name() string { return "at" }

// Open validates (or detects) the port, opens it and initializes text mode.
func (c *ATConnector) Open(ctx context.Context) (domain.Device, error) {
	port := c.cfg.Port
	if port == "" {
		detected, err := c.detect(ctx)
		if err != nil {
			return nil, domain.NewDeviceError(domain.KindDeviceError, "detect", err)
		}
		port = detected
	}

	rw, err := c.openPort(ctx, port, c.cfg.BaudRate)
	if err != nil {
		return nil, err
	}
	m := newATModem(rw, c.cfg, c.logger.With("port", port))
	if err := m.init(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	c.logger.InfoContext(ctx, "Modem initialized", "port", port)
	return m, nil
}

// ATModem is an open AT-command session. A reader goroutine turns modem
// output into lines; commands are issued one at a time by the owner.
type ATModem struct {
	rw     io.ReadWriteCloser
	cfg    ATConfig
	logger *slog.Logger
	lines  chan string
	done   chan struct{}

	closeOnce sync.Once
	readErr   error // set before lines is closed
}

func newATModem(rw io.ReadWriteCloser, cfg ATConfig, logger *slog.Logger) *ATModem {
	m := &ATModem{
		rw:     rw,
		cfg:    cfg,
		logger: logger,
		lines:  make(chan string, 64),
		done:   make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *ATModem) readLoop() {
	defer close(m.lines)
	scanner := bufio.NewScanner(m.rw)
	scanner.Split(scanATLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case m.lines <- line:
		case <-m.done:
			return
		}
	}
	m.readErr = scanner.Err()
	if m.readErr == nil {
		m.readErr = io.EOF
	}
}

func (m *ATModem) init(ctx context.Context) error {
	for _, cmd := range []string{
		"AT",
		"ATE0",
		"AT+CMGF=1",
		fmt.Sprintf(`AT+CPMS="%s","%s","%s"`, m.cfg.Storage, m.cfg.Storage, m.cfg.Storage),
	} {
		if _, err := m.command(ctx, "init", cmd, m.cfg.CommandTimeout); err != nil {
			return err
		}
	}
	return nil
}

// Send implements domain.Device.
func (m *ATModem) Send(ctx context.Context, recipient, body string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SendTimeout)
	defer cancel()

	m.discardPending()
	if err := m.write("send", fmt.Sprintf("AT+CMGS=\"%s\"\r", recipient)); err != nil {
		return err
	}
	if err := m.waitPrompt(ctx); err != nil {
		// Leave the modem out of message-entry mode.
		_ = m.write("send", "\x1b")
		return err
	}
	if err := m.write("send", sanitizeBody(body)+ctrlZ); err != nil {
		return err
	}
	lines, err := m.collect(ctx, "send")
	if err != nil {
		return err
	}
	m.logger.DebugContext(ctx, "Message submitted", "recipient", recipient, "response", strings.Join(lines, " | "))
	return nil
}

// ListInbox implements domain.Device. It reads the used count first, then
// reads storage slots in order until that many messages were collected.
func (m *ATModem) ListInbox(ctx context.Context) ([]domain.InboxMessage, error) {
	lines, err := m.command(ctx, "list_inbox", "AT+CPMS?", m.cfg.CommandTimeout)
	if err != nil {
		return nil, err
	}
	used, total, err := parseCPMS(lines)
	if err != nil {
		return nil, domain.NewDeviceError(domain.KindDeviceError, "list_inbox", err)
	}

	msgs := make([]domain.InboxMessage, 0, used)
	for loc := 0; len(msgs) < used && loc <= total; loc++ {
		lines, err := m.command(ctx, "list_inbox", fmt.Sprintf("AT+CMGR=%d", loc), m.cfg.CommandTimeout)
		if err != nil {
			if isEmptySlot(err) {
				continue
			}
			return nil, err
		}
		parsed, ok, err := parseCMGR(lines, time.Local)
		if err != nil {
			m.logger.WarnContext(ctx, "Skipping unreadable message", "location", loc, "error", err)
			continue
		}
		if !ok {
			continue
		}
		msgs = append(msgs, domain.InboxMessage{
			Location:  loc,
			Sender:    parsed.Sender,
			Text:      parsed.Text,
			Timestamp: parsed.Timestamp,
		})
	}
	return msgs, nil
}

// Delete implements domain.Device.
func (m *ATModem) Delete(ctx context.Context, location int) error {
	_, err := m.command(ctx, "delete", fmt.Sprintf("AT+CMGD=%d", location), m.cfg.CommandTimeout)
	return err
}

// Close implements domain.Device.
func (m *ATModem) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.rw.Close()
	})
	return err
}

// command writes cmd and collects response lines up to the final result code.
func (m *ATModem) command(ctx context.Context, op, cmd string, timeout time.Duration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	m.discardPending()
	if err := m.write(op, cmd+"\r"); err != nil {
		return nil, err
	}
	lines, err := m.collect(ctx, op)
	if err != nil {
		return nil, err
	}
	// Drop the echo if the modem has not processed ATE0 yet.
	if len(lines) > 0 && lines[0] == cmd {
		lines = lines[1:]
	}
	return lines, nil
}

func (m *ATModem) collect(ctx context.Context, op string) ([]string, error) {
	var lines []string
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return nil, domain.NewDeviceError(domain.KindDeviceError, op, fmt.Errorf("modem connection lost: %w", m.readErr))
			}
			switch {
			case line == "OK":
				return lines, nil
			case isFinalError(line):
				return nil, domain.NewDeviceError(domain.KindDeviceError, op, &atError{Response: line})
			default:
				lines = append(lines, line)
			}
		case <-ctx.Done():
			return nil, domain.NewDeviceError(domain.KindDeviceTimeout, op, ctx.Err())
		}
	}
}

func (m *ATModem) waitPrompt(ctx context.Context) error {
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return domain.NewDeviceError(domain.KindDeviceError, "send", fmt.Errorf("modem connection lost: %w", m.readErr))
			}
			if line == ">" {
				return nil
			}
			if isFinalError(line) {
				return domain.NewDeviceError(domain.KindDeviceError, "send", &atError{Response: line})
			}
		case <-ctx.Done():
			return domain.NewDeviceError(domain.KindDeviceTimeout, "send", ctx.Err())
		}
	}
}

func (m *ATModem) write(op, s string) error {
	if _, err := io.WriteString(m.rw, s); err != nil {
		return domain.NewDeviceError(domain.KindDeviceError, op, fmt.Errorf("write: %w", err))
	}
	return nil
}

// discardPending drops unsolicited lines (e.g. +CMTI notifications) left
// over from before the next command.
func (m *ATModem) discardPending() {
	for {
		select {
		case line, ok := <-m.lines:
			if !ok {
				return
			}
			m.logger.Debug("Discarding unsolicited modem output", "line", line)
		default:
			return
		}
	}
}

// atError is a final error result code returned by the modem.
type atError struct {
	Response string
}

func (e *atError) Error() string { return e.Response }

// isEmptySlot reports whether a CMGR failure just means nothing is stored at
// that location.
func isEmptySlot(err error) bool {
	var atErr *atError
	return errors.As(err, &atErr) && (strings.HasPrefix(atErr.Response, "+CMS ERROR") || atErr.Response == "ERROR")
}
