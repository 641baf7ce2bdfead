package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

// DeviceSession owns the single live connection to the modem. Only the worker
// goroutine calls its methods; Available may be read from anywhere.
type DeviceSession struct {
	connector   domain.DeviceConnector
	backoff     time.Duration
	logger      *slog.Logger
	now         func() time.Time
	dev         domain.Device
	lastAttempt time.Time
	available   atomic.Bool
}

// NewDeviceSession creates a closed session.
func NewDeviceSession(connector domain.DeviceConnector, backoff time.Duration, logger *slog.Logger) *DeviceSession {
	return &DeviceSession{
		connector: connector,
		backoff:   backoff,
		logger:    logger.With("component", "device_session", "driver", connector.Name()),
		now:       time.Now,
	}
}

// Acquire returns the open device, opening one if the reconnect back-off has
// elapsed. While backing off it fails fast with domain.ErrDeviceUnavailable
// without touching the port.
func (s *DeviceSession) Acquire(ctx context.Context) (domain.Device, error) {
	if s.dev != nil {
		return s.dev, nil
	}
	if !s.lastAttempt.IsZero() && s.now().Sub(s.lastAttempt) < s.backoff {
		return nil, fmt.Errorf("reconnect back-off active: %w", domain.ErrDeviceUnavailable)
	}
	return s.Reconnect(ctx)
}

// Reconnect drops any open device and opens a new one immediately.
func (s *DeviceSession) Reconnect(ctx context.Context) (domain.Device, error) {
	s.closeDevice()
	s.lastAttempt = s.now()

	dev, err := s.connector.Open(ctx)
	if err != nil {
		deviceReconnectsCounter.WithLabelValues("error").Inc()
		s.logger.WarnContext(ctx, "Failed to open device session", "error", err, "kind", domain.KindOf(err))
		return nil, err
	}
	deviceReconnectsCounter.WithLabelValues("success").Inc()
	s.dev = dev
	s.setAvailable(true)
	s.logger.InfoContext(ctx, "Device session opened")
	return dev, nil
}

// Invalidate closes the device after a failure so that the next Acquire
// reconnects.
func (s *DeviceSession) Invalidate(ctx context.Context, cause error) {
	if s.dev == nil {
		return
	}
	s.logger.WarnContext(ctx, "Invalidating device session", "error", cause)
	s.closeDevice()
}

// Close releases the device.
func (s *DeviceSession) Close() {
	s.closeDevice()
}

// Available reports whether a device session is currently open.
func (s *DeviceSession) Available() bool {
	return s.available.Load()
}

func (s *DeviceSession) closeDevice() {
	if s.dev != nil {
		if err := s.dev.Close(); err != nil {
			s.logger.Warn("Error closing device", "error", err)
		}
		s.dev = nil
	}
	s.setAvailable(false)
}

func (s *DeviceSession) setAvailable(v bool) {
	s.available.Store(v)
	if v {
		deviceAvailableGauge.Set(1)
	} else {
		deviceAvailableGauge.Set(0)
	}
}
