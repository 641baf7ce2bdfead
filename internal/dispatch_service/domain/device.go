package domain

import (
	"context"
	"time"
)

// InboxMessage is one SMS stored on the device.
type InboxMessage struct {
	Location  int       // device storage index; lower is older
	Sender    string
	Text      string
	Timestamp time.Time // device-local wall clock, parsed in time.Local
}

// Device is an open session on the modem. Implementations are not safe for
// concurrent use; the dispatch worker is the only caller.
type Device interface {
	Send(ctx context.Context, recipient, body string) error
	// ListInbox reads the stored message count and then every stored
	// message, returning only after the full inbox has been collected.
	ListInbox(ctx context.Context) ([]InboxMessage, error)
	Delete(ctx context.Context, location int) error
	Close() error
}

// DeviceConnector opens new device sessions.
type DeviceConnector interface {
	Open(ctx context.Context) (Device, error)
	Name() string
}
