// Package driver adapts the messaging network client to the session
// manager. A Driver owns exactly one network session; the manager creates
// a fresh one through a Factory for every start attempt.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
)

var (
	// ErrUnavailable means no usable runtime location could be resolved
	// for the driver.
	ErrUnavailable = errors.New("driver unavailable")

	// ErrNotStarted is returned by operations that need a started driver.
	ErrNotStarted = errors.New("driver not started")

	// ErrClosed is returned when starting a driver that was closed.
	ErrClosed = errors.New("driver closed")
)

// EventType identifies what a driver reports to its sink.
type EventType string

const (
	// EventPairingCode carries a new pairing artifact in Event.Code.
	EventPairingCode EventType = "pairing_code"

	// EventAuthenticated reports a confirmed pairing or restored session.
	EventAuthenticated EventType = "authenticated"

	// EventReady reports the session finished its handshake.
	EventReady EventType = "ready"

	// EventDisconnected reports a dropped session.
	EventDisconnected EventType = "disconnected"

	// EventLoggedOut reports a remote-initiated logout.
	EventLoggedOut EventType = "logged_out"
)

// Event is a driver lifecycle notification.
type Event struct {
	Type   EventType
	Code   string
	Reason string
	At     time.Time
}

// Sink receives driver events. It must not block for long.
type Sink func(Event)

// Driver is a single live network session.
type Driver interface {
	contacts.Source

	// Start opens the session store and begins connecting. It returns once
	// the connection attempt is under way; progress is reported to sink.
	Start(ctx context.Context, sink Sink) error

	// Send delivers a text message to a phone number or full ID.
	Send(ctx context.Context, to, text string) error

	// Logout invalidates the remote session and its stored credentials.
	Logout(ctx context.Context) error

	// Close releases the connection and the session store.
	Close() error
}

// Factory builds a new, unstarted Driver.
type Factory func(ctx context.Context) (Driver, error)
