// Package drivertest provides an in-memory driver.Driver for tests.
package drivertest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
)

// Sent is a message recorded by Fake.Send.
type Sent struct {
	To   string
	Text string
}

// Fake is a scriptable driver. Fields set before the first Start are read
// without locking; use the setters afterwards.
type Fake struct {
	// StartErr is returned from Start.
	StartErr error

	// StartDelay makes Start block until it elapses or ctx is done.
	StartDelay time.Duration

	// OnStart runs at the end of a successful Start, typically to emit
	// lifecycle events.
	OnStart func(f *Fake)

	mu         sync.Mutex
	sink       driver.Sink
	raw        []contacts.RawContact
	self       string
	fetchErr   error
	pictures   map[string]string
	pictureErr map[string]error
	sent       []Sent
	starts     int
	fetches    int
	logouts    int
	closed     bool
}

// New returns a Fake serving the given raw contacts.
func New(raw ...contacts.RawContact) *Fake {
	return &Fake{
		raw:        raw,
		pictures:   map[string]string{},
		pictureErr: map[string]error{},
	}
}

// SetContacts replaces the served contact list.
func (f *Fake) SetContacts(raw ...contacts.RawContact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = raw
}

// SetSelf sets the ID reported by SelfID.
func (f *Fake) SetSelf(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.self = id
}

// SetFetchErr makes FetchContacts fail with err (nil restores success).
func (f *Fake) SetFetchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// SetPicture registers a picture URL for id.
func (f *Fake) SetPicture(id, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pictures[id] = url
}

// SetPictureErr makes picture lookups for id fail.
func (f *Fake) SetPictureErr(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pictureErr[id] = err
}

// Start implements driver.Driver.
func (f *Fake) Start(ctx context.Context, sink driver.Sink) error {
	f.mu.Lock()
	f.starts++
	f.sink = sink
	f.mu.Unlock()

	if f.StartDelay > 0 {
		select {
		case <-time.After(f.StartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.StartErr != nil {
		return f.StartErr
	}
	if f.OnStart != nil {
		f.OnStart(f)
	}
	return nil
}

// Emit delivers an event to the sink captured by Start.
func (f *Fake) Emit(evt driver.Event) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	sink(evt)
}

// Pair emits a pairing code, then authenticated and ready.
func (f *Fake) Pair(code string) {
	f.Emit(driver.Event{Type: driver.EventPairingCode, Code: code})
	f.Emit(driver.Event{Type: driver.EventAuthenticated})
	f.Emit(driver.Event{Type: driver.EventReady})
}

// FetchContacts implements contacts.Source.
func (f *Fake) FetchContacts(ctx context.Context) ([]contacts.RawContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]contacts.RawContact, len(f.raw))
	copy(out, f.raw)
	return out, nil
}

// ProfilePictureURL implements contacts.PictureSource.
func (f *Fake) ProfilePictureURL(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pictureErr[id]; err != nil {
		return "", err
	}
	return f.pictures[id], nil
}

// SelfID implements contacts.Source.
func (f *Fake) SelfID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.self
}

// Send implements driver.Driver.
func (f *Fake) Send(_ context.Context, to, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return driver.ErrNotStarted
	}
	f.sent = append(f.sent, Sent{To: to, Text: text})
	return nil
}

// Logout implements driver.Driver.
func (f *Fake) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logouts++
	return nil
}

// Close implements driver.Driver.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Starts returns how many times Start was called.
func (f *Fake) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

// Fetches returns how many times FetchContacts was called.
func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// Logouts returns how many times Logout was called.
func (f *Fake) Logouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logouts
}

// SentMessages returns a copy of the recorded sends.
func (f *Fake) SentMessages() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sent))
	copy(out, f.sent)
	return out
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ErrFactory is returned by a Factory built with FailingFactory.
var ErrFactory = errors.New("drivertest: factory failure")

// Factory returns a driver.Factory handing out the given fakes in order.
// Once exhausted, the last fake is reused. The returned counter reports
// how many drivers were built.
func Factory(fakes ...*Fake) (driver.Factory, func() int) {
	var mu sync.Mutex
	built := 0
	return func(context.Context) (driver.Driver, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(fakes) == 0 {
				return nil, ErrFactory
			}
			f := fakes[min(built, len(fakes)-1)]
			built++
			return f, nil
		}, func() int {
			mu.Lock()
			defer mu.Unlock()
			return built
		}
}

// FailingFactory returns a factory that always fails with err, or
// ErrFactory when err is nil.
func FailingFactory(err error) driver.Factory {
	if err == nil {
		err = ErrFactory
	}
	return func(context.Context) (driver.Driver, error) {
		return nil, err
	}
}
