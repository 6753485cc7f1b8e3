// Package session owns the connection state machine. State is the single
// record of where the session stands; only Manager mutates it.
package session

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
)

// Phase is a session lifecycle phase.
type Phase string

const (
	PhaseUninitialized   Phase = "uninitialized"
	PhaseAwaitingPairing Phase = "awaiting_pairing"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseReady           Phase = "ready"
	PhaseDisconnected    Phase = "disconnected"
	PhaseDegraded        Phase = "degraded"
)

// ErrInvalidTransition is returned for a phase change the machine forbids.
var ErrInvalidTransition = errors.New("invalid phase transition")

// errStaleAttempt rejects changes coming from a superseded start attempt.
var errStaleAttempt = errors.New("stale start attempt")

// transitions lists the allowed target phases per phase. Degraded is
// terminal.
var transitions = map[Phase][]Phase{
	PhaseUninitialized:   {PhaseAwaitingPairing, PhaseAuthenticated, PhaseDisconnected, PhaseDegraded},
	PhaseAwaitingPairing: {PhaseAwaitingPairing, PhaseAuthenticated, PhaseDisconnected, PhaseDegraded},
	PhaseAuthenticated:   {PhaseReady, PhaseDisconnected, PhaseDegraded},
	PhaseReady:           {PhaseDisconnected},
	PhaseDisconnected:    {PhaseUninitialized},
	PhaseDegraded:        nil,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Phase) bool {
	return slices.Contains(transitions[from], to)
}

// Status is a point-in-time view of the session.
type Status struct {
	Phase              Phase     `json:"phase"`
	HasPairingArtifact bool      `json:"hasPairingArtifact"`
	PairingArtifact    string    `json:"pairingArtifact,omitempty"`
	ContactCount       int       `json:"contactCount"`
	IsDegraded         bool      `json:"isDegraded"`
	LastTransitionAt   time.Time `json:"lastTransitionAt"`
}

// IsReady reports whether contacts and sends are served, live or simulated.
func (s Status) IsReady() bool {
	return s.Phase == PhaseReady || s.Phase == PhaseDegraded
}

// IsAuthenticated reports whether pairing is no longer needed.
func (s Status) IsAuthenticated() bool {
	switch s.Phase {
	case PhaseAuthenticated, PhaseReady, PhaseDegraded:
		return true
	}
	return false
}

// State holds the session phase and contact snapshot behind one lock so
// readers never see a phase and a contact list from different moments.
type State struct {
	mu               sync.RWMutex
	phase            Phase
	artifact         string
	lastTransitionAt time.Time
	degraded         bool
	contacts         []contacts.Contact

	// attempt identifies the current start attempt. Driver events and
	// synchronization results tagged with an older attempt are dropped.
	attempt uint64

	now func() time.Time
}

// NewState returns a State in the uninitialized phase.
func NewState() *State {
	return &State{
		phase:            PhaseUninitialized,
		lastTransitionAt: time.Now(),
		now:              time.Now,
	}
}

// Status returns the current status. It never blocks on I/O.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Phase:              s.phase,
		HasPairingArtifact: s.artifact != "",
		PairingArtifact:    s.artifact,
		ContactCount:       len(s.contacts),
		IsDegraded:         s.degraded,
		LastTransitionAt:   s.lastTransitionAt,
	}
}

// Phase returns the current phase.
func (s *State) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Contacts returns a copy of the contact snapshot.
func (s *State) Contacts() []contacts.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.contacts)
}

func (s *State) currentAttempt() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempt
}

// beginAttempt starts a new attempt, invalidating the previous one.
func (s *State) beginAttempt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.attempt
}

// change describes a phase transition.
type change struct {
	to       Phase
	artifact string

	// contacts seeds the snapshot when entering degraded.
	contacts []contacts.Contact
}

// apply performs c if attempt is current and the machine allows it. The
// pairing artifact only survives in awaiting_pairing and the snapshot is
// emptied whenever the live session goes away.
func (s *State) apply(attempt uint64, c change) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.phase
	if attempt != s.attempt {
		return from, errStaleAttempt
	}
	if !CanTransition(from, c.to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, c.to)
	}
	if c.to == PhaseAwaitingPairing && c.artifact == "" {
		return from, fmt.Errorf("%w: empty pairing artifact", ErrInvalidTransition)
	}

	s.phase = c.to
	s.lastTransitionAt = s.now()
	s.artifact = ""
	if c.to == PhaseAwaitingPairing {
		s.artifact = c.artifact
	}

	switch c.to {
	case PhaseDisconnected, PhaseUninitialized:
		s.contacts = nil
	case PhaseDegraded:
		s.degraded = true
		s.contacts = slices.Clone(c.contacts)
	}
	return from, nil
}

// replaceContacts swaps the snapshot if attempt is current and the phase
// is still want.
func (s *State) replaceContacts(attempt uint64, want Phase, list []contacts.Contact) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if attempt != s.attempt || s.phase != want {
		return false
	}
	s.contacts = slices.Clone(list)
	return true
}

// clearContacts empties the snapshot.
func (s *State) clearContacts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = nil
}
