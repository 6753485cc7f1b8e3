package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/metrics"
	"github.com/jholhewres/wabridge/pkg/wabridge/simulator"
)

// ErrNotConnected is returned by operations that need a ready session.
var ErrNotConnected = errors.New("not connected")

// Options configures the Manager timings.
type Options struct {
	// StartTimeout bounds a driver start before falling back to degraded
	// mode. Default: 5s
	StartTimeout time.Duration `yaml:"start_timeout"`

	// ReconnectDelay is the wait between disconnected and the next start.
	// Default: 5s
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// LogoutTimeout bounds the remote logout call. Default: 10s
	LogoutTimeout time.Duration `yaml:"logout_timeout"`
}

// DefaultOptions returns the manager defaults.
func DefaultOptions() Options {
	return Options{
		StartTimeout:   5 * time.Second,
		ReconnectDelay: 5 * time.Second,
		LogoutTimeout:  10 * time.Second,
	}
}

// Manager drives the session state machine. It owns the live driver, falls
// back to the simulator when the driver cannot start, reconnects after
// drops, and keeps the contact snapshot current.
type Manager struct {
	opts    Options
	state   *State
	factory driver.Factory
	syncer  *contacts.Synchronizer
	sim     *simulator.Simulator
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// starts makes driver start a critical section; refreshes collapses
	// concurrent synchronizations into one.
	starts    singleflight.Group
	refreshes singleflight.Group

	mu             sync.Mutex
	drv            driver.Driver
	drvAttempt     uint64
	reconnectTimer *time.Timer

	// reconnecting guards against more than one pending reconnect.
	reconnecting atomic.Bool

	observersMu sync.RWMutex
	observers   []Observer

	// notifyMu serializes transition + notification so observers see
	// events in transition order.
	notifyMu sync.Mutex
}

// NewManager creates a Manager over state. Nothing starts until Initialize.
func NewManager(
	state *State,
	factory driver.Factory,
	syncer *contacts.Synchronizer,
	sim *simulator.Simulator,
	opts Options,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultOptions()
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = defaults.StartTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaults.ReconnectDelay
	}
	if opts.LogoutTimeout <= 0 {
		opts.LogoutTimeout = defaults.LogoutTimeout
	}
	if state == nil {
		state = NewState()
	}
	if syncer == nil {
		syncer = contacts.NewSynchronizer(contacts.DefaultOptions(), logger)
	}
	if sim == nil {
		sim = simulator.New(simulator.DefaultOptions(), logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		state:   state,
		factory: factory,
		syncer:  syncer,
		sim:     sim,
		logger:  logger.With("component", "session"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddObserver registers an observer for phase changes.
func (m *Manager) AddObserver(obs Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, obs)
}

// Status returns the last known session status.
func (m *Manager) Status() Status {
	return m.state.Status()
}

// Contacts returns the current contact snapshot. In degraded mode an empty
// snapshot (after a logout) is refilled from the simulator.
func (m *Manager) Contacts() []contacts.Contact {
	if m.state.Phase() == PhaseDegraded {
		if list := m.state.Contacts(); len(list) > 0 {
			return list
		}
		return m.refreshDegraded()
	}
	return m.state.Contacts()
}

// Initialize starts the driver unless the session is already past the
// uninitialized phase. Start failures and timeouts end in degraded mode
// and are not reported; only ctx cancellation is.
func (m *Manager) Initialize(ctx context.Context) error {
	if phase := m.state.Phase(); phase != PhaseUninitialized {
		m.logger.Debug("session: initialize skipped", "phase", phase)
		return nil
	}

	ch := m.starts.DoChan("start", func() (any, error) {
		m.start()
		return nil, nil
	})
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start runs one driver start attempt racing the start timeout.
func (m *Manager) start() {
	if m.ctx.Err() != nil {
		return
	}
	if m.state.Phase() != PhaseUninitialized || m.currentDriver() != nil {
		return
	}

	attempt := m.state.beginAttempt()
	m.logger.Info("session: starting driver", "attempt", attempt, "timeout", m.opts.StartTimeout)

	startCtx, cancel := context.WithTimeout(m.ctx, m.opts.StartTimeout)
	defer cancel()

	drv, err := m.factory(startCtx)
	if err != nil {
		m.enterDegraded(attempt, fmt.Errorf("building driver: %w", err))
		return
	}

	// Attached before Start so events emitted during Start find it.
	m.attach(attempt, drv)

	result := make(chan error, 1)
	go func() {
		result <- drv.Start(startCtx, m.sinkFor(attempt))
	}()

	select {
	case err := <-result:
		if err == nil {
			m.logger.Info("session: driver started", "attempt", attempt)
			return
		}
		m.detach(attempt)
		_ = drv.Close()
		if m.ctx.Err() != nil {
			return
		}
		m.enterDegraded(attempt, fmt.Errorf("starting driver: %w", err))

	case <-startCtx.Done():
		m.detach(attempt)
		// The attempt may still finish; its result is discarded.
		go func() {
			<-result
			_ = drv.Close()
		}()
		if m.ctx.Err() != nil {
			return
		}
		m.enterDegraded(attempt, fmt.Errorf("driver start exceeded %s", m.opts.StartTimeout))
	}
}

// enterDegraded switches to the simulator for the rest of the process.
func (m *Manager) enterDegraded(attempt uint64, cause error) {
	m.logger.Warn("session: driver unavailable, entering degraded mode", "error", cause)
	m.transition(attempt, change{to: PhaseDegraded, contacts: m.sim.Contacts()}, cause.Error())
}

func (m *Manager) sinkFor(attempt uint64) driver.Sink {
	return func(evt driver.Event) {
		m.handleDriverEvent(attempt, evt)
	}
}

func (m *Manager) handleDriverEvent(attempt uint64, evt driver.Event) {
	switch evt.Type {
	case driver.EventPairingCode:
		m.transition(attempt, change{to: PhaseAwaitingPairing, artifact: evt.Code}, "pairing_code")

	case driver.EventAuthenticated:
		m.transition(attempt, change{to: PhaseAuthenticated}, evt.Reason)

	case driver.EventReady:
		switch m.state.Phase() {
		case PhaseUninitialized, PhaseAwaitingPairing:
			m.transition(attempt, change{to: PhaseAuthenticated}, "connected")
		}
		if m.transition(attempt, change{to: PhaseReady}, "ready") {
			go m.refreshOnReady()
		}

	case driver.EventDisconnected, driver.EventLoggedOut:
		reason := evt.Reason
		if evt.Type == driver.EventLoggedOut {
			reason = "logged_out: " + reason
		}
		m.disconnect(attempt, reason)

	default:
		m.logger.Debug("session: unknown driver event", "type", evt.Type)
	}
}

// transition applies c and notifies observers. It reports whether the
// phase changed; rejected transitions are expected for stale events.
func (m *Manager) transition(attempt uint64, c change, reason string) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	from, err := m.state.apply(attempt, c)
	if err != nil {
		m.logger.Debug("session: transition rejected",
			"from", from, "to", c.to, "attempt", attempt, "error", err)
		return false
	}

	evt := Event{Phase: c.to, Previous: from, Reason: reason, At: time.Now()}
	m.logger.Info("session: phase changed", "from", from, "to", c.to, "reason", reason)
	metrics.Contacts.Set(float64(m.state.Status().ContactCount))

	m.observersMu.RLock()
	observers := slices.Clone(m.observers)
	m.observersMu.RUnlock()
	for _, obs := range observers {
		m.safeNotify(obs, evt)
	}
	return true
}

func (m *Manager) safeNotify(obs Observer, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("session: observer panic", "error", r)
		}
	}()
	obs.OnPhaseChange(evt)
}

// disconnect moves to disconnected, releases the driver and schedules the
// reconnect.
func (m *Manager) disconnect(attempt uint64, reason string) {
	if !m.transition(attempt, change{to: PhaseDisconnected}, reason) {
		return
	}
	if drv := m.detach(attempt); drv != nil {
		// Events are delivered on the driver's goroutines; close off them.
		go drv.Close()
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms the reconnect timer unless one is pending.
func (m *Manager) scheduleReconnect() {
	if m.ctx.Err() != nil {
		return
	}
	if !m.reconnecting.CompareAndSwap(false, true) {
		m.logger.Debug("session: reconnect already scheduled")
		return
	}

	m.logger.Info("session: reconnect scheduled", "delay", m.opts.ReconnectDelay)
	m.mu.Lock()
	m.reconnectTimer = time.AfterFunc(m.opts.ReconnectDelay, m.reconnect)
	m.mu.Unlock()
}

func (m *Manager) reconnect() {
	if m.ctx.Err() != nil {
		m.reconnecting.Store(false)
		return
	}

	ok := m.transition(m.state.currentAttempt(), change{to: PhaseUninitialized}, "reconnect")
	m.reconnecting.Store(false)
	if !ok {
		return
	}
	m.starts.Do("start", func() (any, error) {
		m.start()
		return nil, nil
	})
}

// Refresh synchronizes contacts now and returns the new snapshot. In
// degraded mode it returns the synthetic set.
func (m *Manager) Refresh(ctx context.Context) ([]contacts.Contact, error) {
	switch m.state.Phase() {
	case PhaseDegraded:
		return m.refreshDegraded(), nil
	case PhaseReady:
	default:
		return nil, ErrNotConnected
	}

	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.synchronize(m.ctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]contacts.Contact)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refreshOnReady() {
	if _, err := m.Refresh(m.ctx); err != nil {
		m.logger.Warn("session: initial contact sync failed", "error", err)
	}
}

// synchronize fetches from the live driver and commits the result only if
// the session is still the one it was fetched from.
func (m *Manager) synchronize(ctx context.Context) ([]contacts.Contact, error) {
	attempt := m.state.currentAttempt()
	drv := m.driverFor(attempt)
	if drv == nil {
		return nil, ErrNotConnected
	}

	list, err := m.syncer.Synchronize(ctx, drv)
	if err != nil {
		m.logger.Warn("session: contact sync failed, keeping previous snapshot", "error", err)
		return nil, err
	}
	if !m.state.replaceContacts(attempt, PhaseReady, list) {
		m.logger.Debug("session: discarding contact sync for a closed session")
		return nil, ErrNotConnected
	}
	metrics.Contacts.Set(float64(len(list)))
	return list, nil
}

func (m *Manager) refreshDegraded() []contacts.Contact {
	list := m.sim.Contacts()
	m.state.replaceContacts(m.state.currentAttempt(), PhaseDegraded, list)
	metrics.Contacts.Set(float64(len(list)))
	return list
}

// Send delivers a message through the live driver, or accepts it without
// delivery in degraded mode.
func (m *Manager) Send(ctx context.Context, to, text string) error {
	switch m.state.Phase() {
	case PhaseDegraded:
		metrics.MessagesSent.WithLabelValues("degraded").Inc()
		return m.sim.Send(ctx, to, text)
	case PhaseReady:
	default:
		return ErrNotConnected
	}

	drv := m.driverFor(m.state.currentAttempt())
	if drv == nil {
		return ErrNotConnected
	}
	if err := drv.Send(ctx, to, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	metrics.MessagesSent.WithLabelValues("live").Inc()
	return nil
}

// Logout ends the session. A live session is logged out remotely, its
// contacts cleared, and the machine goes through disconnected into a fresh
// pairing. Degraded mode only resets the simulator.
func (m *Manager) Logout(ctx context.Context) error {
	if m.state.Phase() == PhaseDegraded {
		m.sim.Reset()
		m.state.clearContacts()
		metrics.Contacts.Set(0)
		m.logger.Info("session: degraded session reset")
		return nil
	}

	attempt := m.state.currentAttempt()
	drv := m.driverFor(attempt)
	m.state.clearContacts()
	metrics.Contacts.Set(0)
	if drv == nil {
		m.logger.Info("session: logout without an active driver")
		return nil
	}

	logoutCtx, cancel := context.WithTimeout(ctx, m.opts.LogoutTimeout)
	defer cancel()
	err := drv.Logout(logoutCtx)

	m.disconnect(attempt, "logout")
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	m.logger.Info("session: logged out")
	return nil
}

// Close stops timers and releases the driver. The manager is unusable
// afterwards.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	drv := m.drv
	m.drv = nil
	m.mu.Unlock()

	if drv != nil {
		return drv.Close()
	}
	return nil
}

func (m *Manager) attach(attempt uint64, drv driver.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drv = drv
	m.drvAttempt = attempt
}

// detach drops the driver if it belongs to attempt and returns it.
func (m *Manager) detach(attempt uint64) driver.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drv == nil || m.drvAttempt != attempt {
		return nil
	}
	drv := m.drv
	m.drv = nil
	return drv
}

func (m *Manager) driverFor(attempt uint64) driver.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.drvAttempt != attempt {
		return nil
	}
	return m.drv
}

func (m *Manager) currentDriver() driver.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drv
}
