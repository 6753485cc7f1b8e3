package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/wabridge/pkg/wabridge/contacts"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver"
	"github.com/jholhewres/wabridge/pkg/wabridge/driver/drivertest"
	"github.com/jholhewres/wabridge/pkg/wabridge/simulator"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// recorder collects phase events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnPhaseChange(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Phase, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Phase
	}
	return out
}

func (r *recorder) count(p Phase) int {
	n := 0
	for _, got := range r.phases() {
		if got == p {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, factory driver.Factory) (*Manager, *recorder, *simulator.Simulator) {
	t.Helper()
	sim := simulator.New(simulator.DefaultOptions(), nil)
	syncer := contacts.NewSynchronizer(contacts.Options{EnrichInterval: 0}, nil)
	m := NewManager(NewState(), factory, syncer, sim, Options{
		StartTimeout:   200 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
		LogoutTimeout:  time.Second,
	}, nil)
	rec := &recorder{}
	m.AddObserver(rec)
	t.Cleanup(func() { m.Close() })
	return m, rec, sim
}

func raw(id, name string, known bool) contacts.RawContact {
	return contacts.RawContact{Contact: contacts.Contact{
		ID:             id,
		PhoneNumber:    "+" + id,
		DisplayName:    name,
		IsKnownContact: known,
	}}
}

// pairingFake pairs immediately on start.
func pairingFake(list ...contacts.RawContact) *drivertest.Fake {
	f := drivertest.New(list...)
	f.OnStart = func(f *drivertest.Fake) { f.Pair("ref-1") }
	return f
}

func waitPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Status().Phase == want }, waitFor, tick,
		"phase never became %s", want)
}

func TestInitializeDegraded(t *testing.T) {
	t.Run("factory failure", func(t *testing.T) {
		m, rec, _ := newTestManager(t, drivertest.FailingFactory(nil))

		require.NoError(t, m.Initialize(context.Background()))

		st := m.Status()
		assert.Equal(t, PhaseDegraded, st.Phase)
		assert.True(t, st.IsDegraded)
		assert.Equal(t, simulator.DefaultCount, st.ContactCount)

		list := m.Contacts()
		assert.Len(t, list, simulator.DefaultCount)
		assert.True(t, contacts.IsSorted(list))
		assert.Equal(t, []Phase{PhaseDegraded}, rec.phases())
	})

	t.Run("start error", func(t *testing.T) {
		f := drivertest.New()
		f.StartErr = errors.New("sqlite unavailable")
		factory, _ := drivertest.Factory(f)
		m, _, _ := newTestManager(t, factory)

		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, PhaseDegraded, m.Status().Phase)
		assert.True(t, f.Closed())
	})

	t.Run("start timeout enters degraded exactly once", func(t *testing.T) {
		f := drivertest.New()
		f.StartDelay = 10 * time.Second
		factory, built := drivertest.Factory(f)
		m, rec, _ := newTestManager(t, factory)

		require.NoError(t, m.Initialize(context.Background()))
		assert.Equal(t, PhaseDegraded, m.Status().Phase)

		for i := 0; i < 3; i++ {
			require.NoError(t, m.Initialize(context.Background()))
		}
		time.Sleep(100 * time.Millisecond)

		assert.Equal(t, PhaseDegraded, m.Status().Phase)
		assert.Equal(t, 1, rec.count(PhaseDegraded))
		assert.Len(t, rec.phases(), 1)
		assert.Equal(t, 1, built())
		require.Eventually(t, f.Closed, waitFor, tick)
	})

	t.Run("late events from a timed out start are ignored", func(t *testing.T) {
		f := drivertest.New()
		f.StartDelay = 10 * time.Second
		factory, _ := drivertest.Factory(f)
		m, _, _ := newTestManager(t, factory)

		require.NoError(t, m.Initialize(context.Background()))
		f.Pair("late")
		assert.Equal(t, PhaseDegraded, m.Status().Phase)
		assert.False(t, m.Status().HasPairingArtifact)
	})
}

func TestInitializeIdempotent(t *testing.T) {
	f := pairingFake(raw("5511000000001", "Ana", true))
	factory, built := drivertest.Factory(f)
	m, rec, _ := newTestManager(t, factory)

	require.NoError(t, m.Initialize(context.Background()))
	waitPhase(t, m, PhaseReady)
	require.Eventually(t, func() bool { return m.Status().ContactCount == 1 }, waitFor, tick)

	before := m.Status()
	for i := 0; i < 5; i++ {
		require.NoError(t, m.Initialize(context.Background()))
	}
	after := m.Status()

	assert.Equal(t, before.Phase, after.Phase)
	assert.Equal(t, before.LastTransitionAt, after.LastTransitionAt)
	assert.Equal(t, 1, f.Starts())
	assert.Equal(t, 1, built())
	assert.Equal(t, []Phase{PhaseAwaitingPairing, PhaseAuthenticated, PhaseReady}, rec.phases())
}

func TestInitializeConcurrent(t *testing.T) {
	f := drivertest.New()
	f.StartDelay = 30 * time.Millisecond
	f.OnStart = func(f *drivertest.Fake) {
		f.Emit(driver.Event{Type: driver.EventPairingCode, Code: "ref-1"})
	}
	factory, built := drivertest.Factory(f)
	m, _, _ := newTestManager(t, factory)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Initialize(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.Starts())
	assert.Equal(t, 1, built())
	assert.Equal(t, PhaseAwaitingPairing, m.Status().Phase)
}

func TestInitializeCancelled(t *testing.T) {
	f := drivertest.New()
	f.StartDelay = 100 * time.Millisecond
	factory, _ := drivertest.Factory(f)
	m, _, _ := newTestManager(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.Initialize(ctx), context.Canceled)
}

func TestPairingFlow(t *testing.T) {
	f := drivertest.New(raw("5511000000001", "Ana", true))
	f.OnStart = func(f *drivertest.Fake) {
		f.Emit(driver.Event{Type: driver.EventPairingCode, Code: "ref-1"})
	}
	factory, _ := drivertest.Factory(f)
	m, rec, _ := newTestManager(t, factory)

	require.NoError(t, m.Initialize(context.Background()))
	st := m.Status()
	assert.Equal(t, PhaseAwaitingPairing, st.Phase)
	assert.True(t, st.HasPairingArtifact)
	assert.Equal(t, "ref-1", st.PairingArtifact)
	assert.False(t, st.IsAuthenticated())

	f.Emit(driver.Event{Type: driver.EventPairingCode, Code: "ref-2"})
	assert.Equal(t, "ref-2", m.Status().PairingArtifact)

	f.Emit(driver.Event{Type: driver.EventAuthenticated})
	st = m.Status()
	assert.Equal(t, PhaseAuthenticated, st.Phase)
	assert.False(t, st.HasPairingArtifact)

	f.Emit(driver.Event{Type: driver.EventReady})
	waitPhase(t, m, PhaseReady)
	require.Eventually(t, func() bool { return f.Fetches() >= 1 }, waitFor, tick,
		"ready must trigger a contact sync")

	assert.Equal(t, []Phase{
		PhaseAwaitingPairing,
		PhaseAwaitingPairing,
		PhaseAuthenticated,
		PhaseReady,
	}, rec.phases())
}

func TestRestoredSessionSkipsPairing(t *testing.T) {
	f := drivertest.New()
	f.OnStart = func(f *drivertest.Fake) {
		f.Emit(driver.Event{Type: driver.EventAuthenticated, Reason: "restored"})
		f.Emit(driver.Event{Type: driver.EventReady})
	}
	factory, _ := drivertest.Factory(f)
	m, rec, _ := newTestManager(t, factory)

	require.NoError(t, m.Initialize(context.Background()))
	waitPhase(t, m, PhaseReady)
	assert.Equal(t, []Phase{PhaseAuthenticated, PhaseReady}, rec.phases())
}

func TestReadyWithoutAuthenticatedEvent(t *testing.T) {
	f := drivertest.New()
	f.OnStart = func(f *drivertest.Fake) {
		f.Emit(driver.Event{Type: driver.EventPairingCode, Code: "ref-1"})
		f.Emit(driver.Event{Type: driver.EventReady})
	}
	factory, _ := drivertest.Factory(f)
	m, rec, _ := newTestManager(t, factory)

	require.NoError(t, m.Initialize(context.Background()))
	waitPhase(t, m, PhaseReady)
	assert.Equal(t, []Phase{PhaseAwaitingPairing, PhaseAuthenticated, PhaseReady}, rec.phases())
}

func TestRefresh(t *testing.T) {
	t.Run("filters group and self", func(t *testing.T) {
		group := raw("120363000000000000@g.us", "Family", true)
		group.IsGroup = true
		self := raw("5511999999999", "Me", true)
		valid := raw("5511000000001", "Ana", false)

		f := drivertest.New()
		f.SetSelf("5511999999999")
		f.OnStart = func(f *drivertest.Fake) { f.Pair("ref-1") }
		factory, _ := drivertest.Factory(f)
		m, _, _ := newTestManager(t, factory)

		require.NoError(t, m.Initialize(context.Background()))
		waitPhase(t, m, PhaseReady)
		require.Eventually(t, func() bool { return f.Fetches() >= 1 }, waitFor, tick)
		assert.Empty(t, m.Contacts())

		f.SetContacts(group, self, valid)
		// A refresh still in flight from the ready transition may be joined
		// and return the old empty list, so retry until the new one lands.
		var list []contacts.Contact
		require.Eventually(t, func() bool {
			var err error
			list, err = m.Refresh(context.Background())
			return err == nil && len(list) == 1
		}, waitFor, tick)
		assert.Equal(t, "5511000000001", list[0].ID)
		assert.Len(t, m.Contacts(), 1)
		assert.Equal(t, 1, m.Status().ContactCount)
	})

	t.Run("failure keeps previous snapshot", func(t *testing.T) {
		f := pairingFake(
			raw("5511000000002", "Bruno", false),
			raw("5511000000001", "Ana", true),
		)
		f.SetPicture("5511000000001", "https://pps.example/ana.jpg")
		factory, _ := drivertest.Factory(f)
		m, _, _ := newTestManager(t, factory)

		require.NoError(t, m.Initialize(context.Background()))
		waitPhase(t, m, PhaseReady)
		require.Eventually(t, func() bool { return m.Status().ContactCount == 2 }, waitFor, tick)
		before := m.Contacts()
		assert.Equal(t, "https://pps.example/ana.jpg", before[0].ProfilePictureURL)

		f.SetFetchErr(errors.New("remote unavailable"))
		require.Eventually(t, func() bool {
			_, err := m.Refresh(context.Background())
			return err != nil
		}, waitFor, tick)
		assert.Equal(t, before, m.Contacts())
	})

	t.Run("not connected", func(t *testing.T) {
		f := drivertest.New()
		f.OnStart = func(f *drivertest.Fake) {
			f.Emit(driver.Event{Type: driver.EventPairingCode, Code: "ref-1"})
		}
		factory, _ := drivertest.Factory(f)
		m, _, _ := newTestManager(t, factory)

		_, err := m.Refresh(context.Background())
		assert.ErrorIs(t, err, ErrNotConnected)

		require.NoError(t, m.Initialize(context.Background()))
		_, err = m.Refresh(context.Background())
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Zero(t, f.Fetches())
	})

	t.Run("degraded returns synthetic set", func(t *testing.T) {
		m, _, _ := newTestManager(t, drivertest.FailingFactory(nil))
		require.NoError(t, m.Initialize(context.Background()))

		list, err := m.Refresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, simulator.Generate(simulator.DefaultCount, simulator.DefaultSeed), list)
	})
}

func TestReconnect(t *testing.T) {
	first := pairingFake(raw("5511000000001", "Ana", true))
	second := drivertest.New()
	second.OnStart = func(f *drivertest.Fake) {
		f.Emit(driver.Event{Type: driver.EventPairingCode, Code: "ref-2"})
	}
	factory, built := drivertest.Factory(first, second)
	m, rec, _ := newTestManager(t, factory)

	require.NoError(t, m.Initialize(context.Background()))
	waitPhase(t, m, PhaseReady)
	require.Eventually(t, func() bool { return m.Status().ContactCount == 1 }, waitFor, tick)

	first.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "connection_lost"})
	st := m.Status()
	assert.Equal(t, PhaseDisconnected, st.Phase)
	assert.Zero(t, st.ContactCount)
	assert.ErrorIs(t, m.Send(context.Background(), "5511000000001", "hi"), ErrNotConnected)

	// A second drop while disconnected must not schedule another reconnect.
	first.Emit(driver.Event{Type: driver.EventDisconnected, Reason: "again"})

	waitPhase(t, m, PhaseAwaitingPairing)
	assert.Equal(t, 2, built())
	assert.Equal(t, 1, second.Starts())
	require.Eventually(t, first.Closed, waitFor, tick)
	assert.Equal(t, "ref-2", m.Status().PairingArtifact)

	// Events from the replaced driver are dropped.
	first.Emit(driver.Event{Type: driver.EventReady})
	assert.Equal(t, PhaseAwaitingPairing, m.Status().Phase)

	assert.Equal(t, []Phase{
		PhaseAwaitingPairing,
		PhaseAuthenticated,
		PhaseReady,
		PhaseDisconnected,
		PhaseUninitialized,
		PhaseAwaitingPairing,
	}, rec.phases())
}

func TestRemoteLogoutIsADrop(t *testing.T) {
	first := pairingFake()
	second := drivertest.New()
	factory, built := drivertest.Factory(first, second)
	m, _, _ := newTestManager(t, factory)

	require.NoError(t, m.Initialize(context.Background()))
	waitPhase(t, m, PhaseReady)

	first.Emit(driver.Event{Type: driver.EventLoggedOut, Reason: "device_removed"})
	assert.Equal(t, PhaseDisconnected, m.Status().Phase)
	require.Eventually(t, func() bool { return built() == 2 }, waitFor, tick)
}

func TestSend(t *testing.T) {
	t.Run("live", func(t *testing.T) {
		f := pairingFake()
		factory, _ := drivertest.Factory(f)
		m, _, _ := newTestManager(t, factory)

		assert.ErrorIs(t, m.Send(context.Background(), "5511000000001", "hi"), ErrNotConnected)

		require.NoError(t, m.Initialize(context.Background()))
		waitPhase(t, m, PhaseReady)
		require.NoError(t, m.Send(context.Background(), "5511000000001", "hi"))
		assert.Equal(t, []drivertest.Sent{{To: "5511000000001", Text: "hi"}}, f.SentMessages())
	})

	t.Run("degraded", func(t *testing.T) {
		m, _, sim := newTestManager(t, drivertest.FailingFactory(nil))
		require.NoError(t, m.Initialize(context.Background()))

		require.NoError(t, m.Send(context.Background(), "+15550100000", "hi"))
		assert.Equal(t, int64(1), sim.SentCount())
	})
}

func TestLogout(t *testing.T) {
	t.Run("live", func(t *testing.T) {
		first := pairingFake(raw("5511000000001", "Ana", true))
		second := drivertest.New()
		factory, built := drivertest.Factory(first, second)
		m, _, _ := newTestManager(t, factory)

		require.NoError(t, m.Initialize(context.Background()))
		waitPhase(t, m, PhaseReady)
		require.Eventually(t, func() bool { return m.Status().ContactCount == 1 }, waitFor, tick)

		require.NoError(t, m.Logout(context.Background()))
		assert.Equal(t, 1, first.Logouts())
		assert.Equal(t, PhaseDisconnected, m.Status().Phase)
		assert.Empty(t, m.Contacts())

		require.Eventually(t, func() bool { return built() == 2 }, waitFor, tick)
		assert.Equal(t, 1, second.Starts())
	})

	t.Run("before initialize", func(t *testing.T) {
		factory, built := drivertest.Factory(drivertest.New())
		m, rec, _ := newTestManager(t, factory)

		require.NoError(t, m.Logout(context.Background()))
		assert.Equal(t, PhaseUninitialized, m.Status().Phase)
		assert.Zero(t, built())
		assert.Empty(t, rec.phases())
	})

	t.Run("degraded", func(t *testing.T) {
		m, rec, sim := newTestManager(t, drivertest.FailingFactory(nil))
		require.NoError(t, m.Initialize(context.Background()))
		require.NoError(t, m.Send(context.Background(), "+15550100000", "hi"))
		before := m.Contacts()

		require.NoError(t, m.Logout(context.Background()))
		st := m.Status()
		assert.Equal(t, PhaseDegraded, st.Phase)
		assert.True(t, st.IsDegraded)
		assert.Zero(t, st.ContactCount)
		assert.Zero(t, sim.SentCount())
		assert.Equal(t, []Phase{PhaseDegraded}, rec.phases())

		assert.Equal(t, before, m.Contacts(), "synthetic set regenerates identically")
		assert.Equal(t, simulator.DefaultCount, m.Status().ContactCount)
	})
}

func TestObserverPanicIsRecovered(t *testing.T) {
	m, rec, _ := newTestManager(t, drivertest.FailingFactory(nil))
	m.AddObserver(ObserverFunc(func(Event) { panic("boom") }))
	late := &recorder{}
	m.AddObserver(late)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, []Phase{PhaseDegraded}, rec.phases())
	assert.Equal(t, []Phase{PhaseDegraded}, late.phases())
}

func TestCloseCancelsReconnect(t *testing.T) {
	first := pairingFake()
	factory, built := drivertest.Factory(first, drivertest.New())
	m, _, _ := newTestManager(t, factory)

	require.NoError(t, m.Initialize(context.Background()))
	waitPhase(t, m, PhaseReady)

	first.Emit(driver.Event{Type: driver.EventDisconnected})
	require.NoError(t, m.Close())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, PhaseDisconnected, m.Status().Phase)
	assert.Equal(t, 1, built())
}
