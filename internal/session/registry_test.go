package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeConn struct {
	name     string
	disposed atomic.Int32
	err      error
}

func (c *fakeConn) Dispose(context.Context) error {
	c.disposed.Add(1)
	return c.err
}

type fakeStream struct {
	closed atomic.Int32
	err    error
}

func (s *fakeStream) Close() error {
	s.closed.Add(1)
	return s.err
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) SessionEvent(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestReserveThenRegisterSameTicket(t *testing.T) {
	reg := NewRegistry(newLogger())
	conn := &fakeConn{name: "c1"}

	ticket := reg.Reserve("7-3")
	require.NoError(t, reg.Register("7-3", conn, ticket))

	s, ok := reg.Get("7-3")
	require.True(t, ok)
	require.Same(t, conn, s.Conn)
	require.Equal(t, ticket.Generation(), s.Generation)
	require.Zero(t, conn.disposed.Load())
}

func TestRegisterWithStaleTicketDisposesLoser(t *testing.T) {
	obs := &recorder{}
	reg := NewRegistry(newLogger(), WithObserver(obs))
	c1 := &fakeConn{name: "c1"}
	c2 := &fakeConn{name: "c2"}

	t1 := reg.Reserve("7-3")
	t2 := reg.Reserve("7-3")

	err := reg.Register("7-3", c1, t1)
	require.ErrorIs(t, err, ErrSuperseded)
	require.NoError(t, reg.Register("7-3", c2, t2))

	reg.disposals.Wait()
	require.EqualValues(t, 1, c1.disposed.Load())
	require.Zero(t, c2.disposed.Load())

	s, ok := reg.Get("7-3")
	require.True(t, ok)
	require.Same(t, c2, s.Conn)
	require.Contains(t, obs.types(), EventRaceLost)
}

func TestRegisterTwiceKeepsFirstConnection(t *testing.T) {
	reg := NewRegistry(newLogger())
	first := &fakeConn{name: "first"}
	second := &fakeConn{name: "second"}

	ticket := reg.Reserve("7-3")
	require.NoError(t, reg.Register("7-3", first, ticket))
	require.NoError(t, reg.Register("7-3", first, ticket))
	require.ErrorIs(t, reg.Register("7-3", second, ticket), ErrAlreadyRegistered)

	reg.disposals.Wait()
	require.Zero(t, first.disposed.Load())
	require.EqualValues(t, 1, second.disposed.Load())

	s, ok := reg.Get("7-3")
	require.True(t, ok)
	require.Same(t, first, s.Conn)

	reg.Remove(context.Background(), "7-3")
	require.EqualValues(t, 1, first.disposed.Load())
}

func TestEventsCarryStateChangeTime(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	now := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	obs := &recorder{}
	// Each delivery is slow enough for the clock to move on.
	slow := ObserverFunc(func(evt Event) {
		obs.SessionEvent(evt)
		mu.Lock()
		now = now.Add(time.Minute)
		mu.Unlock()
	})
	reg := NewRegistry(newLogger(), WithClock(clock), WithObserver(slow))

	ticket := reg.Reserve("7-3")
	require.NoError(t, reg.Register("7-3", &fakeConn{}, ticket))
	reg.Remove(context.Background(), "7-3")

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.events, 3)
	for i, evt := range obs.events {
		require.Equal(t, base.Add(time.Duration(i)*time.Minute).UTC(), evt.At, evt.Type)
		require.Equal(t, time.UTC, evt.At.Location())
	}
}

func TestTicketFromRemovedGenerationNeverMatches(t *testing.T) {
	reg := NewRegistry(newLogger())
	stale := reg.Reserve("k")
	reg.Remove(context.Background(), "k")
	fresh := reg.Reserve("k")
	require.NotEqual(t, stale.Generation(), fresh.Generation())

	c := &fakeConn{}
	require.ErrorIs(t, reg.Register("k", c, stale), ErrSuperseded)
	reg.disposals.Wait()
	require.EqualValues(t, 1, c.disposed.Load())
}

func TestRegisterRejectsZeroTicket(t *testing.T) {
	reg := NewRegistry(newLogger())
	reg.Reserve("k")
	c := &fakeConn{}
	require.ErrorIs(t, reg.Register("k", c, Ticket{}), ErrSuperseded)
	reg.disposals.Wait()
	require.EqualValues(t, 1, c.disposed.Load())
}

func TestGetIgnoresReservedEntries(t *testing.T) {
	reg := NewRegistry(newLogger())
	reg.Reserve("k")
	_, ok := reg.Get("k")
	require.False(t, ok)

	state, ok := reg.State("k")
	require.True(t, ok)
	require.Equal(t, StateReserved, state)
}

func TestGetTouchesLastActivity(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(newLogger(), WithClock(func() time.Time { return now }))
	ticket := reg.Reserve("k")
	require.NoError(t, reg.Register("k", &fakeConn{}, ticket))

	now = now.Add(time.Minute)
	s, ok := reg.Get("k")
	require.True(t, ok)
	require.Equal(t, now, s.LastActivity)
}

func TestRemoveDisposesOnceEvenWhenStreamCloseFails(t *testing.T) {
	reg := NewRegistry(newLogger())
	conn := &fakeConn{}
	stream := &fakeStream{err: errors.New("already closed")}

	ticket := reg.Reserve("k")
	require.NoError(t, reg.Register("k", conn, ticket))
	require.True(t, reg.AttachStream("k", stream))

	reg.Remove(context.Background(), "k")
	require.EqualValues(t, 1, conn.disposed.Load())
	require.EqualValues(t, 1, stream.closed.Load())

	_, ok := reg.State("k")
	require.False(t, ok)
}

func TestRemoveIsIdempotent(t *testing.T) {
	reg := NewRegistry(newLogger())
	conn := &fakeConn{}
	ticket := reg.Reserve("k")
	require.NoError(t, reg.Register("k", conn, ticket))

	reg.Remove(context.Background(), "k")
	reg.Remove(context.Background(), "k")
	require.EqualValues(t, 1, conn.disposed.Load())
	require.Empty(t, reg.Keys())
}

func TestRemoveAbsentKeyIsNoop(t *testing.T) {
	reg := NewRegistry(newLogger())
	require.NotPanics(t, func() { reg.Remove(context.Background(), "missing") })
}

func TestRemoveSwallowsDisposeFailure(t *testing.T) {
	obs := &recorder{}
	reg := NewRegistry(newLogger(), WithObserver(obs))
	conn := &fakeConn{err: errors.New("socket gone")}
	ticket := reg.Reserve("k")
	require.NoError(t, reg.Register("k", conn, ticket))

	reg.Remove(context.Background(), "k")
	require.EqualValues(t, 1, conn.disposed.Load())
	require.Contains(t, obs.types(), EventDisposeFailed)
}

func TestRemoveReservedEntryHasNothingToDispose(t *testing.T) {
	reg := NewRegistry(newLogger())
	reg.Reserve("k")
	reg.Remove(context.Background(), "k")
	_, ok := reg.State("k")
	require.False(t, ok)
}

func TestRemoveIfCurrentRespectsOwnership(t *testing.T) {
	reg := NewRegistry(newLogger())
	old := reg.Reserve("k")
	conn := &fakeConn{}
	current := reg.Reserve("k")
	require.NoError(t, reg.Register("k", conn, current))

	require.False(t, reg.RemoveIfCurrent(context.Background(), old))
	_, ok := reg.Get("k")
	require.True(t, ok)

	require.True(t, reg.RemoveIfCurrent(context.Background(), current))
	require.EqualValues(t, 1, conn.disposed.Load())
}

func TestAttachRequiresOwnership(t *testing.T) {
	reg := NewRegistry(newLogger())
	t1 := reg.Reserve("k")
	require.ErrorIs(t, reg.Attach(t1, &fakeStream{}), ErrNotActive)

	t2 := reg.Reserve("k")
	require.NoError(t, reg.Register("k", &fakeConn{}, t2))
	require.ErrorIs(t, reg.Attach(t1, &fakeStream{}), ErrSuperseded)
	require.NoError(t, reg.Attach(t2, &fakeStream{}))

	s, ok := reg.Get("k")
	require.True(t, ok)
	require.True(t, s.StreamAttached)

	reg.DetachStream("k")
	s, _ = reg.Get("k")
	require.False(t, s.StreamAttached)
}

func TestAttachStreamNoopWhenNotActive(t *testing.T) {
	reg := NewRegistry(newLogger())
	require.False(t, reg.AttachStream("missing", &fakeStream{}))
	reg.Reserve("k")
	require.False(t, reg.AttachStream("k", &fakeStream{}))
	reg.DetachStream("missing")
}

func TestForceRegisterDisposesDisplacedSession(t *testing.T) {
	reg := NewRegistry(newLogger())
	first := &fakeConn{}
	stream := &fakeStream{}
	ticket := reg.Reserve("k")
	require.NoError(t, reg.Register("k", first, ticket))
	require.True(t, reg.AttachStream("k", stream))

	second := &fakeConn{}
	forced := reg.ForceRegister("k", second)
	reg.disposals.Wait()

	require.EqualValues(t, 1, first.disposed.Load())
	require.EqualValues(t, 1, stream.closed.Load())
	s, ok := reg.Get("k")
	require.True(t, ok)
	require.Same(t, second, s.Conn)
	require.Equal(t, forced.Generation(), s.Generation)
	require.ErrorIs(t, reg.Register("k", &fakeConn{}, ticket), ErrSuperseded)
}

func TestWaitForActive(t *testing.T) {
	reg := NewRegistry(newLogger(), WithPollInterval(5*time.Millisecond))
	ticket := reg.Reserve("k")
	conn := &fakeConn{}

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = reg.Register("k", conn, ticket)
	}()

	s, err := reg.WaitForActive(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.Same(t, conn, s.Conn)
}

func TestWaitForActiveTimesOut(t *testing.T) {
	reg := NewRegistry(newLogger(), WithPollInterval(5*time.Millisecond))
	reg.Reserve("k")
	_, err := reg.WaitForActive(context.Background(), "k", 30*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)
}

func TestSweepIdleEvictsStaleEntries(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	obs := &recorder{}
	reg := NewRegistry(newLogger(), WithClock(func() time.Time { return now }), WithObserver(obs))

	idle := &fakeConn{}
	t1 := reg.Reserve("idle")
	require.NoError(t, reg.Register("idle", idle, t1))
	reg.Reserve("abandoned")

	now = now.Add(10 * time.Minute)
	busy := &fakeConn{}
	t2 := reg.Reserve("busy")
	require.NoError(t, reg.Register("busy", busy, t2))

	now = now.Add(6 * time.Minute)
	reg.Touch(t2)

	removed := reg.SweepIdle(context.Background(), 15*time.Minute)
	assert.Equal(t, 2, removed)
	assert.EqualValues(t, 1, idle.disposed.Load())
	assert.Zero(t, busy.disposed.Load())
	assert.Equal(t, []string{"busy"}, reg.Keys())
	assert.Contains(t, obs.types(), EventSwept)
}

func TestSweepDisabled(t *testing.T) {
	reg := NewRegistry(newLogger())
	reg.Reserve("k")
	require.Zero(t, reg.SweepIdle(context.Background(), 0))
}

func TestConcurrentReservationsKeepWinnerLive(t *testing.T) {
	reg := NewRegistry(newLogger())
	const workers = 16
	conns := make([]*fakeConn, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		conns[i] = &fakeConn{}
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			ticket := reg.Reserve("k")
			_ = reg.Register("k", c, ticket)
		}(conns[i])
	}
	wg.Wait()
	reg.disposals.Wait()

	// The last reservation always registers successfully, so the key ends active
	// and its connection is never disposed.
	s, ok := reg.Get("k")
	require.True(t, ok)
	winner, ok := s.Conn.(*fakeConn)
	require.True(t, ok)
	require.Zero(t, winner.disposed.Load())
}

func TestCloseDisposesEverything(t *testing.T) {
	reg := NewRegistry(newLogger())
	a, b := &fakeConn{}, &fakeConn{}
	ta := reg.Reserve("a")
	require.NoError(t, reg.Register("a", a, ta))
	tb := reg.Reserve("b")
	require.NoError(t, reg.Register("b", b, tb))

	reg.Close(context.Background())
	require.EqualValues(t, 1, a.disposed.Load())
	require.EqualValues(t, 1, b.disposed.Load())
	require.Empty(t, reg.Keys())
}
