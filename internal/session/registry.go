package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	// ErrSuperseded is returned by Register when a later reservation owns the slot.
	ErrSuperseded = errors.New("session slot superseded by a newer reservation")
	// ErrAlreadyRegistered is returned by Register when ticket's slot already
	// holds a different active connection.
	ErrAlreadyRegistered = errors.New("session slot already registered")
	// ErrNotActive is returned when an operation needs an active entry.
	ErrNotActive = errors.New("session is not active")
	// ErrWaitTimeout is returned by WaitForActive when the entry never became active.
	ErrWaitTimeout = errors.New("timed out waiting for active session")
)

// Connection is the disposable handle of a live voice-engine connection.
type Connection interface {
	Dispose(ctx context.Context) error
}

// Stream is an outbound stream attached to an active session.
type Stream interface {
	Close() error
}

type State int

const (
	StateReserved State = iota + 1
	StateActive
)

func (s State) String() string {
	switch s {
	case StateReserved:
		return "reserved"
	case StateActive:
		return "active"
	default:
		return "absent"
	}
}

// Ticket proves ownership of a reservation. Generations come from a
// registry-wide counter and are never reused, so a ticket issued before a
// Remove can never match a later reservation for the same key.
type Ticket struct {
	key        string
	generation uint64
}

func (t Ticket) Key() string        { return t.key }
func (t Ticket) Generation() uint64 { return t.generation }
func (t Ticket) IsZero() bool       { return t.generation == 0 }

// Session is a snapshot of an active entry.
type Session struct {
	Key            string
	Generation     uint64
	Conn           Connection
	LastActivity   time.Time
	StreamAttached bool
}

type entry struct {
	state        State
	generation   uint64
	lastActivity time.Time
	conn         Connection
	stream       Stream
}

type Option func(*Registry)

// WithObserver routes lifecycle events to obs.
func WithObserver(obs Observer) Option {
	return func(r *Registry) { r.observer = obs }
}

// WithClock overrides the time source used for activity tracking.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithPollInterval sets the WaitForActive poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithDisposeTimeout bounds each connection disposal.
func WithDisposeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.disposeTimeout = d
		}
	}
}

// Registry maps consult keys to at most one reserved or active voice session.
// All map mutations happen under one mutex; disposal and stream closing run
// outside it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	nextGen uint64

	log            *slog.Logger
	clock          func() time.Time
	pollInterval   time.Duration
	disposeTimeout time.Duration
	observer       Observer
	disposals      sync.WaitGroup

	meter         metric.Meter
	raceLost      metric.Int64Counter
	disposeFailed metric.Int64Counter
	swept         metric.Int64Counter
}

func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:        make(map[string]*entry),
		log:            log.With(slog.String("component", "session-registry")),
		clock:          time.Now,
		pollInterval:   100 * time.Millisecond,
		disposeTimeout: 10 * time.Second,
		meter:          otel.Meter("github.com/loqalabs/consult-voice/session"),
		raceLost:       noop.Int64Counter{},
		disposeFailed:  noop.Int64Counter{},
		swept:          noop.Int64Counter{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	return r
}

// Reserve claims the slot for key, discarding any previous entry without
// disposing it. Callers must Remove stale sessions first.
func (r *Registry) Reserve(key string) Ticket {
	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	prev := r.entries[key]
	now := r.clock()
	r.entries[key] = &entry{
		state:        StateReserved,
		generation:   gen,
		lastActivity: now,
	}
	r.mu.Unlock()

	if prev != nil && prev.state == StateActive {
		r.log.Warn("reservation displaced an active session without disposal",
			slog.String("consult_id", key), slog.Uint64("displaced_generation", prev.generation))
	}
	r.log.Debug("reserved session slot", slog.String("consult_id", key), slog.Uint64("generation", gen))
	r.notify(Event{Key: key, Type: EventReserved, Generation: gen, At: now})
	return Ticket{key: key, generation: gen}
}

// Register promotes the reservation held by ticket to an active session
// wrapping conn. If the slot no longer belongs to ticket, conn is disposed in
// the background and ErrSuperseded is returned. A ticket promotes once:
// registering a second connection disposes it and returns ErrAlreadyRegistered,
// leaving the active one in place. Registering the same conn again is a no-op.
func (r *Registry) Register(key string, conn Connection, ticket Ticket) error {
	r.mu.Lock()
	current := r.entries[key]
	now := r.clock()
	if ticket.IsZero() || ticket.key != key || current == nil || current.generation != ticket.generation {
		r.mu.Unlock()
		r.log.Info("register lost slot race, disposing connection",
			slog.String("consult_id", key), slog.Uint64("generation", ticket.generation))
		r.raceLost.Add(context.Background(), 1)
		r.notify(Event{Key: key, Type: EventRaceLost, Generation: ticket.generation, At: now})
		r.disposeAsync(key, ticket.generation, conn)
		return ErrSuperseded
	}
	if current.state == StateActive {
		same := current.conn == conn
		r.mu.Unlock()
		if same {
			return nil
		}
		r.log.Warn("ticket already registered, disposing second connection",
			slog.String("consult_id", key), slog.Uint64("generation", ticket.generation))
		r.disposeAsync(key, ticket.generation, conn)
		return ErrAlreadyRegistered
	}
	r.entries[key] = &entry{
		state:        StateActive,
		generation:   ticket.generation,
		lastActivity: now,
		conn:         conn,
	}
	r.mu.Unlock()

	r.log.Info("registered active session", slog.String("consult_id", key), slog.Uint64("generation", ticket.generation))
	r.notify(Event{Key: key, Type: EventRegistered, Generation: ticket.generation, At: now})
	return nil
}

// ForceRegister installs conn as the active session for key without any
// ownership check. UNSAFE: it bypasses the reservation protocol and can clobber
// a concurrent owner. It exists for callers that never reserved a slot; any
// displaced active session is closed and disposed so no two connections share
// a key.
func (r *Registry) ForceRegister(key string, conn Connection) Ticket {
	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	prev := r.entries[key]
	now := r.clock()
	r.entries[key] = &entry{
		state:        StateActive,
		generation:   gen,
		lastActivity: now,
		conn:         conn,
	}
	r.mu.Unlock()

	if prev != nil && prev.state == StateActive {
		r.log.Warn("force overwriting active session", slog.String("consult_id", key))
		r.closeStream(key, prev.stream)
		r.disposeAsync(key, prev.generation, prev.conn)
	}
	r.notify(Event{Key: key, Type: EventForceRegistered, Generation: gen, At: now})
	return Ticket{key: key, generation: gen}
}

// Get returns the active session for key and refreshes its activity time.
// Reserved and missing keys report false.
func (r *Registry) Get(key string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state != StateActive {
		return Session{}, false
	}
	e.lastActivity = r.clock()
	return snapshot(key, e), true
}

// State reports the current state of key without touching it.
func (r *Registry) State(key string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Touch refreshes the activity time of whatever entry ticket still owns.
func (r *Registry) Touch(ticket Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[ticket.key]; ok && e.generation == ticket.generation {
		e.lastActivity = r.clock()
	}
}

// WaitForActive polls until key is active, the timeout elapses or ctx ends.
func (r *Registry) WaitForActive(ctx context.Context, key string, timeout time.Duration) (Session, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if s, ok := r.Get(key); ok {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-deadline.C:
			return Session{}, ErrWaitTimeout
		case <-ticker.C:
		}
	}
}

// Remove deletes key regardless of state. An active entry has its attached
// stream closed and its connection disposed before Remove returns. Failures are
// logged, never returned. Removing an absent key is a no-op.
func (r *Registry) Remove(ctx context.Context, key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	now := r.clock()
	r.mu.Unlock()

	if !ok {
		r.log.Debug("no session to remove", slog.String("consult_id", key))
		return
	}
	r.teardown(ctx, key, e, EventRemoved, now)
}

// RemoveIfCurrent removes key only while ticket still owns the slot.
func (r *Registry) RemoveIfCurrent(ctx context.Context, ticket Ticket) bool {
	r.mu.Lock()
	e, ok := r.entries[ticket.key]
	if !ok || e.generation != ticket.generation {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, ticket.key)
	now := r.clock()
	r.mu.Unlock()

	r.teardown(ctx, ticket.key, e, EventRemoved, now)
	return true
}

// AttachStream associates stream with the active entry for key.
func (r *Registry) AttachStream(key string, stream Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.state != StateActive {
		return false
	}
	e.stream = stream
	return true
}

// Attach associates stream with the entry only if ticket still owns it.
func (r *Registry) Attach(ticket Ticket, stream Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[ticket.key]
	if !ok || e.generation != ticket.generation {
		return ErrSuperseded
	}
	if e.state != StateActive {
		return ErrNotActive
	}
	e.stream = stream
	return nil
}

// DetachStream clears the stream handle of the active entry for key.
func (r *Registry) DetachStream(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok && e.state == StateActive {
		e.stream = nil
	}
}

// Keys lists the keys currently holding a slot, sorted.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// SweepIdle removes every entry idle for longer than maxIdle and returns how
// many were removed.
func (r *Registry) SweepIdle(ctx context.Context, maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := r.clock()

	r.mu.Lock()
	stale := make(map[string]*entry)
	for key, e := range r.entries {
		if now.Sub(e.lastActivity) > maxIdle {
			stale[key] = e
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for key, e := range stale {
		r.log.Info("evicting idle session", slog.String("consult_id", key), slog.String("state", e.state.String()))
		r.teardown(ctx, key, e, EventSwept, now)
	}
	if len(stale) > 0 {
		r.swept.Add(ctx, int64(len(stale)))
	}
	return len(stale)
}

// Run sweeps idle sessions every interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepIdle(ctx, maxIdle)
		}
	}
}

// Close removes every session and waits for background disposals.
func (r *Registry) Close(ctx context.Context) {
	for _, key := range r.Keys() {
		r.Remove(ctx, key)
	}
	r.disposals.Wait()
}

func (r *Registry) teardown(ctx context.Context, key string, e *entry, kind EventType, at time.Time) {
	r.log.Info("removing session", slog.String("consult_id", key), slog.String("state", e.state.String()))
	r.notify(Event{Key: key, Type: kind, Generation: e.generation, State: e.state.String(), At: at})
	if e.state != StateActive {
		return
	}
	r.closeStream(key, e.stream)
	r.dispose(ctx, key, e.generation, e.conn)
}

func (r *Registry) closeStream(key string, stream Stream) {
	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		r.log.Debug("error closing attached stream", slog.String("consult_id", key), slogError(err))
	}
}

func (r *Registry) dispose(ctx context.Context, key string, generation uint64, conn Connection) {
	if conn == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, r.disposeTimeout)
	defer cancel()

	if err := conn.Dispose(ctx); err != nil {
		r.log.Error("error disposing voice session", slog.String("consult_id", key), slogError(err))
		r.disposeFailed.Add(ctx, 1)
		r.notify(Event{Key: key, Type: EventDisposeFailed, Generation: generation, Detail: err.Error()})
		return
	}
	r.log.Debug("disposed voice session", slog.String("consult_id", key), slog.Uint64("generation", generation))
}

func (r *Registry) disposeAsync(key string, generation uint64, conn Connection) {
	if conn == nil {
		return
	}
	r.disposals.Add(1)
	go func() {
		defer r.disposals.Done()
		r.dispose(context.Background(), key, generation, conn)
	}()
}

func (r *Registry) notify(evt Event) {
	if r.observer == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = r.clock()
	}
	evt.At = evt.At.UTC()
	r.observer.SessionEvent(evt)
}

func (r *Registry) initMetrics() error {
	reserved, err := r.meter.Int64ObservableGauge("relay.sessions.reserved", metric.WithDescription("Consult keys holding a reservation"))
	if err != nil {
		return err
	}
	active, err := r.meter.Int64ObservableGauge("relay.sessions.active", metric.WithDescription("Consult keys with a live voice session"))
	if err != nil {
		return err
	}
	raceLost, err := r.meter.Int64Counter("relay.sessions.race_lost", metric.WithDescription("Registrations rejected by a newer reservation"))
	if err != nil {
		return err
	}
	disposeFailed, err := r.meter.Int64Counter("relay.sessions.dispose_failed", metric.WithDescription("Voice connections that failed to dispose"))
	if err != nil {
		return err
	}
	swept, err := r.meter.Int64Counter("relay.sessions.swept", metric.WithDescription("Sessions evicted for inactivity"))
	if err != nil {
		return err
	}
	r.raceLost, r.disposeFailed, r.swept = raceLost, disposeFailed, swept
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		res, act := r.snapshotCounts()
		obs.ObserveInt64(reserved, res)
		obs.ObserveInt64(active, act)
		return nil
	}, reserved, active)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reserved, active int64
	for _, e := range r.entries {
		switch e.state {
		case StateReserved:
			reserved++
		case StateActive:
			active++
		}
	}
	return reserved, active
}

func snapshot(key string, e *entry) Session {
	return Session{
		Key:            key,
		Generation:     e.generation,
		Conn:           e.conn,
		LastActivity:   e.lastActivity,
		StreamAttached: e.stream != nil,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
