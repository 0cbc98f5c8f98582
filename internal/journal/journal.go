package journal

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/consult-voice/internal/eventstore"
	"github.com/loqalabs/consult-voice/internal/protocol"
	"github.com/loqalabs/consult-voice/internal/session"
)

// Publisher sends session events onto the bus. *bus.Client satisfies it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Recorder persists session events. *eventstore.Store satisfies it.
type Recorder interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Journal records registry lifecycle events off the request path. Events are
// queued to a bounded buffer and dropped when it is full, so a slow store or
// broker never stalls the registry.
type Journal struct {
	store Recorder
	pub   Publisher
	log   *slog.Logger

	events  chan session.Event
	dropped atomic.Int64

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

// New starts the journal worker. Either store or pub may be nil.
func New(store Recorder, pub Publisher, buffer int, log *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	j := &Journal{
		store:   store,
		pub:     pub,
		log:     log.With(slog.String("component", "session-journal")),
		events:  make(chan session.Event, buffer),
		closing: make(chan struct{}),
	}
	j.wg.Add(1)
	go j.run()
	return j
}

// SessionEvent implements session.Observer.
func (j *Journal) SessionEvent(evt session.Event) {
	select {
	case <-j.closing:
		return
	default:
	}
	select {
	case j.events <- evt:
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			j.log.Warn("journal buffer full, dropping session events", slog.Int64("dropped", n))
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be written.
func (j *Journal) Close(ctx context.Context) {
	j.closeOnce.Do(func() { close(j.closing) })
	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		j.log.Warn("journal close timed out with events pending", slog.Int("pending", len(j.events)))
	}
}

func (j *Journal) run() {
	defer j.wg.Done()
	for {
		select {
		case evt := <-j.events:
			j.write(evt)
		case <-j.closing:
			for {
				select {
				case evt := <-j.events:
					j.write(evt)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(evt session.Event) {
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	if j.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := j.store.AppendEvent(ctx, eventstore.Event{
			ConsultID:  evt.Key,
			Generation: evt.Generation,
			Type:       string(evt.Type),
			State:      evt.State,
			Detail:     evt.Detail,
			CreatedAt:  at,
		})
		cancel()
		if err != nil {
			j.log.Warn("failed to record session event",
				slog.String("consult_id", evt.Key),
				slog.String("type", string(evt.Type)),
				slog.String("error", err.Error()))
		}
	}
	if j.pub != nil {
		msg := protocol.SessionEvent{
			ID:         uuid.NewString(),
			ConsultID:  evt.Key,
			Type:       string(evt.Type),
			Generation: evt.Generation,
			State:      evt.State,
			Detail:     evt.Detail,
			Timestamp:  at.UTC(),
		}
		if err := j.pub.PublishJSON(protocol.SessionSubject(msg.Type), msg); err != nil {
			j.log.Warn("failed to publish session event",
				slog.String("consult_id", evt.Key),
				slog.String("error", err.Error()))
		}
	}
}
