package audio

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/consult-voice/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Sink receives paced events. stream.Controller satisfies it.
type Sink interface {
	Emit(v any) error
}

type PacerConfig struct {
	// ChunkBytes triggers an immediate flush once reached. See ChunkBytesFor.
	ChunkBytes    int
	FlushInterval time.Duration
}

// DefaultChunkDuration is how much audio one full chunk holds unless a byte
// size is configured.
const DefaultChunkDuration = 85 * time.Millisecond

// ChunkBytesFor returns the byte size of d worth of mono pcm16 at sampleRate.
func ChunkBytesFor(sampleRate int, d time.Duration) int {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second) * 2)
	return n - n%2
}

// Pacer accumulates engine audio and emits it in bounded chunks, either when
// ChunkBytes is reached or on every FlushInterval tick. Nothing is emitted
// before Start; audio arriving earlier is held until then. Flushes happen
// under the pacer lock, so chunks reach the sink in append order.
type Pacer struct {
	sink Sink
	cfg  PacerConfig
	log  *slog.Logger

	mu      sync.Mutex
	buf     []byte
	started bool
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	bytesFlushed  metric.Int64Counter
	chunksFlushed metric.Int64Counter
}

func NewPacer(sink Sink, cfg PacerConfig, log *slog.Logger) *Pacer {
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 150 * time.Millisecond
	}
	p := &Pacer{
		sink:          sink,
		cfg:           cfg,
		log:           log,
		buf:           make([]byte, 0, cfg.ChunkBytes*2),
		stopCh:        make(chan struct{}),
		bytesFlushed:  noop.Int64Counter{},
		chunksFlushed: noop.Int64Counter{},
	}
	meter := otel.Meter("github.com/loqalabs/consult-voice/audio")
	if c, err := meter.Int64Counter("relay.audio.bytes_flushed", metric.WithDescription("PCM bytes emitted to listeners")); err == nil {
		p.bytesFlushed = c
	}
	if c, err := meter.Int64Counter("relay.audio.chunks_flushed", metric.WithDescription("Audio frames emitted to listeners")); err == nil {
		p.chunksFlushed = c
	}
	return p
}

// Start opens the pacer for emission, flushes anything held so far and
// launches the periodic flush. Later calls are no-ops.
func (p *Pacer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.flushLocked()
	p.wg.Add(1)
	go p.run()
}

// Stop halts the ticker and discards anything still buffered. Later audio is
// ignored. Safe to call more than once.
func (p *Pacer) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.buf = p.buf[:0]
		p.mu.Unlock()
		close(p.stopCh)
	})
	p.wg.Wait()
}

// OnAudio appends pcm and flushes once the chunk threshold is reached.
func (p *Pacer) OnAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.buf = append(p.buf, pcm...)
	if len(p.buf) >= p.cfg.ChunkBytes {
		p.flushLocked()
	}
}

// Flush emits whatever is buffered. Empty buffers emit nothing.
func (p *Pacer) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushLocked()
}

// OnUtteranceStart drops buffered audio without emitting it and tells the
// listener to discard what it has already queued.
func (p *Pacer) OnUtteranceStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.buf = p.buf[:0]
	if !p.started {
		// The listener has received no audio yet, so there is nothing to discard.
		return
	}
	if err := p.sink.Emit(stream.ClearEvent()); err != nil {
		p.log.Debug("clear event dropped", slog.String("error", err.Error()))
	}
}

// Buffered reports the number of bytes waiting for the next flush.
func (p *Pacer) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Pacer) flushLocked() {
	if p.stopped || !p.started || len(p.buf) == 0 {
		return
	}
	n := len(p.buf)
	payload := base64.StdEncoding.EncodeToString(p.buf)
	// Cleared before emitting so a dead sink cannot grow the buffer forever.
	p.buf = p.buf[:0]
	if err := p.sink.Emit(stream.AudioEvent(payload)); err != nil {
		p.log.Debug("audio chunk dropped", slog.Int("bytes", n), slog.String("error", err.Error()))
		return
	}
	ctx := context.Background()
	p.bytesFlushed.Add(ctx, int64(n))
	p.chunksFlushed.Add(ctx, 1)
}

func (p *Pacer) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Flush()
		}
	}
}
