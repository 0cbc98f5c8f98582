package audio

import (
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/consult-voice/internal/stream"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type captureSink struct {
	mu     sync.Mutex
	events []stream.Event
	err    error
}

func (s *captureSink) Emit(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt, ok := v.(stream.Event); ok {
		s.events = append(s.events, evt)
	}
	return s.err
}

func (s *captureSink) snapshot() []stream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Event(nil), s.events...)
}

func decode(t *testing.T, evt stream.Event) []byte {
	t.Helper()
	require.Equal(t, stream.TypeAudio, evt.T)
	b, err := base64.StdEncoding.DecodeString(evt.D)
	require.NoError(t, err)
	return b
}

func seq(start, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(start + i)
	}
	return out
}

func started(t *testing.T, sink Sink, cfg PacerConfig) *Pacer {
	t.Helper()
	p := NewPacer(sink, cfg, newLogger())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestThresholdFlushPreservesOrder(t *testing.T) {
	sink := &captureSink{}
	p := started(t, sink, PacerConfig{ChunkBytes: 8, FlushInterval: time.Hour})

	p.OnAudio(seq(0, 3))
	p.OnAudio(seq(3, 3))
	require.Empty(t, sink.snapshot())

	p.OnAudio(seq(6, 2))
	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, seq(0, 8), decode(t, events[0]))
	require.Zero(t, p.Buffered())
}

func TestOversizedAppendEmitsEverything(t *testing.T) {
	sink := &captureSink{}
	p := started(t, sink, PacerConfig{ChunkBytes: 4, FlushInterval: time.Hour})

	p.OnAudio(seq(0, 10))
	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, seq(0, 10), decode(t, events[0]))
}

func TestTickFlushesPartialChunk(t *testing.T) {
	sink := &captureSink{}
	p := NewPacer(sink, PacerConfig{ChunkBytes: 4096, FlushInterval: 10 * time.Millisecond}, newLogger())
	p.Start()
	defer p.Stop()

	p.OnAudio(seq(0, 100))
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, seq(0, 100), decode(t, sink.snapshot()[0]))
}

func TestFlushOnEmptyBufferEmitsNothing(t *testing.T) {
	sink := &captureSink{}
	p := started(t, sink, PacerConfig{ChunkBytes: 8, FlushInterval: time.Hour})
	p.Flush()
	p.OnAudio(nil)
	require.Empty(t, sink.snapshot())
}

func TestUtteranceStartDiscardsBuffer(t *testing.T) {
	sink := &captureSink{}
	p := started(t, sink, PacerConfig{ChunkBytes: 8, FlushInterval: time.Hour})

	p.OnAudio(seq(0, 5))
	p.OnUtteranceStart()
	p.Flush()

	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, stream.TypeClear, events[0].T)

	p.OnAudio(seq(50, 8))
	events = sink.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, seq(50, 8), decode(t, events[1]))
}

func TestEmitFailureStillClearsBuffer(t *testing.T) {
	sink := &captureSink{err: errors.New("consumer gone")}
	p := started(t, sink, PacerConfig{ChunkBytes: 4, FlushInterval: time.Hour})

	p.OnAudio(seq(0, 4))
	require.Zero(t, p.Buffered())
	p.OnAudio(seq(0, 2))
	require.Equal(t, 2, p.Buffered())
}

func TestStopIsAbsorbing(t *testing.T) {
	sink := &captureSink{}
	p := NewPacer(sink, PacerConfig{ChunkBytes: 4, FlushInterval: 5 * time.Millisecond}, newLogger())
	p.Start()
	p.OnAudio(seq(0, 2))
	p.Stop()
	p.Stop()

	p.OnAudio(seq(0, 8))
	p.OnUtteranceStart()
	p.Flush()
	require.Zero(t, p.Buffered())
	require.LessOrEqual(t, len(sink.snapshot()), 1)
}

func TestNothingEmittedBeforeStart(t *testing.T) {
	sink := &captureSink{}
	p := NewPacer(sink, PacerConfig{ChunkBytes: 4, FlushInterval: time.Hour}, newLogger())
	defer p.Stop()

	p.OnAudio(seq(0, 2))
	p.OnUtteranceStart()
	p.OnAudio(seq(10, 6))
	p.Flush()
	require.Empty(t, sink.snapshot())
	require.Equal(t, 6, p.Buffered())

	p.Start()
	events := sink.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, seq(10, 6), decode(t, events[0]))
}

func TestChunkBytesFor(t *testing.T) {
	require.Equal(t, 4800, ChunkBytesFor(24000, 100*time.Millisecond))
	require.Equal(t, 960, ChunkBytesFor(24000, 20*time.Millisecond))
}
