package voice

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/consult-voice/internal/consult"
)

type MockConfig struct {
	SampleRate int
	// ToneHz is the sine frequency spoken when no WAV clip is configured.
	ToneHz int
	// WAVPath names a 16-bit WAV clip to loop instead of the tone.
	WAVPath string
	// FrameInterval is the delivery cadence; each frame carries that much audio.
	FrameInterval time.Duration
	// Pause is the silence between two replays of the clip. Each replay starts
	// with an input-started signal, so listeners exercise barge-in handling.
	Pause time.Duration
}

// mockEngine speaks a fixed clip in real time and loops it until disposed.
type mockEngine struct {
	cfg  MockConfig
	clip []byte
	log  *slog.Logger
}

// NewMock builds an engine that needs no network access.
func NewMock(cfg MockConfig, log *slog.Logger) (Engine, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = 440
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	if cfg.Pause <= 0 {
		cfg.Pause = time.Second
	}

	var clip []byte
	if cfg.WAVPath != "" {
		pcm, rate, err := loadWAV(cfg.WAVPath)
		if err != nil {
			return nil, err
		}
		if rate != cfg.SampleRate {
			log.Warn("mock clip sample rate differs from engine rate",
				slog.Int("clip_rate", rate), slog.Int("engine_rate", cfg.SampleRate))
		}
		clip = pcm
	} else {
		clip = sineTone(cfg.SampleRate, cfg.ToneHz, 1500*time.Millisecond)
	}
	if len(clip) == 0 {
		return nil, errors.New("mock voice clip is empty")
	}
	return &mockEngine{cfg: cfg, clip: clip, log: log}, nil
}

func (m *mockEngine) Connect(ctx context.Context, c consult.Consult, cb Callbacks) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &mockConn{done: make(chan struct{})}
	conn.wg.Add(1)
	go m.speak(conn, cb)
	m.log.Debug("mock voice session started", slog.String("consult_id", c.ID))
	return conn, nil
}

func (m *mockEngine) speak(conn *mockConn, cb Callbacks) {
	defer conn.wg.Done()

	frame := ((m.cfg.SampleRate * int(m.cfg.FrameInterval/time.Millisecond)) / 1000) * 2
	if frame <= 0 {
		frame = 2
	}
	ticker := time.NewTicker(m.cfg.FrameInterval)
	defer ticker.Stop()

	first := true
	for {
		if !first {
			select {
			case <-conn.done:
				return
			case <-time.After(m.cfg.Pause):
			}
			cb.inputStarted()
		}
		first = false

		for off := 0; off < len(m.clip); off += frame {
			select {
			case <-conn.done:
				return
			case <-ticker.C:
			}
			end := min(off+frame, len(m.clip))
			chunk := make([]byte, end-off)
			copy(chunk, m.clip[off:end])
			cb.audio(chunk)
		}
	}
}

type mockConn struct {
	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (c *mockConn) Dispose(ctx context.Context) error {
	c.once.Do(func() { close(c.done) })
	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sineTone(sampleRate, hz int, d time.Duration) []byte {
	samples := int(int64(sampleRate) * int64(d) / int64(time.Second))
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := 0.3 * math.Sin(2*math.Pi*float64(hz)*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	return out
}

// loadWAV decodes a 16-bit WAV file into mono pcm16, keeping the first channel.
func loadWAV(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open mock clip: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("mock clip %s is not a valid wav file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode mock clip: %w", err)
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("mock clip must be 16-bit, got %d-bit", dec.BitDepth)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	frames := len(buf.Data) / channels
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(buf.Data[i*channels])))
	}
	return out, int(dec.SampleRate), nil
}
