package voice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/consult-voice/internal/config"
	"github.com/loqalabs/consult-voice/internal/consult"
)

// Callbacks receive engine output. Both may be invoked from engine-owned
// goroutines and must not block for long.
type Callbacks struct {
	// OnAudioData delivers raw mono pcm16 little-endian audio.
	OnAudioData func(pcm []byte)
	// OnInputStarted signals that the listener began speaking (barge-in).
	OnInputStarted func()
}

func (c Callbacks) audio(pcm []byte) {
	if c.OnAudioData != nil && len(pcm) > 0 {
		c.OnAudioData(pcm)
	}
}

func (c Callbacks) inputStarted() {
	if c.OnInputStarted != nil {
		c.OnInputStarted()
	}
}

// Connection is a live engine conversation. Dispose is idempotent.
type Connection interface {
	Dispose(ctx context.Context) error
}

// Engine opens voice conversations about a consult.
type Engine interface {
	Connect(ctx context.Context, c consult.Consult, cb Callbacks) (Connection, error)
}

// New builds the engine selected by cfg.Mode.
func New(cfg config.VoiceConfig, log *slog.Logger) (Engine, error) {
	log = log.With(slog.String("component", "voice-engine"), slog.String("mode", cfg.Mode))
	switch cfg.Mode {
	case "", "mock":
		return NewMock(MockConfig{
			SampleRate: cfg.SampleRate,
			ToneHz:     cfg.MockToneHz,
			WAVPath:    cfg.MockWAV,
		}, log)
	case "exec":
		return NewExec(cfg.Command, ExecOptions{
			Voice:      cfg.Voice,
			Language:   cfg.Language,
			SampleRate: cfg.SampleRate,
		}, log)
	case "realtime":
		return NewRealtime(RealtimeConfigFrom(cfg), log)
	default:
		return nil, fmt.Errorf("unknown voice mode %q", cfg.Mode)
	}
}

// RealtimeConfigFrom maps the voice section onto realtime service settings.
func RealtimeConfigFrom(cfg config.VoiceConfig) RealtimeConfig {
	return RealtimeConfig{
		Endpoint:       cfg.Endpoint,
		APIVersion:     cfg.APIVersion,
		Model:          cfg.Model,
		Voice:          cfg.Voice,
		APIKey:         cfg.APIKey,
		Language:       cfg.Language,
		SampleRate:     cfg.SampleRate,
		ConnectTimeout: time.Duration(cfg.ConnectTimeoutMS) * time.Millisecond,
	}
}
