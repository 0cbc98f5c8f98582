package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/loqalabs/consult-voice/internal/audio"
	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/loqalabs/consult-voice/internal/session"
	"github.com/loqalabs/consult-voice/internal/stream"
	"github.com/loqalabs/consult-voice/internal/voice"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// VoiceListen streams a live voice conversation about one consult as
// server-sent events. Only one session exists per consult: a new listener
// replaces the previous one.
func (h *Handler) VoiceListen(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing consult id")
		return
	}
	log := h.log.With(slog.String("consult_id", id), slog.String("stream_id", uuid.NewString()))

	if h.cfg.DebugStreamID != "" && id == h.cfg.DebugStreamID {
		h.debugStream(w, r, log)
		return
	}

	c, err := h.lookup(r.Context(), id)
	if errors.Is(err, consult.ErrNotFound) {
		log.Info("consult not found")
		writeError(w, http.StatusNotFound, "Consult not found")
		return
	}
	if err != nil {
		log.Error("load consult failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	ctx, span := h.tracer.Start(r.Context(), "voice.listen", trace.WithAttributes(attribute.String("consult.id", id)))
	ctrl, err := stream.Open(w, stream.Config{KeepAliveInterval: h.cfg.KeepAliveInterval, WriteTimeout: h.cfg.WriteTimeout}, log)
	if err != nil {
		span.RecordError(err)
		span.End()
		log.Error("open event stream failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	pacer := audio.NewPacer(ctrl, audio.PacerConfig{ChunkBytes: h.cfg.ChunkBytes, FlushInterval: h.cfg.FlushInterval}, log)
	defer pacer.Stop()

	ticket, ok := h.setup(ctx, id, c, ctrl, pacer, log)
	if !ok {
		span.SetStatus(codes.Error, "voice session setup failed")
		span.End()
		return
	}
	span.SetAttributes(attribute.Int64("session.generation", int64(ticket.Generation())))
	span.End()

	log.Info("voice session streaming", slog.Uint64("generation", ticket.Generation()))
	ctrl.Serve(r.Context())
	log.Info("voice stream ended", slog.Uint64("generation", ticket.Generation()))
}

// setup reserves the slot, connects the engine and attaches the stream. It
// reports false when the stream was ended instead.
func (h *Handler) setup(ctx context.Context, id string, c consult.Consult, ctrl *stream.Controller, pacer *audio.Pacer, log *slog.Logger) (session.Ticket, bool) {
	cleanupCtx := context.WithoutCancel(ctx)

	// A previous listener's session for this consult is torn down first.
	h.registry.Remove(cleanupCtx, id)
	ticket := h.registry.Reserve(id)

	ctrl.OnCancel(func() {
		pacer.Stop()
		h.cleanups.Add(1)
		go func() {
			defer h.cleanups.Done()
			if h.registry.RemoveIfCurrent(cleanupCtx, ticket) {
				log.Info("listener disconnected, session removed", slog.Uint64("generation", ticket.Generation()))
			}
		}()
	})

	connectCtx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	conn, err := h.engine.Connect(connectCtx, c, voice.Callbacks{
		OnAudioData: func(pcm []byte) {
			h.registry.Touch(ticket)
			pacer.OnAudio(pcm)
		},
		OnInputStarted: pacer.OnUtteranceStart,
	})
	cancel()
	if err != nil {
		// The reservation holds nothing disposable; the next Remove or the idle
		// sweep clears it.
		log.Error("voice engine setup failed", slogError(err))
		trace.SpanFromContext(ctx).RecordError(err)
		ctrl.Fail("Voice session setup failed")
		return ticket, false
	}

	if err := h.registry.Register(id, conn, ticket); err != nil {
		log.Info("voice session superseded before it became active", slog.Uint64("generation", ticket.Generation()))
		_ = ctrl.Close()
		return ticket, false
	}
	if err := h.registry.Attach(ticket, ctrl); err != nil {
		// Removed between Register and Attach; whoever removed it disposed conn.
		log.Info("voice session removed during setup", slogError(err))
		_ = ctrl.Close()
		return ticket, false
	}
	// A connected listener counts as activity even while the engine is silent.
	ctrl.OnKeepAlive(func() { h.registry.Touch(ticket) })

	if err := ctrl.Emit(stream.ReadyEvent()); err != nil {
		return ticket, false
	}
	pacer.Start()
	return ticket, true
}

type debugFrame struct {
	Count int    `json:"count"`
	TS    string `json:"ts"`
}

// debugStream emits a fixed sequence of numbered frames and closes, exercising
// the event-stream path without the store, the engine or the registry.
func (h *Handler) debugStream(w http.ResponseWriter, r *http.Request, log *slog.Logger) {
	ctrl, err := stream.Open(w, stream.Config{KeepAliveInterval: h.cfg.KeepAliveInterval, WriteTimeout: h.cfg.WriteTimeout}, log)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer ctrl.Close()

	ticker := time.NewTicker(h.cfg.DebugInterval)
	defer ticker.Stop()

	for i := 0; i < h.cfg.DebugFrames; i++ {
		frame := debugFrame{Count: i, TS: h.clock().UTC().Format(time.RFC3339Nano)}
		if err := ctrl.Emit(frame); err != nil {
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
	log.Debug("debug stream complete")
}
