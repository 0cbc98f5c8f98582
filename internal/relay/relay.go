package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/loqalabs/consult-voice/internal/audio"
	"github.com/loqalabs/consult-voice/internal/config"
	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/loqalabs/consult-voice/internal/eventstore"
	"github.com/loqalabs/consult-voice/internal/session"
	"github.com/loqalabs/consult-voice/internal/voice"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// ConsultStore is the read side of the consult store.
type ConsultStore interface {
	Get(ctx context.Context, id string) (consult.Consult, error)
	List(ctx context.Context) ([]consult.Summary, error)
}

// EventLister reads the recorded session timeline.
type EventLister interface {
	ListSessionEvents(ctx context.Context, consultID string, limit int) ([]eventstore.Event, error)
}

type Config struct {
	ChunkBytes        int
	FlushInterval     time.Duration
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
	ConnectTimeout    time.Duration
	DebugStreamID     string
	DebugInterval     time.Duration
	DebugFrames       int
	SystemCheckID     string
	DefaultWait       time.Duration
	MaxWait           time.Duration
}

// ConfigFrom maps the service configuration onto relay settings.
// A zero chunk size is derived from the voice sample rate.
func ConfigFrom(cfg config.Config) Config {
	chunk := cfg.Relay.ChunkBytes
	if chunk <= 0 && cfg.Voice.SampleRate > 0 {
		chunk = audio.ChunkBytesFor(cfg.Voice.SampleRate, audio.DefaultChunkDuration)
	}
	return Config{
		ChunkBytes:        chunk,
		FlushInterval:     time.Duration(cfg.Relay.FlushIntervalMS) * time.Millisecond,
		KeepAliveInterval: time.Duration(cfg.Relay.KeepAliveIntervalMS) * time.Millisecond,
		ConnectTimeout:    time.Duration(cfg.Voice.ConnectTimeoutMS) * time.Millisecond,
		DebugStreamID:     cfg.Relay.DebugStreamID,
		SystemCheckID:     cfg.Relay.SystemCheckID,
	}
}

func (c Config) withDefaults() Config {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 4096
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 150 * time.Millisecond
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.DebugInterval <= 0 {
		c.DebugInterval = 500 * time.Millisecond
	}
	if c.DebugFrames <= 0 {
		c.DebugFrames = 10
	}
	if c.DefaultWait <= 0 {
		c.DefaultWait = 5 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Minute
	}
	return c
}

type Option func(*Handler)

// WithEvents enables the session timeline endpoint.
func WithEvents(events EventLister) Option {
	return func(h *Handler) { h.events = events }
}

// WithTickets enables browser voice tickets issued by tickets.
func WithTickets(tickets TicketIssuer) Option {
	return func(h *Handler) { h.tickets = tickets }
}

// WithClock overrides the time source for synthetic consults and debug frames.
func WithClock(clock func() time.Time) Option {
	return func(h *Handler) { h.clock = clock }
}

// Handler serves the consult and voice session HTTP surface.
type Handler struct {
	cfg      Config
	store    ConsultStore
	events   EventLister
	tickets  TicketIssuer
	registry *session.Registry
	engine   voice.Engine
	log      *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time

	// cleanups tracks removals started by consumer disconnects.
	cleanups sync.WaitGroup
}

func NewHandler(cfg Config, store ConsultStore, registry *session.Registry, engine voice.Engine, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		engine:   engine,
		log:      log.With(slog.String("component", "voice-relay")),
		tracer:   otel.Tracer("github.com/loqalabs/consult-voice/relay"),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/consults", func(r chi.Router) {
		r.Get("/", h.ListConsults)
		r.Get("/{id}", h.GetConsult)
		r.Get("/{id}/voice-listen", h.VoiceListen)
		r.Post("/{id}/voice-ticket", h.VoiceTicket)
		r.Get("/{id}/voice-session", h.WaitSession)
		r.Delete("/{id}/voice-session", h.DeleteSession)
		r.Get("/{id}/voice-session/events", h.SessionEvents)
	})
}

// Wait blocks until background session cleanups have finished.
func (h *Handler) Wait() {
	h.cleanups.Wait()
}

func (h *Handler) ListConsults(w http.ResponseWriter, r *http.Request) {
	summaries, err := h.store.List(r.Context())
	if err != nil {
		h.log.Error("list consults failed", slogError(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if summaries == nil {
		summaries = []consult.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (h *Handler) GetConsult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing consult id")
		return
	}
	c, err := h.lookup(r.Context(), id)
	if errors.Is(err, consult.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Consult not found")
		return
	}
	if err != nil {
		h.log.Error("load consult failed", slog.String("consult_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type sessionStatus struct {
	ConsultID      string    `json:"consultId"`
	Generation     uint64    `json:"generation"`
	LastActivity   time.Time `json:"lastActivity"`
	StreamAttached bool      `json:"streamAttached"`
}

// WaitSession waits up to timeout_ms for the consult's session to become active.
func (h *Handler) WaitSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing consult id")
		return
	}
	timeout, ok := h.waitTimeout(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid timeout_ms")
		return
	}

	s, err := h.registry.WaitForActive(r.Context(), id, timeout)
	switch {
	case errors.Is(err, session.ErrWaitTimeout):
		writeError(w, http.StatusGatewayTimeout, "Voice session not ready")
	case err != nil:
		// The caller went away.
		h.log.Debug("wait for session abandoned", slog.String("consult_id", id), slogError(err))
	default:
		writeJSON(w, http.StatusOK, sessionStatus{
			ConsultID:      s.Key,
			Generation:     s.Generation,
			LastActivity:   s.LastActivity.UTC(),
			StreamAttached: s.StreamAttached,
		})
	}
}

// DeleteSession tears down the consult's session, closing its stream.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing consult id")
		return
	}
	h.registry.Remove(context.WithoutCancel(r.Context()), id)
	w.WriteHeader(http.StatusNoContent)
}

type timelineEvent struct {
	Generation uint64    `json:"generation"`
	Type       string    `json:"type"`
	State      string    `json:"state,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// SessionEvents returns the recorded lifecycle of the consult's sessions.
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing consult id")
		return
	}
	if h.events == nil {
		writeError(w, http.StatusNotFound, "Session history is disabled")
		return
	}
	events, err := h.events.ListSessionEvents(r.Context(), id, 200)
	if err != nil {
		h.log.Error("list session events failed", slog.String("consult_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	out := make([]timelineEvent, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEvent{Generation: e.Generation, Type: e.Type, State: e.State, Detail: e.Detail, At: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) waitTimeout(r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("timeout_ms")
	if raw == "" {
		return h.cfg.DefaultWait, true
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return 0, false
	}
	if ms >= int(h.cfg.MaxWait/time.Millisecond) {
		return h.cfg.MaxWait, true
	}
	return time.Duration(ms) * time.Millisecond, true
}

// lookup resolves a consult id, serving the system-check id without the store.
func (h *Handler) lookup(ctx context.Context, id string) (consult.Consult, error) {
	if h.cfg.SystemCheckID != "" && id == h.cfg.SystemCheckID {
		return consult.SystemCheck(id, h.clock()), nil
	}
	return h.store.Get(ctx, id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
