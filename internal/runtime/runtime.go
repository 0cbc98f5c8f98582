package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/loqalabs/consult-voice/internal/bus"
	"github.com/loqalabs/consult-voice/internal/config"
	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/loqalabs/consult-voice/internal/eventstore"
	"github.com/loqalabs/consult-voice/internal/journal"
	"github.com/loqalabs/consult-voice/internal/natsserver"
	"github.com/loqalabs/consult-voice/internal/relay"
	"github.com/loqalabs/consult-voice/internal/session"
	"github.com/loqalabs/consult-voice/internal/voice"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 10 * time.Second
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	metricsHandler http.Handler
	ready          atomic.Bool
	wg             sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	consults *consult.Store
	events   *eventstore.Store
	journal  *journal.Journal
	registry *session.Registry
	ingestor *consult.Ingestor
	relay    *relay.Handler
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.init(ctx); err != nil {
		r.shutdown(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	// Shutdown does not cancel request contexts; closing every session ends the
	// attached event streams so voice-listen handlers return.
	sessionsClosed := make(chan struct{})
	r.httpServer.RegisterOnShutdown(func() {
		defer close(sessionsClosed)
		closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelClose()
		r.registry.Close(closeCtx)
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.registry.Run(ctx,
			time.Duration(r.cfg.Relay.SweepIntervalMS)*time.Millisecond,
			time.Duration(r.cfg.Relay.IdleTimeoutMS)*time.Millisecond)
	}()
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("voice_mode", r.cfg.Voice.Mode))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := r.httpServer.Shutdown(httpCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelCleanup()
	select {
	case <-sessionsClosed:
	case <-cleanupCtx.Done():
	}
	r.shutdown(cleanupCtx)
	return nil
}

// init opens every component the HTTP surface depends on.
func (r *Runtime) init(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	r.consults, err = consult.Open(ctx, r.cfg.ConsultStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open consult store: %w", err)
	}
	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}

	var publisher journal.Publisher
	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
		publisher = r.bus
	}
	r.journal = journal.New(r.events, publisher, 0, r.logger)

	r.registry = session.NewRegistry(r.logger,
		session.WithObserver(r.journal),
		session.WithPollInterval(time.Duration(r.cfg.Relay.WaitPollMS)*time.Millisecond),
	)

	engine, err := voice.New(r.cfg.Voice, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create voice engine: %w", err)
	}

	if r.bus != nil {
		r.ingestor = consult.NewIngestor(r.consults, r.logger)
		if err := r.ingestor.Start(r.bus); err != nil {
			return fmt.Errorf("failed to start consult ingest: %w", err)
		}
	}

	opts := []relay.Option{relay.WithEvents(r.events)}
	if r.cfg.Voice.Endpoint != "" && r.cfg.Voice.APIKey != "" {
		tickets, err := voice.NewTicketIssuer(voice.RealtimeConfigFrom(r.cfg.Voice), nil, r.logger)
		if err != nil {
			r.logger.Warn("voice tickets disabled", slog.String("error", err.Error()))
		} else {
			opts = append(opts, relay.WithTickets(tickets))
		}
	}
	r.relay = relay.NewHandler(relay.ConfigFrom(r.cfg), r.consults, r.registry, engine, r.logger, opts...)
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.embedded = embedded
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

// Handler routes health, metrics and the relay endpoints.
func (r *Runtime) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		router.Method(http.MethodGet, "/metrics", r.metricsHandler)
	}
	r.relay.Routes(router)
	return router
}

// shutdown releases components in reverse dependency order. Components that
// were never opened are skipped.
func (r *Runtime) shutdown(ctx context.Context) {
	if r.registry != nil {
		r.registry.Close(ctx)
	}
	if r.relay != nil {
		r.relay.Wait()
	}
	if r.journal != nil {
		r.journal.Close(ctx)
	}
	if r.ingestor != nil {
		r.ingestor.Stop()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.consults != nil {
		if err := r.consults.Close(); err != nil {
			r.logger.Error("consult store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
