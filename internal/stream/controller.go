package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrClosed is returned by writes after the stream has been torn down.
var ErrClosed = errors.New("stream closed")

type Config struct {
	KeepAliveInterval time.Duration
	WriteTimeout      time.Duration
}

// Controller owns one outbound server-sent-events stream for the lifetime of a
// request. Frames are written under a mutex so callers on any goroutine can
// emit; once the stream is closed every later write reports ErrClosed.
type Controller struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	flusher http.Flusher
	cfg     Config
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	keepAliveMu sync.Mutex
	onKeepAlive func()

	cancelMu   sync.Mutex
	onCancel   []func()
	cancelOnce sync.Once
	cancelled  bool
}

// Open writes the event-stream headers and the initial keep-alive comment and
// starts the keep-alive timer. The caller must Serve or Close the controller.
func Open(w http.ResponseWriter, cfg Config, log *slog.Logger) (*Controller, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 10 * time.Second
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	c := &Controller{
		w:       w,
		rc:      http.NewResponseController(w),
		flusher: flusher,
		cfg:     cfg,
		log:     log,
		done:    make(chan struct{}),
	}
	if err := c.Comment("keep-alive"); err != nil {
		return nil, err
	}
	go c.keepAlive()
	return c, nil
}

// Emit writes v as a single `data:` frame.
func (c *Controller) Emit(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.write("data: " + string(payload) + "\n\n")
}

// Comment writes an SSE comment frame.
func (c *Controller) Comment(text string) error {
	return c.write(": " + text + "\n\n")
}

func (c *Controller) write(frame string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.rc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	_, err := c.w.Write([]byte(frame))
	if err == nil {
		c.flusher.Flush()
	}
	if err != nil {
		c.closeLocked()
	}
	c.mu.Unlock()

	if err != nil {
		// A failed write means the consumer is gone. Hooks run on their own
		// goroutine because writers may hold locks the hooks need.
		go c.fireCancel()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Fail reports err in-band and closes the stream.
func (c *Controller) Fail(message string) {
	_ = c.Emit(ErrorEvent(message))
	_ = c.Close()
}

// OnCancel registers fn to run once when the consumer disconnects. Closing the
// stream from the server side does not run cancel hooks.
func (c *Controller) OnCancel(fn func()) {
	c.cancelMu.Lock()
	if c.cancelled {
		c.cancelMu.Unlock()
		fn()
		return
	}
	c.onCancel = append(c.onCancel, fn)
	c.cancelMu.Unlock()
}

// OnKeepAlive sets fn to run after every keep-alive the consumer accepted,
// replacing any earlier fn.
func (c *Controller) OnKeepAlive(fn func()) {
	c.keepAliveMu.Lock()
	c.onKeepAlive = fn
	c.keepAliveMu.Unlock()
}

// Close ends the stream. It is safe to call repeatedly and from any goroutine.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closeLocked()
	c.mu.Unlock()
	return nil
}

func (c *Controller) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

// Done is closed once the stream has been torn down.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Closed reports whether the stream has been torn down.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Serve blocks until the stream is closed or ctx (the request context) ends.
// A ctx ending first is treated as a consumer disconnect.
func (c *Controller) Serve(ctx context.Context) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.Close()
		c.fireCancel()
	}
}

func (c *Controller) fireCancel() {
	c.cancelOnce.Do(func() {
		c.cancelMu.Lock()
		c.cancelled = true
		hooks := c.onCancel
		c.onCancel = nil
		c.cancelMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	})
}

func (c *Controller) keepAlive() {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Comment("keep-alive"); err != nil {
				c.log.Debug("keep-alive stopped", slog.String("error", err.Error()))
				return
			}
			c.keepAliveMu.Lock()
			fn := c.onKeepAlive
			c.keepAliveMu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}
