package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/consult-voice/internal/consult"
)

type RealtimeConfig struct {
	// Endpoint is the service base URL, e.g. https://<resource>.cognitiveservices.azure.com.
	Endpoint       string
	APIVersion     string
	Model          string
	Voice          string
	APIKey         string
	Language       string
	SampleRate     int
	ConnectTimeout time.Duration
}

// realtimeEngine talks to a realtime voice service over a websocket using the
// session.update / response.create event protocol.
type realtimeEngine struct {
	cfg    RealtimeConfig
	wsURL  string
	dialer *websocket.Dialer
	log    *slog.Logger
}

func NewRealtime(cfg RealtimeConfig, log *slog.Logger) (Engine, error) {
	wsURL, err := realtimeURL(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.APIKey == "" {
		return nil, errors.New("realtime voice api key is empty")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &realtimeEngine{
		cfg:    cfg,
		wsURL:  wsURL,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		log:    log,
	}, nil
}

func realtimeURL(cfg RealtimeConfig) (string, error) {
	u, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid realtime endpoint %q", cfg.Endpoint)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported realtime endpoint scheme %q", u.Scheme)
	}
	u.Path += "/voice-live/realtime"
	q := u.Query()
	q.Set("api-version", cfg.APIVersion)
	q.Set("model", cfg.Model)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type realtimeEvent struct {
	Type  string         `json:"type"`
	Delta string         `json:"delta,omitempty"`
	Error *realtimeError `json:"error,omitempty"`
}

type realtimeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sessionSettings is the conversation setup shared by the websocket
// session.update and the ticket request.
func sessionSettings(cfg RealtimeConfig, c consult.Consult) map[string]any {
	return map[string]any{
		"modalities":   []string{"text", "audio"},
		"instructions": Instructions(c),
		"voice": map[string]any{
			"type": "azure-standard",
			"name": cfg.Voice,
		},
		"input_audio_format":          "pcm16",
		"output_audio_format":         "pcm16",
		"input_audio_sampling_rate":   cfg.SampleRate,
		"input_audio_noise_reduction": map[string]any{"type": "azure_deep_noise_suppression"},
		"input_audio_echo_cancellation": map[string]any{
			"type": "server_echo_cancellation",
		},
		"input_audio_transcription": map[string]any{
			"model":    "azure-speech",
			"language": cfg.Language,
		},
		"turn_detection": map[string]any{
			"type":                "server_vad",
			"threshold":           0.5,
			"prefix_padding_ms":   300,
			"silence_duration_ms": 400,
			"create_response":     true,
			"interrupt_response":  true,
		},
	}
}

func (e *realtimeEngine) sessionUpdate(c consult.Consult) map[string]any {
	return map[string]any{
		"type":    "session.update",
		"session": sessionSettings(e.cfg, c),
	}
}

func (e *realtimeEngine) Connect(ctx context.Context, c consult.Consult, cb Callbacks) (Connection, error) {
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, e.cfg.ConnectTimeout)
		defer cancel()
	}

	headers := make(http.Header)
	headers.Set("api-key", e.cfg.APIKey)
	ws, resp, err := e.dialer.DialContext(dialCtx, e.wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	if err := ws.WriteJSON(e.sessionUpdate(c)); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send session.update: %w", err)
	}
	if err := awaitSessionUpdated(dialCtx, ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	if err := ws.WriteJSON(map[string]any{"type": "response.create"}); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("send response.create: %w", err)
	}

	conn := &realtimeConn{ws: ws, done: make(chan struct{}), log: e.log.With(slog.String("consult_id", c.ID))}
	go conn.readLoop(cb)
	return conn, nil
}

// awaitSessionUpdated reads until the service acknowledges the session
// configuration, failing on an error event or when ctx expires.
func awaitSessionUpdated(ctx context.Context, ws *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
		defer ws.SetReadDeadline(time.Time{})
	}
	for {
		var evt realtimeEvent
		if err := ws.ReadJSON(&evt); err != nil {
			return fmt.Errorf("await session.updated: %w", err)
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			msg := "unknown error"
			if evt.Error != nil {
				msg = evt.Error.Message
			}
			return fmt.Errorf("realtime session rejected: %s", msg)
		}
	}
}

type realtimeConn struct {
	ws  *websocket.Conn
	log *slog.Logger

	once sync.Once
	done chan struct{}
}

func (c *realtimeConn) readLoop(cb Callbacks) {
	defer close(c.done)
	for {
		var evt realtimeEvent
		if err := c.ws.ReadJSON(&evt); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("realtime read loop ended", slog.String("error", err.Error()))
			}
			return
		}
		switch evt.Type {
		case "response.audio.delta":
			pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
			if err != nil {
				c.log.Warn("invalid audio delta", slog.String("error", err.Error()))
				continue
			}
			cb.audio(pcm)
		case "input_audio_buffer.speech_started":
			cb.inputStarted()
		case "error":
			if evt.Error != nil {
				c.log.Error("realtime service error",
					slog.String("code", evt.Error.Code),
					slog.String("message", evt.Error.Message))
			}
		}
	}
}

// Dispose sends a close frame and waits for the read loop to finish.
func (c *realtimeConn) Dispose(ctx context.Context) error {
	var closeErr error
	c.once.Do(func() {
		select {
		case <-c.done:
			// The service already hung up.
			_ = c.ws.Close()
			return
		default:
		}
		err := c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"), time.Now().Add(time.Second))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			closeErr = err
		}
		select {
		case <-c.done:
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		if err := c.ws.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	<-c.done
	return closeErr
}
