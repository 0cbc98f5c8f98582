package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/consult-voice/internal/consult"
)

// Ticket lets a browser open its own realtime conversation about a consult
// without seeing the service key.
type Ticket struct {
	ClientSecret string `json:"clientSecret"`
	SessionID    string `json:"sessionId,omitempty"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
	BaseURL      string `json:"baseUrl"`
	APIVersion   string `json:"apiVersion"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
}

// TicketIssuer creates ephemeral realtime sessions configured for a consult.
type TicketIssuer struct {
	cfg     RealtimeConfig
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// NewTicketIssuer validates cfg. A nil client gets one bounded by
// cfg.ConnectTimeout.
func NewTicketIssuer(cfg RealtimeConfig, client *http.Client, log *slog.Logger) (*TicketIssuer, error) {
	base := strings.TrimRight(cfg.Endpoint, "/")
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return nil, fmt.Errorf("invalid realtime endpoint %q", cfg.Endpoint)
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
	if client == nil {
		client = &http.Client{Timeout: cfg.ConnectTimeout}
	}
	return &TicketIssuer{
		cfg:     cfg,
		baseURL: base,
		client:  client,
		log:     log.With(slog.String("component", "voice-tickets")),
	}, nil
}

type sessionResponse struct {
	ID           string          `json:"id"`
	ExpiresAt    int64           `json:"expires_at"`
	ClientSecret json.RawMessage `json:"client_secret"`
}

// Issue requests a realtime session carrying the consult's instructions.
func (i *TicketIssuer) Issue(ctx context.Context, c consult.Consult) (Ticket, error) {
	payload := sessionSettings(i.cfg, c)
	payload["model"] = i.cfg.Model
	body, err := json.Marshal(payload)
	if err != nil {
		return Ticket{}, fmt.Errorf("encode session request: %w", err)
	}

	endpoint := i.baseURL + "/openai/realtime/sessions?api-version=" + url.QueryEscape(i.cfg.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Ticket{}, fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("api-key", i.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return Ticket{}, fmt.Errorf("create realtime session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Ticket{}, fmt.Errorf("create realtime session: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Ticket{}, fmt.Errorf("decode session response: %w", err)
	}
	secret := clientSecret(out.ClientSecret)
	if secret == "" {
		return Ticket{}, errors.New("realtime session did not return a client secret")
	}

	i.log.Info("issued voice ticket", slog.String("consult_id", c.ID), slog.String("session_id", out.ID))
	return Ticket{
		ClientSecret: secret,
		SessionID:    out.ID,
		ExpiresAt:    out.ExpiresAt,
		BaseURL:      i.baseURL,
		APIVersion:   i.cfg.APIVersion,
		Model:        i.cfg.Model,
		Voice:        i.cfg.Voice,
	}, nil
}

// clientSecret accepts both {"value": "..."} and a bare string.
func clientSecret(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var wrapped struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Value != "" {
		return wrapped.Value
	}
	var plain string
	if err := json.Unmarshal(raw, &plain); err == nil {
		return plain
	}
	return ""
}
