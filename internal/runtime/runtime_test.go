package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/consult-voice/internal/config"
	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/loqalabs/consult-voice/internal/protocol"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRuntimeServesIngestedConsults(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.ConsultStore.Path = filepath.Join(dir, "consults.db")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")

	rt := New(cfg, newLogger())
	require.NoError(t, rt.init(context.Background()))
	rt.ready.Store(true)
	t.Cleanup(func() { rt.shutdown(context.Background()) })

	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	payload, err := json.Marshal(consult.Payload{
		MsgID:       3,
		ConvID:      7,
		Created:     time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC).Unix(),
		SenderEmail: "patient@example.org",
		MsgType:     "text",
		MsgText:     "Mein Knie schmerzt seit zwei Wochen.",
	})
	require.NoError(t, err)
	reply, err := rt.bus.Conn().Request(protocol.SubjectConsultIngest, payload, 2*time.Second)
	require.NoError(t, err)

	var ack protocol.IngestAck
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	require.Empty(t, ack.Error)
	require.Equal(t, "7-3", ack.Key)

	resp, err := http.Get(srv.URL + "/consults/7-3")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var c consult.Consult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	require.Equal(t, "patient@example.org", c.SenderEmail)
	require.Len(t, c.Thread, 1)
}

func TestReadyReportsStopped(t *testing.T) {
	rt := New(config.Default(), newLogger())
	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestStartReturnsPromptlyWithOpenListener(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.ConsultStore.Path = filepath.Join(dir, "consults.db")
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt := New(cfg, newLogger())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/consults/0-0/voice-listen")
	require.NoError(t, err)
	defer resp.Body.Close()

	ready := make(chan struct{})
	ended := make(chan struct{})
	go func() {
		defer close(ended)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		sawReady := false
		for scanner.Scan() {
			if !sawReady && strings.HasPrefix(scanner.Text(), `data: {"t":"ready"`) {
				sawReady = true
				close(ready)
			}
		}
	}()
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never became ready")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return while a listener was connected")
	}
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("listener stream was not closed on shutdown")
	}
}
