package stream

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenWritesHeadersAndKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	c, err := Open(rec, Config{KeepAliveInterval: time.Hour}, newLogger())
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache, no-transform", rec.Header().Get("Cache-Control"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))
	require.True(t, strings.HasPrefix(rec.Body.String(), ": keep-alive\n\n"))
}

func TestEmitFramesJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	c, err := Open(rec, Config{KeepAliveInterval: time.Hour}, newLogger())
	require.NoError(t, err)

	require.NoError(t, c.Emit(ReadyEvent()))
	require.NoError(t, c.Emit(AudioEvent("AAE=")))
	require.NoError(t, c.Emit(ClearEvent()))
	require.NoError(t, c.Close())

	want := ": keep-alive\n\n" +
		`data: {"t":"ready"}` + "\n\n" +
		`data: {"t":"audio","d":"AAE="}` + "\n\n" +
		`data: {"t":"clear"}` + "\n\n"
	require.Equal(t, want, rec.Body.String())
}

func TestEmitAfterCloseFails(t *testing.T) {
	rec := httptest.NewRecorder()
	c, err := Open(rec, Config{KeepAliveInterval: time.Hour}, newLogger())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	require.ErrorIs(t, c.Emit(ReadyEvent()), ErrClosed)
	require.True(t, c.Closed())
}

func TestServerCloseDoesNotFireCancel(t *testing.T) {
	rec := httptest.NewRecorder()
	c, err := Open(rec, Config{KeepAliveInterval: time.Hour}, newLogger())
	require.NoError(t, err)

	var fired atomic.Int32
	c.OnCancel(func() { fired.Add(1) })

	go func() { _ = c.Close() }()
	c.Serve(context.Background())
	require.Zero(t, fired.Load())
}

func TestConsumerDisconnectFiresCancelOnce(t *testing.T) {
	rec := httptest.NewRecorder()
	c, err := Open(rec, Config{KeepAliveInterval: time.Hour}, newLogger())
	require.NoError(t, err)

	var fired atomic.Int32
	c.OnCancel(func() { fired.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.Serve(ctx)
	c.fireCancel()

	require.EqualValues(t, 1, fired.Load())
	require.ErrorIs(t, c.Emit(ReadyEvent()), ErrClosed)

	// hooks registered after the fact run immediately
	c.OnCancel(func() { fired.Add(1) })
	require.EqualValues(t, 2, fired.Load())
}

func TestKeepAliveOverRealConnection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Open(w, Config{KeepAliveInterval: 20 * time.Millisecond}, newLogger())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		c.Serve(r.Context())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	comments := 0
	for comments < 3 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == ": keep-alive\n" {
			comments++
		}
	}
}

func TestKeepAliveRunsActivityHook(t *testing.T) {
	rec := httptest.NewRecorder()
	c, err := Open(rec, Config{KeepAliveInterval: 5 * time.Millisecond}, newLogger())
	require.NoError(t, err)
	defer c.Close()

	var beats atomic.Int32
	c.OnKeepAlive(func() { beats.Add(1) })
	require.Eventually(t, func() bool { return beats.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	time.Sleep(10 * time.Millisecond)
	settled := beats.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, settled, beats.Load())
}
