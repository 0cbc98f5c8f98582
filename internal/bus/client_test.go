package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/consult-voice/internal/config"
	"github.com/loqalabs/consult-voice/internal/natsserver"
	"github.com/loqalabs/consult-voice/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), config.BusConfig{}, newLogger())
	require.Error(t, err)
}

func TestPublishJSONRoundTrip(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.True(t, client.Healthy())

	received := make(chan protocol.SessionEvent, 1)
	_, err = client.Subscribe(protocol.SubjectSessionEventPrefix+".>", func(msg *nats.Msg) {
		var evt protocol.SessionEvent
		if json.Unmarshal(msg.Data, &evt) == nil {
			received <- evt
		}
	})
	require.NoError(t, err)
	require.NoError(t, client.Flush(context.Background()))

	sent := protocol.SessionEvent{ID: "e1", ConsultID: "7-3", Type: "registered", Generation: 4}
	require.NoError(t, client.PublishJSON(protocol.SessionSubject("registered"), sent))

	select {
	case got := <-received:
		require.Equal(t, sent.ConsultID, got.ConsultID)
		require.Equal(t, sent.Generation, got.Generation)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session event")
	}
}

func TestFlushWithoutDeadline(t *testing.T) {
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	require.NoError(t, client.Flush(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, client.Flush(ctx))
}
