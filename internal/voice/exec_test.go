package voice

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/stretchr/testify/require"
)

// writeScript creates a fake voice bot that records its request, speaks two
// audio events around a barge-in, then idles until killed.
func writeScript(t *testing.T) (script, requestPath string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine not supported on windows")
	}
	dir := t.TempDir()
	requestPath = filepath.Join(dir, "request.json")
	script = filepath.Join(dir, "bot.sh")
	body := `#!/bin/sh
head -n 1 > "` + requestPath + `"
echo '{"type":"audio","pcm_base64":"AQID"}'
echo 'not json'
echo '{"type":"input_started"}'
echo '{"type":"audio","pcm_base64":"BAU="}'
exec sleep 60
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script, requestPath
}

func TestExecEngineStreamsEvents(t *testing.T) {
	script, requestPath := writeScript(t)
	eng, err := NewExec(script, ExecOptions{Voice: "de-DE-Seraphina", Language: "de-DE", SampleRate: 24000}, newLogger())
	require.NoError(t, err)

	rec := &capture{}
	c := consult.SystemCheck("0-0", time.Now())
	conn, err := eng.Connect(context.Background(), c, rec.callbacks())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.bytes() == 5 }, 5*time.Second, 10*time.Millisecond)
	require.EqualValues(t, 1, rec.started.Load())
	rec.mu.Lock()
	require.Equal(t, []byte{1, 2, 3, 4, 5}, rec.audio)
	rec.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Dispose(ctx))
	require.NoError(t, conn.Dispose(ctx))

	data, err := os.ReadFile(requestPath)
	require.NoError(t, err)
	var req execRequest
	require.NoError(t, json.Unmarshal(data, &req))
	require.Equal(t, "0-0", req.ConsultID)
	require.Equal(t, 24000, req.SampleRate)
	require.Contains(t, req.Instructions, "System Check")
}

func TestExecEngineRejectsEmptyCommand(t *testing.T) {
	_, err := NewExec("   ", ExecOptions{}, newLogger())
	require.Error(t, err)
	_, err = NewExec(`bot "unterminated`, ExecOptions{}, newLogger())
	require.Error(t, err)
}

func TestExecEngineStartFailure(t *testing.T) {
	eng, err := NewExec(filepath.Join(t.TempDir(), "missing-bot"), ExecOptions{}, newLogger())
	require.NoError(t, err)
	_, err = eng.Connect(context.Background(), consult.Consult{}, Callbacks{})
	require.Error(t, err)
}
