package voice

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/loqalabs/consult-voice/internal/consult"
	"github.com/mattn/go-shellwords"
)

type ExecOptions struct {
	Voice      string
	Language   string
	SampleRate int
}

// execEngine runs one child process per conversation. The process receives an
// execRequest on stdin and streams execEvent lines on stdout until killed.
type execEngine struct {
	cmd  []string
	opts ExecOptions
	log  *slog.Logger
}

type execRequest struct {
	ConsultID    string `json:"consult_id"`
	Instructions string `json:"instructions"`
	Voice        string `json:"voice"`
	Language     string `json:"language"`
	SampleRate   int    `json:"sample_rate"`
}

type execEvent struct {
	Type      string `json:"type"`
	PCMBase64 string `json:"pcm_base64,omitempty"`
	Message   string `json:"message,omitempty"`
}

func NewExec(command string, opts ExecOptions, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse voice command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("voice command empty")
	}
	return &execEngine{cmd: args, opts: opts, log: log}, nil
}

func (e *execEngine) Connect(ctx context.Context, c consult.Consult, cb Callbacks) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(execRequest{
		ConsultID:    c.ID,
		Instructions: Instructions(c),
		Voice:        e.opts.Voice,
		Language:     e.opts.Language,
		SampleRate:   e.opts.SampleRate,
	})
	if err != nil {
		return nil, err
	}

	// The process outlives the connect context; Dispose owns its lifetime.
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start voice command: %w", err)
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, fmt.Errorf("write voice request: %w", err)
	}
	stdin.Close()

	conn := &execConn{cmd: cmd, cancel: cancel, done: make(chan struct{}), log: e.log.With(slog.String("consult_id", c.ID))}
	go conn.read(stdout, cb)
	return conn, nil
}

type execConn struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	log    *slog.Logger

	done    chan struct{}
	waitErr error

	once sync.Once
}

func (c *execConn) read(stdout io.Reader, cb Callbacks) {
	defer close(c.done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt execEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			c.log.Warn("voice command wrote invalid event", slog.String("error", err.Error()))
			continue
		}
		switch evt.Type {
		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(evt.PCMBase64)
			if err != nil {
				c.log.Warn("voice command wrote invalid audio", slog.String("error", err.Error()))
				continue
			}
			cb.audio(pcm)
		case "input_started":
			cb.inputStarted()
		case "error":
			c.log.Error("voice command reported error", slog.String("message", evt.Message))
		default:
			c.log.Debug("ignoring voice command event", slog.String("type", evt.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("voice command output closed", slog.String("error", err.Error()))
	}
	c.waitErr = c.cmd.Wait()
}

// Dispose kills the process and waits for it to exit.
func (c *execConn) Dispose(ctx context.Context) error {
	c.once.Do(c.cancel)
	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if c.waitErr != nil && !errors.As(c.waitErr, &exitErr) {
		return c.waitErr
	}
	return nil
}
