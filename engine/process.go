// Package engine executes jobs by running the flow engine as a child process.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/dispatch"
	"github.com/teranos/flowworker/pulse/job"
)

// Environment variables handed to the engine process
const (
	EnvEngineToken = "ENGINE_TOKEN"
	EnvWorkerToken = "WORKER_TOKEN"
	EnvQueueName   = "QUEUE_NAME"
)

// stderrTailBytes is how much engine stderr is kept for the error on failure
const stderrTailBytes = 2048

// ProcessExecutor runs one engine process per job. The payload is written to
// the process's stdin as JSON; a non-zero exit fails the job.
type ProcessExecutor struct {
	name    string
	args    []string
	workDir string
	logger  *zap.SugaredLogger
}

var _ dispatch.AnyExecutor = (*ProcessExecutor)(nil)

// NewProcessExecutor parses command with shell quoting rules
func NewProcessExecutor(command, workDir string, log *zap.SugaredLogger) (*ProcessExecutor, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		err = errors.Wrap(err, "failed to parse engine command")
		return nil, errors.WithDetail(err, "Command: "+command)
	}
	if len(argv) == 0 {
		return nil, errors.New("engine command cannot be empty")
	}

	return &ProcessExecutor{
		name:    argv[0],
		args:    argv[1:],
		workDir: workDir,
		logger:  logger.OrNop(log),
	}, nil
}

// Execute runs the engine for data and waits for it to exit
func (e *ProcessExecutor) Execute(ctx context.Context, data job.JobData, engineToken, workerToken string) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "failed to encode job payload")
	}

	log := logger.FromContext(ctx, e.logger)
	tail := &tailBuffer{max: stderrTailBytes}

	cmd := exec.CommandContext(ctx, e.name, e.args...)
	cmd.Dir = e.workDir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%s", EnvEngineToken, engineToken),
		fmt.Sprintf("%s=%s", EnvWorkerToken, workerToken),
		fmt.Sprintf("%s=%s", EnvQueueName, data.Queue()),
	)
	cmd.Stdout = &lineLogger{logger: log, stream: "stdout"}
	cmd.Stderr = io.MultiWriter(&lineLogger{logger: log, stream: "stderr"}, tail)

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		err = errors.Wrap(err, "engine process failed")
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", data.Queue()))
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = errors.WithDetail(err, fmt.Sprintf("Exit code: %d", exitErr.ExitCode()))
		}
		if stderr := tail.String(); stderr != "" {
			err = errors.WithDetail(err, "Stderr: "+stderr)
		}
		return err
	}

	log.Debugw("Engine process finished", logger.FieldDurationMS, elapsed.Milliseconds())
	return nil
}

// lineLogger forwards engine output to the logger one line at a time
type lineLogger struct {
	logger *zap.SugaredLogger
	stream string
	buf    strings.Builder
}

func (l *lineLogger) Write(p []byte) (n int, err error) {
	l.buf.Write(p)
	for {
		line, rest, found := strings.Cut(l.buf.String(), "\n")
		if !found {
			break
		}
		l.buf.Reset()
		l.buf.WriteString(rest)

		if line = strings.TrimSpace(line); line != "" {
			l.logger.Debugw("Engine output", "stream", l.stream, "message", line)
		}
	}
	return len(p), nil
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	max int

	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
