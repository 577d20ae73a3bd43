package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/batchwrap/internal/log"
	"github.com/mattjoyce/batchwrap/internal/protocol"
	"github.com/mattjoyce/batchwrap/internal/sample"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a wrapper process.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// ErrTimeout is returned when a wrapper process exceeds its per-point timeout.
var ErrTimeout = errors.New("wrapper timed out")

// Call is one evaluation request.
type Call struct {
	RunID string
	ID    int
	Dir   string
	Input sample.Point
}

// Wrapper evaluates the model on one point.
type Wrapper interface {
	Eval(ctx context.Context, call Call) (sample.Point, error)
}

// FuncWrapper evaluates points in-process. A panic is returned as an error.
type FuncWrapper func(ctx context.Context, in sample.Point) (sample.Point, error)

func (f FuncWrapper) Eval(ctx context.Context, call Call) (out sample.Point, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("wrapper panicked: %v", r)
		}
	}()
	return f(ctx, call.Input)
}

// CommandWrapper spawns an executable per point. The request is written to
// its stdin as JSON and the response read from stdout; see package protocol.
// The point is also exposed through BATCHWRAP_* environment variables for
// wrappers that do not parse the request.
type CommandWrapper struct {
	Path string
	Args []string
	// Timeout bounds one evaluation; zero means no limit.
	Timeout time.Duration
	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	logger *slog.Logger
}

// NewCommandWrapper resolves path to an absolute executable path. Relative
// paths are taken from the current directory, so isolated evaluations that
// run in per-point directories still find it.
func NewCommandWrapper(path string, args []string, timeout time.Duration) (*CommandWrapper, error) {
	if path == "" {
		return nil, errors.New("wrapper path is empty")
	}
	if !strings.ContainsRune(path, filepath.Separator) {
		if _, err := os.Stat(path); err != nil {
			resolved, lookErr := exec.LookPath(path)
			if lookErr != nil {
				return nil, fmt.Errorf("wrapper %q: %w", path, lookErr)
			}
			path = resolved
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve wrapper path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("wrapper %q: %w", abs, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("wrapper %q is not executable", abs)
	}
	return &CommandWrapper{
		Path:        abs,
		Args:        args,
		Timeout:     timeout,
		GracePeriod: terminationGracePeriod,
		logger:      log.WithComponent("wrapper"),
	}, nil
}

func (w *CommandWrapper) log() *slog.Logger {
	if w.logger == nil {
		w.logger = log.WithComponent("wrapper")
	}
	return w.logger
}

func (w *CommandWrapper) environ(call Call) []string {
	vals := make([]string, len(call.Input))
	for i, v := range call.Input {
		vals[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return append(os.Environ(),
		"BATCHWRAP_RUN_ID="+call.RunID,
		"BATCHWRAP_POINT_ID="+strconv.Itoa(call.ID),
		"BATCHWRAP_WORKDIR="+call.Dir,
		"BATCHWRAP_INPUT="+strings.Join(vals, ","),
	)
}

// Eval runs the wrapper once with call.Dir as its working directory.
func (w *CommandWrapper) Eval(ctx context.Context, call Call) (sample.Point, error) {
	logger := w.log().With("point_id", call.ID)

	req := &protocol.Request{
		Protocol: protocol.Version,
		RunID:    call.RunID,
		PointID:  call.ID,
		Input:    call.Input,
		Workdir:  call.Dir,
	}
	if w.Timeout > 0 {
		deadline := time.Now().Add(w.Timeout).UTC()
		req.DeadlineAt = &deadline
	}

	resp, stderr, err := w.spawn(ctx, req, call, logger)
	if err != nil {
		return nil, withStderr(err, stderr)
	}
	for _, entry := range resp.Logs {
		logger.Debug("wrapper log", "level", entry.Level, "message", entry.Message)
	}
	if !resp.OK() {
		return nil, errors.New(resp.Error)
	}
	if resp.Output == nil {
		return sample.Point{}, nil
	}
	return resp.Output, nil
}

// spawn starts the wrapper, writes the request to stdin, and reads the
// response from stdout. Returns the response and the captured stderr.
func (w *CommandWrapper) spawn(
	ctx context.Context,
	req *protocol.Request,
	call Call,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	// Don't use CommandContext: termination is managed here.
	cmd := exec.Command(w.Path, w.Args...)
	cmd.Dir = call.Dir
	cmd.Env = w.environ(call)
	// The wrapper and anything it starts share a process group so a timeout
	// reaches all of them.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger.Debug("spawning wrapper", "path", w.Path, "dir", call.Dir, "timeout", w.Timeout)

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			writeErr <- fmt.Errorf("encode request: %w", err)
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if w.Timeout > 0 {
		timer := time.NewTimer(w.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-timeout:
		logger.Warn("wrapper timed out, sending SIGTERM")
		w.terminate(cmd, waitErr, logger)
		return nil, stderr.String(), fmt.Errorf("%w after %s", ErrTimeout, w.Timeout)

	case <-ctx.Done():
		logger.Warn("evaluation cancelled, sending SIGTERM")
		w.terminate(cmd, waitErr, logger)
		return nil, stderr.String(), ctx.Err()

	case err := <-waitErr:
		// A wrapper that exits without reading stdin breaks the pipe; only the
		// exit status matters then.
		werr := <-writeErr
		stderrStr := stderr.String()

		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				logger.Debug("wrapper exited with non-zero status", "exit_code", exitErr.ExitCode())
				if resp, _, derr := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes())); derr == nil && !resp.OK() {
					return nil, stderrStr, fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), resp.Error)
				}
				return nil, stderrStr, fmt.Errorf("exit status %d", exitErr.ExitCode())
			}
			return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
		}
		if werr != nil {
			return nil, stderrStr, werr
		}

		resp, rawBytes, err := protocol.DecodeResponseLenient(bytes.NewReader(stdout.Bytes()))
		if err != nil {
			logger.Debug("failed to decode wrapper response", "error", err, "stdout", string(rawBytes))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}
}

func (w *CommandWrapper) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		logger.Debug("failed to send SIGTERM", "error", err)
	}

	grace := w.GracePeriod
	if grace <= 0 {
		grace = terminationGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-waitErr:
		logger.Debug("wrapper exited after SIGTERM")
	case <-timer.C:
		logger.Warn("wrapper did not exit after SIGTERM, sending SIGKILL")
		if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func withStderr(err error, stderr string) error {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return err
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return fmt.Errorf("%w: %s", err, s)
}

// cappedBuffer keeps the first limit bytes written to it and discards the rest.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
