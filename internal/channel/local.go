package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Local runs commands and file operations on the dispatching host. It never
// reports connectivity failures.
type Local struct {
	host string
}

// NewLocal returns a channel for the local machine, reported under host.
func NewLocal(host string) *Local {
	if host == "" {
		host = "localhost"
	}
	return &Local{host: host}
}

func (l *Local) Host() string { return l.host }

func (l *Local) Connect(context.Context) error { return nil }

func (l *Local) Disconnect() error { return nil }

func (l *Local) Mkdir(_ context.Context, path string) error {
	return os.MkdirAll(path, 0o755)
}

func (l *Local) Rmdir(_ context.Context, path string, ignoreMissing bool) error {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && ignoreMissing {
			return nil
		}
		return err
	}
	return os.RemoveAll(path)
}

func (l *Local) SendFile(_ context.Context, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(remote), 0o755); err != nil {
		return err
	}
	dst, err := os.OpenFile(remote, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy %s to %s: %w", local, remote, err)
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Chmod(remote, info.Mode().Perm())
}

func (l *Local) Run(ctx context.Context, cmd string, detached bool) (RunResult, error) {
	if detached {
		c := exec.Command("sh", "-c", cmd)
		c.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := c.Start(); err != nil {
			return RunResult{}, fmt.Errorf("start detached command: %w", err)
		}
		go func() { _ = c.Wait() }()
		return RunResult{}, nil
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitStatus = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
}

func (l *Local) Open(_ context.Context, path string, mode OpenMode) (File, error) {
	var (
		f   *os.File
		err error
	)
	switch mode {
	case ReadOnly:
		f, err = os.Open(path)
	case WriteTruncate:
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	case WriteAppend:
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	default:
		return nil, fmt.Errorf("open %s: unsupported mode %s", path, mode)
	}
	if err != nil {
		return nil, err
	}
	return newBufferedFile(f, mode, nil), nil
}
