package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	shellReadBlock = 1 << 20
	// shellMissingStatus is the exit status our remote snippets use for an
	// absent path.
	shellMissingStatus = 3
)

// Shell drives a remote host through the ssh client binary. All commands for
// a host share one master connection (ControlMaster), so per-operation cost is
// a round trip rather than a handshake.
type Shell struct {
	host string
	opts Options

	mu         sync.Mutex
	controlDir string
	connected  bool
}

// NewShell returns an unconnected shell channel for host.
func NewShell(host string, opts Options) *Shell {
	if opts.SSHCommand == "" {
		opts.SSHCommand = "ssh"
	}
	if opts.ControlPersist == 0 {
		opts.ControlPersist = 10 * time.Minute
	}
	return &Shell{host: host, opts: opts}
}

func (s *Shell) Host() string { return s.host }

func (s *Shell) controlPath() string {
	return filepath.Join(s.controlDir, "cm-%C")
}

func (s *Shell) baseArgs() []string {
	args := []string{"-T", "-o", "BatchMode=yes"}
	if s.controlDir != "" {
		args = append(args,
			"-o", "ControlMaster=auto",
			"-o", "ControlPath="+s.controlPath(),
			"-o", "ControlPersist="+strconv.Itoa(int(s.opts.ControlPersist.Seconds())),
		)
	}
	if s.opts.ConnectTimeout > 0 {
		args = append(args, "-o", "ConnectTimeout="+strconv.Itoa(int(s.opts.ConnectTimeout.Seconds())))
	}
	if s.opts.InsecureIgnoreHostKey {
		args = append(args, "-o", "StrictHostKeyChecking=no", "-o", "UserKnownHostsFile=/dev/null")
	} else if s.opts.KnownHosts != "" {
		args = append(args, "-o", "UserKnownHostsFile="+s.opts.KnownHosts)
	}
	if s.opts.ConfigFile != "" {
		args = append(args, "-F", s.opts.ConfigFile)
	}
	if s.opts.User != "" {
		args = append(args, "-l", s.opts.User)
	}
	if s.opts.Port > 0 {
		args = append(args, "-p", strconv.Itoa(s.opts.Port))
	}
	if s.opts.IdentityFile != "" {
		args = append(args, "-i", s.opts.IdentityFile)
	}
	return args
}

// exec runs remoteCmd on the host, feeding stdin when non-nil. Exit status
// 255 and failure to start ssh are connectivity errors.
func (s *Shell) exec(ctx context.Context, op, remoteCmd string, stdin io.Reader) (RunResult, error) {
	s.mu.Lock()
	args := append(s.baseArgs(), s.host, remoteCmd)
	s.mu.Unlock()

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, s.opts.SSHCommand, args...)
	c.Stdin = stdin
	c.Stdout = &stdout
	c.Stderr = &stderr
	err := c.Run()
	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return res, &ConnectivityError{Host: s.host, Op: op, Err: err}
	}
	res.ExitStatus = exitErr.ExitCode()
	if res.ExitStatus == ConnectivityExitStatus {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "ssh exited with status 255"
		}
		return res, &ConnectivityError{Host: s.host, Op: op, Err: errors.New(msg)}
	}
	return res, nil
}

// check runs remoteCmd and converts a non-zero exit into an error.
func (s *Shell) check(ctx context.Context, op, path, remoteCmd string, stdin io.Reader) (RunResult, error) {
	res, err := s.exec(ctx, op, remoteCmd, stdin)
	if err != nil {
		return res, err
	}
	switch res.ExitStatus {
	case 0:
		return res, nil
	case shellMissingStatus:
		return res, &fs.PathError{Op: op, Path: path, Err: fs.ErrNotExist}
	default:
		return res, &ExitError{Host: s.host, Cmd: remoteCmd, Status: res.ExitStatus, Stderr: res.Stderr}
	}
}

// Connect starts the master connection and verifies the host answers.
func (s *Shell) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	dir, err := os.MkdirTemp("", "batchwrap-ssh-")
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create control directory: %w", err)
	}
	s.controlDir = dir
	s.mu.Unlock()

	if _, err := s.check(ctx, "connect", "", "true", nil); err != nil {
		s.mu.Lock()
		_ = os.RemoveAll(s.controlDir)
		s.controlDir = ""
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

// Disconnect stops the master connection. Calling it twice is a no-op.
func (s *Shell) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	s.connected = false
	args := append([]string{"-O", "exit"}, s.baseArgs()...)
	args = append(args, s.host)
	err := exec.Command(s.opts.SSHCommand, args...).Run()
	_ = os.RemoveAll(s.controlDir)
	s.controlDir = ""
	if err != nil {
		return &ConnectivityError{Host: s.host, Op: "disconnect", Err: err}
	}
	return nil
}

func (s *Shell) Mkdir(ctx context.Context, path string) error {
	_, err := s.check(ctx, "mkdir", path, "mkdir -p -- "+Quote(path), nil)
	return err
}

func (s *Shell) Rmdir(ctx context.Context, path string, ignoreMissing bool) error {
	q := Quote(path)
	cmd := "rm -rf -- " + q
	if !ignoreMissing {
		cmd = fmt.Sprintf("test -e %s || exit %d; %s", q, shellMissingStatus, cmd)
	}
	_, err := s.check(ctx, "rmdir", path, cmd, nil)
	return err
}

// SendFile streams local through the connection and restores its permissions.
func (s *Shell) SendFile(ctx context.Context, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	q := Quote(remote)
	cmd := fmt.Sprintf("cat > %s && chmod %o %s", q, info.Mode().Perm(), q)
	_, err = s.check(ctx, "send", remote, cmd, f)
	return err
}

func (s *Shell) Run(ctx context.Context, cmd string, detached bool) (RunResult, error) {
	if detached {
		cmd = Detach(cmd)
	}
	return s.exec(ctx, "run", cmd, nil)
}

func (s *Shell) Open(ctx context.Context, path string, mode OpenMode) (File, error) {
	q := Quote(path)
	var cmd string
	switch mode {
	case ReadOnly:
		cmd = fmt.Sprintf("test -f %s || exit %d", q, shellMissingStatus)
	case WriteTruncate:
		cmd = ": > " + q
	case WriteAppend:
		cmd = ": >> " + q
	default:
		return nil, fmt.Errorf("open %s: unsupported mode %s", path, mode)
	}
	if _, err := s.check(ctx, "open", path, cmd, nil); err != nil {
		return nil, err
	}
	return &shellFile{ctx: ctx, ch: s, path: path, mode: mode}, nil
}

// shellFile reads a remote file in blocks with tail and head, and writes by
// appending buffered data with cat.
type shellFile struct {
	ctx    context.Context
	ch     *Shell
	path   string
	mode   OpenMode
	offset int64
	rbuf   []byte
	wbuf   bytes.Buffer
	closed bool
}

func (f *shellFile) fill() error {
	cmd := fmt.Sprintf("tail -c +%d %s | head -c %d", f.offset+1, Quote(f.path), shellReadBlock)
	res, err := f.ch.check(f.ctx, "read", f.path, cmd, nil)
	if err != nil {
		return err
	}
	if res.Stdout == "" {
		return io.EOF
	}
	f.rbuf = []byte(res.Stdout)
	return nil
}

func (f *shellFile) Read(p []byte) (int, error) {
	if f.mode != ReadOnly {
		return 0, errors.New("channel: file not open for reading")
	}
	if len(f.rbuf) == 0 {
		if err := f.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, f.rbuf)
	f.rbuf = f.rbuf[n:]
	f.offset += int64(n)
	return n, nil
}

func (f *shellFile) ReadLine() (string, error) {
	var line []byte
	for {
		if len(f.rbuf) == 0 {
			if err := f.fill(); err != nil {
				if err == io.EOF && len(line) > 0 {
					return string(line), nil
				}
				return "", err
			}
		}
		if i := bytes.IndexByte(f.rbuf, '\n'); i >= 0 {
			line = append(line, f.rbuf[:i]...)
			f.rbuf = f.rbuf[i+1:]
			f.offset += int64(i + 1)
			return string(line), nil
		}
		line = append(line, f.rbuf...)
		f.offset += int64(len(f.rbuf))
		f.rbuf = nil
	}
}

func (f *shellFile) Write(p []byte) (int, error) {
	if f.mode == ReadOnly {
		return 0, errors.New("channel: file not open for writing")
	}
	return f.wbuf.Write(p)
}

func (f *shellFile) Flush() error {
	if f.mode == ReadOnly || f.wbuf.Len() == 0 {
		return nil
	}
	_, err := f.ch.check(f.ctx, "write", f.path, "cat >> "+Quote(f.path), bytes.NewReader(f.wbuf.Bytes()))
	if err != nil {
		return err
	}
	f.wbuf.Reset()
	return nil
}

func (f *shellFile) Seek(offset int64, whence int) (int64, error) {
	if f.mode != ReadOnly {
		return 0, errors.New("channel: seek is only supported on read handles")
	}
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.offset + offset
	case io.SeekEnd:
		res, err := f.ch.check(f.ctx, "seek", f.path, "wc -c < "+Quote(f.path), nil)
		if err != nil {
			return f.offset, err
		}
		size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
		if err != nil {
			return f.offset, fmt.Errorf("seek %s: parse size: %w", f.path, err)
		}
		pos = size + offset
	default:
		return f.offset, fmt.Errorf("seek %s: invalid whence %d", f.path, whence)
	}
	if pos < 0 {
		return f.offset, fmt.Errorf("seek %s: negative position", f.path)
	}
	f.offset = pos
	f.rbuf = nil
	return pos, nil
}

func (f *shellFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.Flush()
}
