// Package channel abstracts command execution and file access on a remote
// host. Callers depend only on Channel; the shell implementation builds every
// operation from remote shell commands over one multiplexed ssh connection,
// the session implementation uses an SSH client with an SFTP session, and the
// local implementation serves the dispatching host itself.
package channel

//go:generate mockgen -destination=mocks/mock_channel.go -package=mocks github.com/mattjoyce/batchwrap/internal/channel Channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alessio/shellescape"
)

// ConnectivityExitStatus is the exit status ssh reserves for its own
// failures. Commands run through a channel must never use it for
// application errors.
const ConnectivityExitStatus = 255

// ErrConnectivity matches every *ConnectivityError.
var ErrConnectivity = errors.New("channel: connectivity failure")

// ConnectivityError reports that the transport to a host failed, as opposed
// to a command failing or a file being absent.
type ConnectivityError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s %s: connectivity failure: %v", e.Host, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrConnectivity) true.
func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

// ExitError is returned by RunChecked when a command exits non-zero.
type ExitError struct {
	Host   string
	Cmd    string
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: command exited with status %d: %s", e.Host, e.Status, e.Cmd)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// RunResult is the outcome of Run. Output is only captured for attached runs.
type RunResult struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// OpenMode selects how Open treats the file.
type OpenMode int

const (
	// ReadOnly opens an existing file for sequential reads.
	ReadOnly OpenMode = iota
	// WriteTruncate creates or truncates the file; writes are buffered until Flush or Close.
	WriteTruncate
	// WriteAppend creates the file if needed and appends on Flush or Close.
	WriteAppend
)

func (m OpenMode) String() string {
	switch m {
	case ReadOnly:
		return "read"
	case WriteTruncate:
		return "write"
	case WriteAppend:
		return "append"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// File is a handle returned by Open. Reads are sequential from the current
// offset; Seek moves the offset without transferring skipped bytes.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	// ReadLine returns the next line without its trailing newline. The last
	// line of a file need not end in a newline.
	ReadLine() (string, error)
	// Flush sends buffered writes to the file.
	Flush() error
}

// Channel is the capability set the host dispatcher needs on one host.
type Channel interface {
	Host() string
	Connect(ctx context.Context) error
	Disconnect() error
	Mkdir(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string, ignoreMissing bool) error
	SendFile(ctx context.Context, local, remote string) error
	// Run executes cmd through the remote shell. A non-zero exit is reported
	// in RunResult, not as an error; errors are transport failures. A
	// detached run returns as soon as the command is started.
	Run(ctx context.Context, cmd string, detached bool) (RunResult, error)
	// Open returns fs.ErrNotExist (wrapped) for a missing file in ReadOnly
	// mode. It costs at most one round trip and never waits for the file.
	Open(ctx context.Context, path string, mode OpenMode) (File, error)
}

// Kind names a Channel implementation.
type Kind string

const (
	KindShell   Kind = "shell"
	KindSession Kind = "session"
	KindLocal   Kind = "local"
)

// Options configures remote channels. Zero values defer to the user's ssh
// configuration.
type Options struct {
	User                  string
	Port                  int
	IdentityFile          string
	ConfigFile            string
	KnownHosts            string
	InsecureIgnoreHostKey bool
	ControlPersist        time.Duration
	ConnectTimeout        time.Duration
	// SSHCommand is the ssh client binary used by the shell channel.
	SSHCommand string
}

// New returns an unconnected channel of the given kind for host.
func New(kind Kind, host string, opts Options) (Channel, error) {
	if strings.TrimSpace(host) == "" {
		return nil, fmt.Errorf("channel: host is empty")
	}
	switch kind {
	case KindShell, "":
		return NewShell(host, opts), nil
	case KindSession:
		return NewSession(host, opts), nil
	case KindLocal:
		return NewLocal(host), nil
	default:
		return nil, fmt.Errorf("channel: unknown kind %q (want shell, session or local)", kind)
	}
}

// RunChecked runs an attached command and turns a non-zero exit into *ExitError.
func RunChecked(ctx context.Context, ch Channel, cmd string) (RunResult, error) {
	res, err := ch.Run(ctx, cmd, false)
	if err != nil {
		return res, err
	}
	if res.ExitStatus != 0 {
		return res, &ExitError{Host: ch.Host(), Cmd: cmd, Status: res.ExitStatus, Stderr: res.Stderr}
	}
	return res, nil
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	return shellescape.Quote(s)
}

// Detach wraps cmd so the remote shell starts it in the background with its
// standard streams detached, and returns immediately.
func Detach(cmd string) string {
	return "nohup sh -c " + Quote(cmd) + " </dev/null >/dev/null 2>&1 &"
}
