package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Session drives a remote host through an in-process SSH client. Commands run
// in SSH sessions; file operations go through one SFTP subsystem.
type Session struct {
	host string
	opts Options

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

// NewSession returns an unconnected session channel for host.
func NewSession(host string, opts Options) *Session {
	return &Session{host: host, opts: opts}
}

func (s *Session) Host() string { return s.host }

// endpoint is the resolved address and identity for an ssh_config alias.
type endpoint struct {
	addr         string
	user         string
	identityFile string
}

type configGetter func(alias, key string) string

func (s *Session) configLookup() (configGetter, error) {
	if s.opts.ConfigFile == "" {
		return ssh_config.Get, nil
	}
	f, err := os.Open(s.opts.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()
	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", s.opts.ConfigFile, err)
	}
	return func(alias, key string) string {
		v, _ := cfg.Get(alias, key)
		return v
	}, nil
}

func (s *Session) resolve() (endpoint, error) {
	get, err := s.configLookup()
	if err != nil {
		return endpoint{}, err
	}
	hostname := get(s.host, "HostName")
	if hostname == "" {
		hostname = s.host
	}
	port := s.opts.Port
	if port == 0 {
		if p, err := strconv.Atoi(get(s.host, "Port")); err == nil && p > 0 {
			port = p
		} else {
			port = 22
		}
	}
	ep := endpoint{
		addr:         net.JoinHostPort(hostname, strconv.Itoa(port)),
		user:         s.opts.User,
		identityFile: s.opts.IdentityFile,
	}
	if ep.user == "" {
		ep.user = get(s.host, "User")
	}
	if ep.user == "" {
		if u, err := user.Current(); err == nil {
			ep.user = u.Username
		}
	}
	if ep.identityFile == "" {
		if v := get(s.host, "IdentityFile"); v != "" && v != "~/.ssh/identity" {
			ep.identityFile = v
		}
	}
	ep.identityFile = expandHome(ep.identityFile)
	return ep, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func (s *Session) authMethods(identityFile string) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}

	candidates := []string{identityFile}
	if identityFile == "" {
		candidates = []string{expandHome("~/.ssh/id_ed25519"), expandHome("~/.ssh/id_ecdsa"), expandHome("~/.ssh/id_rsa")}
	}
	var signers []ssh.Signer
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err != nil {
			if identityFile != "" {
				return nil, fmt.Errorf("read identity file: %w", err)
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			if identityFile != "" {
				return nil, fmt.Errorf("parse identity file %s: %w", p, err)
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	if len(methods) == 0 {
		return nil, errors.New("no ssh agent or identity file available")
	}
	return methods, nil
}

func (s *Session) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.opts.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := s.opts.KnownHosts
	if path == "" {
		path = expandHome("~/.ssh/known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}
	return cb, nil
}

// Connect dials the host and opens the SFTP subsystem.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return nil
	}

	ep, err := s.resolve()
	if err != nil {
		return err
	}
	auth, err := s.authMethods(ep.identityFile)
	if err != nil {
		return &ConnectivityError{Host: s.host, Op: "connect", Err: err}
	}
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return err
	}
	timeout := s.opts.ConnectTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	cfg := &ssh.ClientConfig{
		User:            ep.user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.addr)
	if err != nil {
		return &ConnectivityError{Host: s.host, Op: "connect", Err: err}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, ep.addr, cfg)
	if err != nil {
		conn.Close()
		return &ConnectivityError{Host: s.host, Op: "connect", Err: err}
	}
	client := ssh.NewClient(c, chans, reqs)
	sc, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return &ConnectivityError{Host: s.host, Op: "connect", Err: fmt.Errorf("start sftp: %w", err)}
	}
	s.client = client
	s.sftp = sc
	return nil
}

// Disconnect closes the SFTP subsystem and the SSH connection.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	sftpErr := s.sftp.Close()
	clientErr := s.client.Close()
	s.client, s.sftp = nil, nil
	if clientErr != nil && !errors.Is(clientErr, net.ErrClosed) {
		return &ConnectivityError{Host: s.host, Op: "disconnect", Err: clientErr}
	}
	if sftpErr != nil && !errors.Is(sftpErr, io.EOF) {
		return &ConnectivityError{Host: s.host, Op: "disconnect", Err: sftpErr}
	}
	return nil
}

func (s *Session) clients() (*ssh.Client, *sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, nil, &ConnectivityError{Host: s.host, Op: "use", Err: errors.New("not connected")}
	}
	return s.client, s.sftp, nil
}

// classify separates transport failures from file system errors reported by
// the SFTP server.
func (s *Session) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var status *sftp.StatusError
	if errors.As(err, &status) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) || errors.Is(err, fs.ErrExist) {
		return err
	}
	return &ConnectivityError{Host: s.host, Op: op, Err: err}
}

func (s *Session) Mkdir(_ context.Context, dir string) error {
	_, sc, err := s.clients()
	if err != nil {
		return err
	}
	return s.classify("mkdir", sc.MkdirAll(dir))
}

func (s *Session) Rmdir(_ context.Context, dir string, ignoreMissing bool) error {
	_, sc, err := s.clients()
	if err != nil {
		return err
	}
	if _, err := sc.Lstat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if ignoreMissing {
				return nil
			}
			return &fs.PathError{Op: "rmdir", Path: dir, Err: fs.ErrNotExist}
		}
		return s.classify("rmdir", err)
	}
	return s.classify("rmdir", removeTree(sc, dir))
}

// removeTree deletes dir depth first.
func removeTree(sc *sftp.Client, dir string) error {
	info, err := sc.Lstat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return sc.Remove(dir)
	}
	entries, err := sc.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := removeTree(sc, path.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return sc.RemoveDirectory(dir)
}

func (s *Session) SendFile(_ context.Context, local, remote string) error {
	_, sc, err := s.clients()
	if err != nil {
		return err
	}
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return err
	}
	dst, err := sc.Create(remote)
	if err != nil {
		return s.classify("send", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return s.classify("send", err)
	}
	if err := dst.Close(); err != nil {
		return s.classify("send", err)
	}
	return s.classify("send", sc.Chmod(remote, info.Mode().Perm()))
}

func (s *Session) Run(ctx context.Context, cmd string, detached bool) (RunResult, error) {
	client, _, err := s.clients()
	if err != nil {
		return RunResult{}, err
	}
	sess, err := client.NewSession()
	if err != nil {
		return RunResult{}, &ConnectivityError{Host: s.host, Op: "run", Err: err}
	}
	defer sess.Close()

	if detached {
		cmd = Detach(cmd)
	}
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		sess.Close()
		<-done
		return RunResult{}, ctx.Err()
	}

	res := RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitStatus = exitErr.ExitStatus()
		if res.ExitStatus == ConnectivityExitStatus {
			return res, &ConnectivityError{Host: s.host, Op: "run", Err: runErr}
		}
		return res, nil
	}
	return res, &ConnectivityError{Host: s.host, Op: "run", Err: runErr}
}

func (s *Session) Open(_ context.Context, name string, mode OpenMode) (File, error) {
	_, sc, err := s.clients()
	if err != nil {
		return nil, err
	}
	var f *sftp.File
	switch mode {
	case ReadOnly:
		f, err = sc.Open(name)
	case WriteTruncate:
		f, err = sc.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	case WriteAppend:
		f, err = sc.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND)
	default:
		return nil, fmt.Errorf("open %s: unsupported mode %s", name, mode)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
		}
		return nil, s.classify("open", err)
	}
	return newBufferedFile(f, mode, s.classify), nil
}
