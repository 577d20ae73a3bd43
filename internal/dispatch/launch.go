package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/avast/retry-go"

	"github.com/mattjoyce/batchwrap/internal/channel"
	"github.com/mattjoyce/batchwrap/internal/wire"
)

// errNotStarted means a launched worker has neither failed nor created its
// output yet.
var errNotStarted = errors.New("worker output not created yet")

// launch stages a remote host's workdir and starts its worker detached.
func (d *HostDispatcher) launch(ctx context.Context, runID string, hr *hostRun) error {
	host := hr.chunk.Host
	d.setHostState(hr, StateLaunching)

	ch, err := d.dial(host)
	if err != nil {
		return fmt.Errorf("host %s: %w", host, err)
	}
	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", host, err)
	}
	hr.ch = ch

	wd := d.remoteWorkdir()
	d.mu.Lock()
	hr.workdir = wd
	d.mu.Unlock()
	hr.logger = hr.logger.With("workdir", wd)

	if err := ch.Mkdir(ctx, wd); err != nil {
		return fmt.Errorf("create workdir on %s: %w", host, err)
	}

	spec := &wire.JobSpecIn{
		RunID:         runID,
		Host:          host,
		Cores:         d.opts.Cores,
		FirstID:       hr.chunk.FirstID,
		Points:        hr.chunk.Points,
		Wrapper:       filepath.Base(d.opts.Wrapper),
		WrapperArgs:   d.opts.WrapperArgs,
		Separate:      d.opts.Separate,
		Cleanup:       string(d.opts.Cleanup),
		WorkdirBasis:  d.opts.WorkdirBasis,
		ExtendedCheck: d.opts.ExtendedCheck,
		PointTimeout:  d.opts.PointTimeout,
	}
	for _, f := range d.opts.Files {
		spec.Files = append(spec.Files, filepath.Base(f))
	}
	if err := writeJobSpec(ctx, ch, path.Join(wd, JobInFile), spec); err != nil {
		return fmt.Errorf("write job input on %s: %w", host, err)
	}

	if err := ch.SendFile(ctx, d.opts.Wrapper, path.Join(wd, spec.Wrapper)); err != nil {
		return fmt.Errorf("send wrapper to %s: %w", host, err)
	}
	for _, f := range d.opts.Files {
		if err := sendTree(ctx, ch, f, path.Join(wd, filepath.Base(f))); err != nil {
			return fmt.Errorf("send %s to %s: %w", f, host, err)
		}
	}
	binary, err := d.workerBinary()
	if err != nil {
		return err
	}
	if err := ch.SendFile(ctx, binary, path.Join(wd, WorkerBinary)); err != nil {
		return fmt.Errorf("send worker to %s: %w", host, err)
	}

	// The bracket keeps the pattern from matching the shell that runs pkill.
	hr.pattern = "[" + WorkerBinary[:1] + "]" + WorkerBinary[1:] + " worker -workdir " + wd
	cmd := fmt.Sprintf("cd %s && exec ./%s worker -workdir %s > %s 2>&1",
		channel.Quote(wd), WorkerBinary, channel.Quote(wd), channel.Quote(wd+".err"))
	res, err := ch.Run(ctx, cmd, true)
	if err != nil {
		return fmt.Errorf("launch worker on %s: %w", host, err)
	}
	if res.ExitStatus != 0 {
		return &channel.ExitError{Host: host, Cmd: cmd, Status: res.ExitStatus, Stderr: res.Stderr}
	}
	hr.launched = true
	hr.dec = wire.NewDecoder(wire.KindJobSpecOut)
	hr.logger.Info("worker launched", "points", hr.chunk.Len(), "first_id", hr.chunk.FirstID)

	if d.opts.ExtendedCheck {
		return d.checkLaunch(ctx, hr)
	}
	return nil
}

func (d *HostDispatcher) workerBinary() (string, error) {
	if d.opts.RemoteBinary != "" {
		return d.opts.RemoteBinary, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locate worker binary: %w", err)
	}
	return exe, nil
}

// checkLaunch watches the worker's diagnostic file for a bounded number of
// attempts. Diagnostics before any output mean the launch failed; output
// appearing, or the attempts running out quietly, means it is assumed running.
func (d *HostDispatcher) checkLaunch(ctx context.Context, hr *hostRun) error {
	errFile := hr.workdir + ".err"
	outFile := path.Join(hr.workdir, JobOutFile)

	err := retry.Do(
		func() error {
			msg, err := readAll(ctx, hr.ch, errFile)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			if msg = strings.TrimSpace(msg); msg != "" {
				return &LaunchError{Host: hr.chunk.Host, Message: msg}
			}
			f, err := hr.ch.Open(ctx, outFile, channel.ReadOnly)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return errNotStarted
				}
				return err
			}
			return f.Close()
		},
		retry.Attempts(uint(d.opts.LaunchCheckAttempts)),
		retry.Delay(d.opts.LaunchCheckDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errNotStarted) }),
		retry.Context(ctx),
	)
	if errors.Is(err, errNotStarted) {
		hr.logger.Debug("launch check found no output yet, continuing")
		return nil
	}
	return err
}

func writeJobSpec(ctx context.Context, ch channel.Channel, p string, spec *wire.JobSpecIn) error {
	f, err := ch.Open(ctx, p, channel.WriteTruncate)
	if err != nil {
		return err
	}
	if err := wire.WriteJobSpecIn(f, spec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// sendTree sends a file, or a directory recursively, to remote.
func sendTree(ctx context.Context, ch channel.Channel, local, remote string) error {
	info, err := os.Stat(local)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return ch.SendFile(ctx, local, remote)
	}
	return filepath.WalkDir(local, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(local, p)
		if err != nil {
			return err
		}
		dst := path.Join(remote, filepath.ToSlash(rel))
		if entry.IsDir() {
			return ch.Mkdir(ctx, dst)
		}
		return ch.SendFile(ctx, p, dst)
	})
}

func readAll(ctx context.Context, ch channel.Channel, p string) (string, error) {
	f, err := ch.Open(ctx, p, channel.ReadOnly)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	return string(b), err
}
