package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mattjoyce/batchwrap/internal/channel"
)

// poll reads a host's job output until its end marker arrives. Attempts are
// spaced by an exponential backoff between the configured bounds.
func (d *HostDispatcher) poll(ctx context.Context, hr *hostRun) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.PollIntervalMin
	b.MaxInterval = d.opts.PollIntervalMax
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var deadline <-chan time.Time
	if d.opts.PollTimeout > 0 {
		timer := time.NewTimer(d.opts.PollTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		done, err := d.pollOnce(ctx, hr)
		if err != nil {
			return err
		}
		if done {
			hr.logger.Info("host finished", "points", len(hr.out.Results), "had_errors", hr.out.HasErrors())
			return nil
		}

		wait := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-deadline:
			wait.Stop()
			return fmt.Errorf("%w after %s", ErrPollTimeout, d.opts.PollTimeout)
		case <-wait.C:
		}
	}
}

// pollOnce decodes whatever the worker appended since the last attempt. The
// file is opened locally first, for workdirs on a shared filesystem, then
// through the channel. A missing file means the worker has not started
// writing yet.
func (d *HostDispatcher) pollOnce(ctx context.Context, hr *hostRun) (bool, error) {
	p := path.Join(hr.workdir, JobOutFile)

	var r io.ReadSeekCloser
	if f, err := os.Open(p); err == nil {
		r = f
	} else {
		f, err := hr.ch.Open(ctx, p, channel.ReadOnly)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return false, nil
			}
			return false, err
		}
		r = f
	}
	defer r.Close()

	if _, err := r.Seek(hr.dec.Offset(), io.SeekStart); err != nil {
		return false, fmt.Errorf("seek job output: %w", err)
	}
	hr.dec.Rewind()
	frames, err := hr.dec.ReadFrames(r)
	if err != nil {
		return false, fmt.Errorf("read job output: %w", err)
	}
	added, err := hr.out.Apply(frames)
	if err != nil {
		return false, fmt.Errorf("decode job output: %w", err)
	}
	for _, ev := range added {
		if ev.IsError() {
			hr.hadErrors = true
		}
		d.record(hr, ev)
	}
	return hr.out.Done, nil
}
