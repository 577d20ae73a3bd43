package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/batchwrap/internal/channel"
	"github.com/mattjoyce/batchwrap/internal/events"
	"github.com/mattjoyce/batchwrap/internal/executor"
	"github.com/mattjoyce/batchwrap/internal/hosts"
	"github.com/mattjoyce/batchwrap/internal/log"
	"github.com/mattjoyce/batchwrap/internal/sample"
	"github.com/mattjoyce/batchwrap/internal/wire"
	"github.com/mattjoyce/batchwrap/internal/workspace"
)

var (
	// ErrCancelled is returned with a partial report when the run's context
	// ends before all results are in.
	ErrCancelled = errors.New("dispatch: run cancelled")
	// ErrPollTimeout is returned when a host produces no final result within
	// the configured poll timeout.
	ErrPollTimeout = errors.New("dispatch: timed out waiting for host results")
)

// LaunchError reports a remote worker that wrote diagnostics before producing
// any output.
type LaunchError struct {
	Host    string
	Message string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch on %s failed: %s", e.Host, e.Message)
}

// State is a stage of a run or of one host within it.
type State string

const (
	StateIdle         State = "idle"
	StatePartitioning State = "partitioning"
	StateLaunching    State = "launching"
	StatePolling      State = "polling"
	StateMerging      State = "merging"
	StateCleaning     State = "cleaning"
	StateDone         State = "done"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Dialer returns an unconnected channel for a remote host.
type Dialer func(host string) (channel.Channel, error)

// Options configures a HostDispatcher.
type Options struct {
	Hosts []string
	// Cores is the worker count per host; 0 means one per CPU.
	Cores        int
	Files        []string
	Cleanup      workspace.CleanupPolicy
	TmpDir       string
	RemoteTmpDir string
	Separate     bool
	// Wrapper is the executable evaluated per point. Remote hosts receive a
	// copy.
	Wrapper     string
	WrapperArgs []string
	// LocalWrapper replaces Wrapper for chunks evaluated in this process.
	LocalWrapper executor.Wrapper
	// WorkdirBasis names workdirs; it defaults to the wrapper's base name.
	WorkdirBasis string
	PointTimeout time.Duration

	ExtendedCheck       bool
	LaunchCheckAttempts int
	LaunchCheckDelay    time.Duration

	PollIntervalMin time.Duration
	PollIntervalMax time.Duration
	// PollTimeout bounds the wait for each host's results; zero waits forever.
	PollTimeout time.Duration

	// RemoteBinary is the worker executable sent to remote hosts; it
	// defaults to the running executable.
	RemoteBinary string
}

// LogEntry is one event of the aggregate run log.
type LogEntry struct {
	Host string
	wire.Event
}

// HostReport summarizes one host's share of a run.
type HostReport struct {
	Host      string
	FirstID   int
	Size      int
	Workdir   string
	Local     bool
	HadErrors bool
	State     State
}

// Report is the outcome of ExecSample.
type Report struct {
	RunID     string
	Started   time.Time
	Finished  time.Time
	Results   []sample.Result
	Log       []LogEntry
	HadErrors bool
	Cancelled bool
	Hosts     []HostReport
}

// Status is a point-in-time view of a run, for observers.
type Status struct {
	RunID  string       `json:"run_id"`
	State  State        `json:"state"`
	Total  int          `json:"total"`
	Done   int          `json:"done"`
	Failed int          `json:"failed"`
	Hosts  []HostStatus `json:"hosts"`
}

// HostStatus is the per-host part of Status.
type HostStatus struct {
	Host    string `json:"host"`
	State   State  `json:"state"`
	FirstID int    `json:"first_id"`
	Size    int    `json:"size"`
	Done    int    `json:"done"`
	Failed  int    `json:"failed"`
	Workdir string `json:"workdir,omitempty"`
}

// hostRun is the mutable state of one host during a run. Fields other than
// those guarded by HostDispatcher.mu belong to the goroutine serving the host.
type hostRun struct {
	chunk   sample.Chunk
	local   bool
	logger  *slog.Logger
	workdir string
	localWD workspace.Workdir

	ch       channel.Channel
	launched bool
	pattern  string

	dec *wire.Decoder
	out wire.JobSpecOut

	results   []sample.Result
	hadErrors bool

	// guarded by HostDispatcher.mu
	state  State
	done   int
	failed int
}

// HostDispatcher partitions a sample across hosts, runs each chunk, and
// merges the results. One HostDispatcher serves one run at a time.
type HostDispatcher struct {
	opts   Options
	dial   Dialer
	hub    *events.Hub
	wsm    *workspace.Manager
	logger *slog.Logger

	mu    sync.Mutex
	runID string
	state State
	total int
	runs  []*hostRun
	log   []LogEntry
}

// NewHostDispatcher validates opts. dial serves every host that is not the
// local machine; hub may be nil.
func NewHostDispatcher(opts Options, dial Dialer, hub *events.Hub) (*HostDispatcher, error) {
	if len(opts.Hosts) == 0 {
		opts.Hosts = []string{hosts.Localhost}
	}
	opts.Hosts = hosts.Dedupe(opts.Hosts)
	if opts.Cleanup == "" {
		opts.Cleanup = workspace.CleanupOK
	}
	if opts.TmpDir == "" {
		opts.TmpDir = "/tmp"
	}
	if opts.RemoteTmpDir == "" {
		opts.RemoteTmpDir = "/tmp"
	}
	if opts.LaunchCheckAttempts <= 0 {
		opts.LaunchCheckAttempts = 5
	}
	if opts.LaunchCheckDelay <= 0 {
		opts.LaunchCheckDelay = time.Second
	}
	if opts.PollIntervalMin <= 0 {
		opts.PollIntervalMin = 100 * time.Millisecond
	}
	if opts.PollIntervalMax < opts.PollIntervalMin {
		opts.PollIntervalMax = max(5*time.Second, opts.PollIntervalMin)
	}
	if opts.WorkdirBasis == "" && opts.Wrapper != "" {
		opts.WorkdirBasis = filepath.Base(opts.Wrapper)
	}

	remote := false
	for _, h := range opts.Hosts {
		if !hosts.IsLocal(h) {
			remote = true
		}
	}
	if remote {
		if opts.Wrapper == "" {
			return nil, errors.New("dispatch: remote hosts need an executable wrapper")
		}
		if dial == nil {
			return nil, errors.New("dispatch: remote hosts need a channel dialer")
		}
	}
	if opts.Wrapper == "" && opts.LocalWrapper == nil {
		return nil, errors.New("dispatch: no wrapper configured")
	}

	wsm, err := workspace.NewManager(opts.TmpDir)
	if err != nil {
		return nil, err
	}
	return &HostDispatcher{
		opts:   opts,
		dial:   dial,
		hub:    hub,
		wsm:    wsm,
		logger: log.WithComponent("dispatch"),
		state:  StateIdle,
	}, nil
}

// Hosts returns the deduplicated host list in partition order.
func (d *HostDispatcher) Hosts() []string {
	return append([]string(nil), d.opts.Hosts...)
}

// ExecSample evaluates points across all hosts and returns the results in
// global-id order.
//
// A connectivity or launch failure aborts the run with an error and no
// report; workers already launched on other hosts are left running, but a
// chunk evaluating in this process is stopped. A poll timeout stops the
// launched workers before failing. When ctx ends first, the partial report is
// returned together with ErrCancelled.
func (d *HostDispatcher) ExecSample(ctx context.Context, points []sample.Point) (*Report, error) {
	runID := uuid.NewString()
	logger := d.logger.With("run_id", runID)
	report := &Report{RunID: runID, Started: time.Now()}

	d.mu.Lock()
	d.runID = runID
	d.total = len(points)
	d.runs = nil
	d.log = nil
	d.mu.Unlock()

	d.setState(StatePartitioning)
	chunks, err := sample.Partition(points, d.opts.Hosts)
	if err != nil {
		d.setState(StateFailed)
		return nil, err
	}
	runs := make([]*hostRun, len(chunks))
	for i, c := range chunks {
		runs[i] = &hostRun{
			chunk:  c,
			local:  hosts.IsLocal(c.Host),
			logger: logger.With("host", c.Host),
			state:  StateIdle,
		}
	}
	d.mu.Lock()
	d.runs = runs
	d.mu.Unlock()
	logger.Info("run started", "points", len(points), "hosts", len(runs))

	// Chunks on this machine run while remote hosts are launched and polled.
	localCtx, stopLocal := context.WithCancel(ctx)
	defer stopLocal()
	var local errgroup.Group
	for _, hr := range runs {
		if hr.local && hr.chunk.Len() > 0 {
			local.Go(func() error { return d.runLocal(localCtx, runID, hr) })
		}
	}

	d.setState(StateLaunching)
	var launchErr error
	for _, hr := range runs {
		if hr.local || hr.chunk.Len() == 0 {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := d.launch(ctx, runID, hr); err != nil {
			if ctx.Err() != nil {
				break
			}
			d.setHostState(hr, StateFailed)
			launchErr = err
			break
		}
	}
	if launchErr != nil {
		logger.Error("launch failed, aborting run", "error", launchErr)
		stopLocal()
		_ = local.Wait()
		d.disconnectAll(runs)
		d.setState(StateFailed)
		return nil, launchErr
	}

	d.setState(StatePolling)
	pollErr := d.pollAll(ctx, runs)
	if pollErr != nil {
		stopLocal()
	}
	localErr := local.Wait()

	cancelled := ctx.Err() != nil
	if pollErr != nil && !cancelled {
		logger.Error("polling failed, aborting run", "error", pollErr)
		if errors.Is(pollErr, ErrPollTimeout) {
			d.killLaunched(runs)
		}
		d.disconnectAll(runs)
		d.setState(StateFailed)
		return nil, pollErr
	}
	if localErr != nil && !cancelled {
		d.disconnectAll(runs)
		d.setState(StateFailed)
		return nil, localErr
	}

	if cancelled {
		logger.Warn("run cancelled", "cause", context.Cause(ctx))
		d.killLaunched(runs)
	}

	d.setState(StateMerging)
	results := make([][]sample.Result, len(runs))
	for i, hr := range runs {
		results[i] = hr.results
	}
	merged, err := sample.Merge(len(points), chunks, results)
	if err != nil {
		d.disconnectAll(runs)
		d.setState(StateFailed)
		return nil, err
	}
	report.Results = merged

	d.setState(StateCleaning)
	d.cleanup(runs, cancelled)

	for _, hr := range runs {
		if cancelled && !hr.out.Done && hr.chunk.Len() > 0 {
			hr.hadErrors = true
		}
		report.HadErrors = report.HadErrors || hr.hadErrors
		report.Hosts = append(report.Hosts, HostReport{
			Host:      hr.chunk.Host,
			FirstID:   hr.chunk.FirstID,
			Size:      hr.chunk.Len(),
			Workdir:   hr.workdir,
			Local:     hr.local,
			HadErrors: hr.hadErrors,
			State:     d.hostState(hr),
		})
	}
	d.mu.Lock()
	report.Log = append([]LogEntry(nil), d.log...)
	d.mu.Unlock()
	report.Finished = time.Now()

	if cancelled {
		report.Cancelled = true
		report.HadErrors = true
		d.setState(StateCancelled)
		return report, ErrCancelled
	}
	d.setState(StateDone)
	logger.Info("run finished", "had_errors", report.HadErrors, "elapsed", report.Finished.Sub(report.Started))
	return report, nil
}

// runLocal evaluates a chunk in this process.
func (d *HostDispatcher) runLocal(ctx context.Context, runID string, hr *hostRun) error {
	d.setHostState(hr, StateLaunching)
	wd, err := d.wsm.Create(ctx, d.opts.WorkdirBasis)
	if err != nil {
		return err
	}
	d.mu.Lock()
	hr.localWD = wd
	hr.workdir = wd.Dir
	d.mu.Unlock()

	wrapper := d.opts.LocalWrapper
	if wrapper == nil {
		wrapper, err = executor.NewCommandWrapper(d.opts.Wrapper, d.opts.WrapperArgs, d.opts.PointTimeout)
		if err != nil {
			return err
		}
	}
	mode := executor.Shared
	if d.opts.Separate {
		mode = executor.Isolated
	} else if err := workspace.Stage(ctx, d.opts.Files, wd.Dir); err != nil {
		return err
	}
	ex, err := executor.New(executor.Config{
		Mode:    mode,
		RunID:   runID,
		Workdir: wd.Dir,
		Files:   d.opts.Files,
		Policy:  d.opts.Cleanup,
		Wrapper: wrapper,
	})
	if err != nil {
		return err
	}
	ow, _ := wire.NewOutWriter(nil)
	core, err := NewCore(CoreConfig{
		Host:     hr.chunk.Host,
		Cores:    d.opts.Cores,
		FirstID:  hr.chunk.FirstID,
		Executor: ex,
		Out:      ow,
		Notify:   func(ev wire.Event) { d.record(hr, ev) },
	})
	if err != nil {
		return err
	}

	d.setHostState(hr, StatePolling)
	res, err := core.Run(ctx, hr.chunk.Points)
	if err != nil {
		return err
	}
	hr.out = ow.Snapshot()
	hr.results = res.Results
	hr.hadErrors = res.HadErrors
	if res.Cancelled {
		d.setHostState(hr, StateCancelled)
	} else {
		d.setHostState(hr, StateDone)
	}
	return nil
}

// pollAll polls every launched host concurrently until each has finished.
func (d *HostDispatcher) pollAll(ctx context.Context, runs []*hostRun) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, hr := range runs {
		if !hr.launched {
			continue
		}
		g.Go(func() error {
			d.setHostState(hr, StatePolling)
			if err := d.poll(gctx, hr); err != nil {
				if ctx.Err() != nil {
					d.setHostState(hr, StateCancelled)
					return nil
				}
				d.setHostState(hr, StateFailed)
				return fmt.Errorf("host %s: %w", hr.chunk.Host, err)
			}
			hr.results = hr.out.Results
			hr.hadErrors = hr.hadErrors || hr.out.HasErrors()
			d.setHostState(hr, StateDone)
			return nil
		})
	}
	return g.Wait()
}

// cleanup applies the cleanup policy per host and disconnects channels.
// Failures are logged, never returned.
func (d *HostDispatcher) cleanup(runs []*hostRun, cancelled bool) {
	var errs *multierror.Error
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, hr := range runs {
		if hr.workdir == "" {
			continue
		}
		hadErrors := hr.hadErrors || (cancelled && !hr.out.Done)
		if !d.opts.Cleanup.ShouldRemove(hadErrors) {
			hr.logger.Info("keeping workdir", "workdir", hr.workdir, "policy", d.opts.Cleanup, "had_errors", hadErrors)
			continue
		}
		if hr.local {
			if err := d.wsm.Remove(ctx, hr.localWD); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", hr.chunk.Host, err))
			}
			continue
		}
		if hr.ch == nil {
			continue
		}
		for _, p := range []string{hr.workdir, hr.workdir + ".err"} {
			if err := hr.ch.Rmdir(ctx, p, true); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: remove %s: %w", hr.chunk.Host, p, err))
			}
		}
	}
	if err := d.disconnectAll(runs); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		d.logger.Warn("cleanup incomplete", "error", err)
	}
}

func (d *HostDispatcher) disconnectAll(runs []*hostRun) error {
	var errs *multierror.Error
	for _, hr := range runs {
		if hr.ch == nil {
			continue
		}
		if err := hr.ch.Disconnect(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", hr.chunk.Host, err))
		}
	}
	return errs.ErrorOrNil()
}

// killLaunched asks every launched host to stop its worker. Best effort.
func (d *HostDispatcher) killLaunched(runs []*hostRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, hr := range runs {
		if !hr.launched || hr.out.Done {
			continue
		}
		cmd := "pkill -f -- " + channel.Quote(hr.pattern)
		if _, err := hr.ch.Run(ctx, cmd, false); err != nil {
			hr.logger.Warn("failed to stop remote worker", "error", err)
			continue
		}
		hr.logger.Info("sent stop to remote worker")
	}
}

// record routes one event of a host into the aggregate log and observers.
func (d *HostDispatcher) record(hr *hostRun, ev wire.Event) {
	host := hr.chunk.Host
	d.mu.Lock()
	d.log = append(d.log, LogEntry{Host: host, Event: ev})
	switch ev.Tag {
	case wire.TagPointDone:
		hr.done++
	case wire.TagError:
		hr.failed++
	}
	d.mu.Unlock()

	switch ev.Tag {
	case wire.TagPointDone:
		d.hub.Publish(events.TypePointDone, events.Point{Host: host, ID: ev.ID, ElapsedMS: float64(ev.Elapsed.Microseconds()) / 1000})
	case wire.TagError:
		hr.logger.Warn("point failed", "point_id", ev.ID, "error", ev.Message)
		d.hub.Publish(events.TypePointErr, events.Point{Host: host, ID: ev.ID, Error: ev.Message})
	default:
		d.hub.Publish(events.TypeLog, events.Log{Host: host, Level: ev.Tag.String(), Message: ev.Message})
	}
}

func (d *HostDispatcher) setState(s State) {
	d.mu.Lock()
	d.state = s
	payload := events.RunState{RunID: d.runID, State: string(s), Total: d.total, Hosts: len(d.runs)}
	d.mu.Unlock()
	d.hub.Publish(events.TypeRunState, payload)
}

func (d *HostDispatcher) setHostState(hr *hostRun, s State) {
	d.mu.Lock()
	hr.state = s
	d.mu.Unlock()
	hr.logger.Debug("host state", "state", s)
	d.hub.Publish(events.TypeHostState, events.HostState{
		Host:    hr.chunk.Host,
		State:   string(s),
		FirstID: hr.chunk.FirstID,
		Size:    hr.chunk.Len(),
		Workdir: hr.workdir,
	})
}

func (d *HostDispatcher) hostState(hr *hostRun) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return hr.state
}

// Status returns the current progress of the run.
func (d *HostDispatcher) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := Status{RunID: d.runID, State: d.state, Total: d.total}
	for _, hr := range d.runs {
		st.Done += hr.done
		st.Failed += hr.failed
		st.Hosts = append(st.Hosts, HostStatus{
			Host:    hr.chunk.Host,
			State:   hr.state,
			FirstID: hr.chunk.FirstID,
			Size:    hr.chunk.Len(),
			Done:    hr.done,
			Failed:  hr.failed,
			Workdir: hr.workdir,
		})
	}
	return st
}

// remoteWorkdir is the workdir path on a remote host.
func (d *HostDispatcher) remoteWorkdir() string {
	return path.Join(d.opts.RemoteTmpDir, d.wsm.NewName(d.opts.WorkdirBasis))
}
