package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/batchwrap/internal/executor"
	"github.com/mattjoyce/batchwrap/internal/lock"
	"github.com/mattjoyce/batchwrap/internal/log"
	"github.com/mattjoyce/batchwrap/internal/sample"
	"github.com/mattjoyce/batchwrap/internal/wire"
	"github.com/mattjoyce/batchwrap/internal/workspace"
)

// File names inside a host workdir.
const (
	JobInFile      = "job.in"
	JobOutFile     = "job.out"
	WorkerLockFile = "worker.pid"
	WorkerBinary   = "batchwrap"
)

// errNotEvaluated marks points a cancelled pool never claimed.
const errNotEvaluated = "cancelled before evaluation"

// CoreConfig configures a CoreDispatcher.
type CoreConfig struct {
	Host string
	// Cores is the requested worker count; 0 means one per CPU.
	Cores    int
	FirstID  int
	Executor *executor.Executor
	// Out, when set, receives every event and, at the end, the result
	// sample and end marker.
	Out *wire.OutWriter
	// Notify, when set, is called for every event. It must be safe for
	// concurrent use.
	Notify func(wire.Event)
}

// CoreResult is the outcome of one pool run.
type CoreResult struct {
	Results   []sample.Result
	HadErrors bool
	Cancelled bool
	Workers   int
}

// CoreDispatcher evaluates one host's chunk on a fixed pool of workers.
type CoreDispatcher struct {
	cfg    CoreConfig
	logger *slog.Logger
}

// NewCore creates a CoreDispatcher.
func NewCore(cfg CoreConfig) (*CoreDispatcher, error) {
	if cfg.Executor == nil {
		return nil, errors.New("dispatch: executor is required")
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	return &CoreDispatcher{cfg: cfg, logger: log.WithHost(host).With("component", "core")}, nil
}

// Workers returns the pool size for n points: min(cores, n), and a single
// worker in shared mode.
func (c *CoreDispatcher) Workers(n int) int {
	if n <= 0 {
		return 0
	}
	if c.cfg.Executor.Mode() == executor.Shared {
		return 1
	}
	w := c.cfg.Cores
	if w <= 0 {
		w = runtime.NumCPU()
	}
	return min(w, n)
}

// Run evaluates points. Each local index is claimed by exactly one worker
// and its result stored at the same index. Cancellation stops further
// claims; points never claimed are reported as failed.
func (c *CoreDispatcher) Run(ctx context.Context, points []sample.Point) (CoreResult, error) {
	n := len(points)
	workers := c.Workers(n)
	results := make([]sample.Result, n)
	claimed := make([]bool, n)

	var (
		next      atomic.Int64
		hadErrors atomic.Bool
		wg        sync.WaitGroup
	)

	c.emit(wire.Event{Tag: wire.TagInfo, Message: fmt.Sprintf("evaluating %d points on %d workers (%s mode)", n, workers, c.cfg.Executor.Mode())})
	c.logger.Debug("core pool starting", "points", n, "workers", workers, "first_id", c.cfg.FirstID)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				i := int(next.Add(1) - 1)
				if i >= n {
					return
				}
				claimed[i] = true
				id := c.cfg.FirstID + i

				out := c.cfg.Executor.Execute(ctx, id, points[i])
				results[i] = out.Result
				for _, msg := range out.Warnings {
					c.emit(wire.Event{Tag: wire.TagWarn, ID: id, Message: msg})
				}
				if out.Result.Failed() {
					hadErrors.Store(true)
					c.emit(wire.Event{Tag: wire.TagError, ID: id, Elapsed: out.Elapsed, Message: out.Result.Err})
					continue
				}
				c.emit(wire.Event{Tag: wire.TagPointDone, ID: id, Elapsed: out.Elapsed})
			}
		}()
	}
	wg.Wait()

	res := CoreResult{Results: results, Workers: workers}
	if ctx.Err() != nil {
		for i := range results {
			if !claimed[i] {
				results[i] = sample.Failed(errNotEvaluated)
				res.Cancelled = true
			}
		}
		if res.Cancelled {
			hadErrors.Store(true)
			c.emit(wire.Event{Tag: wire.TagWarn, Message: "run cancelled; unclaimed points were not evaluated"})
		}
	}
	res.HadErrors = hadErrors.Load()

	if c.cfg.Out != nil {
		if err := c.cfg.Out.Finish(results); err != nil {
			return res, fmt.Errorf("finish job output: %w", err)
		}
	}
	return res, nil
}

func (c *CoreDispatcher) emit(ev wire.Event) {
	if c.cfg.Out != nil {
		switch ev.Tag {
		case wire.TagPointDone:
			c.cfg.Out.PointDone(ev.ID, ev.Elapsed)
		case wire.TagError:
			c.cfg.Out.Error(ev.ID, ev.Message)
		case wire.TagWarn:
			c.cfg.Out.Warn(ev.Message)
		case wire.TagInfo:
			c.cfg.Out.Info(ev.Message)
		default:
			c.cfg.Out.Debug(ev.Message)
		}
	}
	if c.cfg.Notify != nil {
		if ev.At.IsZero() {
			ev.At = time.Now()
		}
		c.cfg.Notify(ev)
	}
}

// RunWorker is the entry point of a launched remote worker. It reads
// job.in from workdir, evaluates the chunk, and streams job.out. A second
// worker started on the same workdir fails on the PID lock.
func RunWorker(ctx context.Context, workdir string) error {
	logger := log.WithComponent("worker").With("workdir", workdir)

	pid, err := lock.AcquirePIDLock(filepath.Join(workdir, WorkerLockFile))
	if err != nil {
		return fmt.Errorf("another worker owns %s: %w", workdir, err)
	}
	defer func() {
		if err := pid.Release(); err != nil {
			logger.Warn("failed to release worker lock", "error", err)
		}
	}()

	in, err := os.Open(filepath.Join(workdir, JobInFile))
	if err != nil {
		return fmt.Errorf("open job input: %w", err)
	}
	spec, err := wire.ReadJobSpecIn(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("read job input: %w", err)
	}

	policy, err := workspace.ParseCleanupPolicy(spec.Cleanup)
	if err != nil {
		return err
	}
	wrapperPath := spec.Wrapper
	if !filepath.IsAbs(wrapperPath) {
		wrapperPath = filepath.Join(workdir, wrapperPath)
	}
	wrapper, err := executor.NewCommandWrapper(wrapperPath, spec.WrapperArgs, spec.PointTimeout)
	if err != nil {
		return err
	}
	files := make([]string, len(spec.Files))
	for i, f := range spec.Files {
		if !filepath.IsAbs(f) {
			f = filepath.Join(workdir, f)
		}
		files[i] = f
	}
	mode := executor.Shared
	if spec.Separate {
		mode = executor.Isolated
	}
	ex, err := executor.New(executor.Config{
		Mode:    mode,
		RunID:   spec.RunID,
		Workdir: workdir,
		Files:   files,
		Policy:  policy,
		Wrapper: wrapper,
	})
	if err != nil {
		return err
	}

	outFile, err := os.OpenFile(filepath.Join(workdir, JobOutFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create job output: %w", err)
	}
	defer outFile.Close()
	ow, err := wire.NewOutWriter(outFile)
	if err != nil {
		return err
	}

	core, err := NewCore(CoreConfig{
		Host:     spec.Host,
		Cores:    spec.Cores,
		FirstID:  spec.FirstID,
		Executor: ex,
		Out:      ow,
	})
	if err != nil {
		return err
	}
	res, err := core.Run(ctx, spec.Points)
	if err != nil {
		return err
	}
	logger.Debug("worker finished", "points", len(res.Results), "had_errors", res.HadErrors)
	return nil
}
