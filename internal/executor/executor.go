// Package executor evaluates the wrapper on single points.
//
// In shared mode every evaluation runs in the host workdir; this is the fast
// path but evaluations are not isolated from each other, so callers run at
// most one at a time. In isolated mode each point gets its own numbered
// directory with the helper files staged into it, and the wrapper runs there
// as a child process.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mattjoyce/batchwrap/internal/log"
	"github.com/mattjoyce/batchwrap/internal/sample"
	"github.com/mattjoyce/batchwrap/internal/workspace"
)

// Mode selects where evaluations run.
type Mode int

const (
	Shared Mode = iota
	Isolated
)

func (m Mode) String() string {
	if m == Isolated {
		return "isolated"
	}
	return "shared"
}

// Config describes an Executor.
type Config struct {
	Mode    Mode
	RunID   string
	Workdir string
	// Files are staged into each point directory in isolated mode.
	Files   []string
	Policy  workspace.CleanupPolicy
	Wrapper Wrapper
	// RemoveRetryDelay is the pause before the single retry of a failed
	// point directory removal.
	RemoveRetryDelay time.Duration
}

// Executor evaluates one point at a time per call; it is safe for concurrent
// use in isolated mode.
type Executor struct {
	cfg    Config
	logger *slog.Logger
}

// Outcome is the result of one evaluation.
type Outcome struct {
	Result  sample.Result
	Elapsed time.Duration
	// Warnings are non-fatal problems, such as a point directory that could
	// not be removed.
	Warnings []string
}

// New validates cfg. Isolated mode needs a wrapper that runs out of process.
func New(cfg Config) (*Executor, error) {
	if cfg.Wrapper == nil {
		return nil, errors.New("executor: wrapper is required")
	}
	if cfg.Workdir == "" {
		return nil, errors.New("executor: workdir is required")
	}
	if cfg.Mode == Isolated {
		if _, ok := cfg.Wrapper.(*CommandWrapper); !ok {
			return nil, fmt.Errorf("executor: isolated mode requires an executable wrapper, got %T", cfg.Wrapper)
		}
	}
	if cfg.Policy == "" {
		cfg.Policy = workspace.CleanupOK
	}
	if cfg.RemoveRetryDelay <= 0 {
		cfg.RemoveRetryDelay = workspace.DefaultRemoveRetryDelay
	}
	return &Executor{
		cfg:    cfg,
		logger: log.WithComponent("executor").With("mode", cfg.Mode.String()),
	}, nil
}

// Mode returns the evaluation mode.
func (e *Executor) Mode() Mode { return e.cfg.Mode }

// Execute evaluates point id. Failures are returned in the Result, never as
// an error.
func (e *Executor) Execute(ctx context.Context, id int, point sample.Point) Outcome {
	if e.cfg.Mode == Shared {
		return e.eval(ctx, id, e.cfg.Workdir, point)
	}

	dir, err := workspace.PointDir(e.cfg.Workdir, id)
	if err != nil {
		return Outcome{Result: sample.Failed(err.Error())}
	}
	var out Outcome
	if err := workspace.Stage(ctx, e.cfg.Files, dir); err != nil {
		out = Outcome{Result: sample.Failed(fmt.Sprintf("stage helper files: %v", err))}
	} else {
		out = e.eval(ctx, id, dir, point)
	}

	if e.cfg.Policy.ShouldRemove(out.Result.Failed()) {
		// Removal runs even when ctx is cancelled.
		if err := workspace.Remove(context.WithoutCancel(ctx), dir, e.cfg.RemoveRetryDelay); err != nil {
			msg := fmt.Sprintf("point %d: remove %s: %v", id, filepath.Base(dir), err)
			e.logger.Warn("failed to remove point directory", "point_id", id, "dir", dir, "error", err)
			out.Warnings = append(out.Warnings, msg)
		}
	}
	return out
}

func (e *Executor) eval(ctx context.Context, id int, dir string, point sample.Point) Outcome {
	start := time.Now()
	value, err := e.cfg.Wrapper.Eval(ctx, Call{RunID: e.cfg.RunID, ID: id, Dir: dir, Input: point})
	elapsed := time.Since(start)
	if err != nil {
		e.logger.Debug("point failed", "point_id", id, "error", err, "elapsed", elapsed)
		return Outcome{Result: sample.Failed(err.Error()), Elapsed: elapsed}
	}
	return Outcome{Result: sample.OK(value), Elapsed: elapsed}
}
