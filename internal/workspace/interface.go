package workspace

import (
	"fmt"
	"strings"
)

// CleanupPolicy decides whether a workdir is removed once its job finishes.
type CleanupPolicy string

const (
	// CleanupNo never removes workdirs.
	CleanupNo CleanupPolicy = "no"
	// CleanupOK removes workdirs only when no point failed.
	CleanupOK CleanupPolicy = "ok"
	// CleanupAll always removes workdirs.
	CleanupAll CleanupPolicy = "all"
)

// ParseCleanupPolicy validates a policy name. Empty means CleanupOK.
func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	switch p := CleanupPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return CleanupOK, nil
	case CleanupNo, CleanupOK, CleanupAll:
		return p, nil
	default:
		return "", fmt.Errorf("invalid cleanup policy %q (want no, ok or all)", s)
	}
}

// ShouldRemove applies the policy to a job outcome.
func (p CleanupPolicy) ShouldRemove(hadErrors bool) bool {
	switch p {
	case CleanupAll:
		return true
	case CleanupOK:
		return !hadErrors
	default:
		return false
	}
}

// Workdir is a directory private to one host's share of a run.
type Workdir struct {
	Name string
	Dir  string
}

// ErrFile is the diagnostic file beside the workdir that receives the
// launched worker's stdout and stderr.
func (w Workdir) ErrFile() string {
	return w.Dir + ".err"
}

// PruneReport summarizes a prune run.
type PruneReport struct {
	DeletedDirs int
}
