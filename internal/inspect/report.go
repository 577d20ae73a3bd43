// Package inspect renders one journalled run for the terminal or as JSON:
// the run row, its host shares with whatever their workdirs still hold,
// and its failed points.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/batchwrap/internal/journal"
)

// Source is the part of the journal a report reads.
type Source interface {
	Get(ctx context.Context, id string) (journal.Run, error)
	HostRuns(ctx context.Context, runID string) ([]journal.HostRun, error)
	PointErrors(ctx context.Context, runID string) ([]journal.PointError, error)
}

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID        string       `json:"run_id"`
	Status       string       `json:"status"`
	Wrapper      string       `json:"wrapper"`
	Digest       string       `json:"digest,omitempty"`
	Points       int          `json:"points"`
	FailedPoints int          `json:"failed_points"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	Hosts        []Host       `json:"hosts"`
	Errors       []PointError `json:"errors"`
}

// Host is one host's share of the run.
type Host struct {
	Host      string   `json:"host"`
	FirstID   int      `json:"first_id"`
	Size      int      `json:"size"`
	State     string   `json:"state"`
	HadErrors bool     `json:"had_errors"`
	Workdir   string   `json:"workdir,omitempty"`
	Kept      bool     `json:"kept"`
	Artifacts []string `json:"artifacts,omitempty"`
}

// PointError is one failed point.
type PointError struct {
	ID      int       `json:"id"`
	Host    string    `json:"host"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BuildReport renders a terminal-friendly report for a run.
func BuildReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	fmt.Fprintf(&out, "Wrapper     : %s\n", report.Wrapper)
	fmt.Fprintf(&out, "Digest      : %s\n", renderUnset(report.Digest, "<none>"))
	fmt.Fprintf(&out, "Points      : %d (%d failed)\n", report.Points, report.FailedPoints)
	fmt.Fprintf(&out, "Started     : %s\n", report.StartedAt.Format(time.RFC3339))
	if report.FinishedAt != nil {
		fmt.Fprintf(&out, "Finished    : %s (%s)\n", report.FinishedAt.Format(time.RFC3339),
			report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	}
	if report.LastError != "" {
		fmt.Fprintf(&out, "Last error  : %s\n", report.LastError)
	}
	fmt.Fprintf(&out, "\n")

	for i, h := range report.Hosts {
		fmt.Fprintf(&out, "[%d] %s :: points %s\n", i+1, h.Host, span(h.FirstID, h.Size))
		fmt.Fprintf(&out, "    state      : %s\n", h.State)
		fmt.Fprintf(&out, "    had_errors : %t\n", h.HadErrors)
		switch {
		case h.Workdir == "":
			fmt.Fprintf(&out, "    workdir    : <none>\n")
		case !h.Kept:
			fmt.Fprintf(&out, "    workdir    : %s (removed or remote)\n", h.Workdir)
		default:
			fmt.Fprintf(&out, "    workdir    : %s\n", h.Workdir)
			if len(h.Artifacts) == 0 {
				fmt.Fprintf(&out, "    artifacts  : <none>\n")
			} else {
				fmt.Fprintf(&out, "    artifacts  :\n")
				for _, artifact := range h.Artifacts {
					fmt.Fprintf(&out, "      - %s\n", artifact)
				}
			}
		}
		fmt.Fprintf(&out, "\n")
	}

	if len(report.Errors) > 0 {
		fmt.Fprintf(&out, "Failed points\n")
		for _, e := range report.Errors {
			fmt.Fprintf(&out, "  %6d  %-16s %s\n", e.ID, e.Host, e.Message)
		}
	}

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable JSON run report.
func BuildJSONReport(ctx context.Context, src Source, runID string) (string, error) {
	report, err := gatherReportData(ctx, src, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func gatherReportData(ctx context.Context, src Source, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}

	run, err := src.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	report := &Report{
		RunID:        run.ID,
		Status:       run.Status,
		Wrapper:      run.Wrapper,
		Digest:       run.Digest,
		Points:       run.Points,
		FailedPoints: run.FailedPoints,
		StartedAt:    run.StartedAt,
		LastError:    run.LastError,
		Hosts:        make([]Host, 0),
		Errors:       make([]PointError, 0),
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		report.FinishedAt = &finished
	}

	hostRuns, err := src.HostRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load host runs: %w", err)
	}
	for _, hr := range hostRuns {
		h := Host{
			Host:      hr.Host,
			FirstID:   hr.FirstID,
			Size:      hr.Size,
			State:     hr.State,
			HadErrors: hr.HadErrors,
			Workdir:   hr.Workdir,
		}
		if hr.Workdir != "" {
			artifacts, err := listArtifacts(hr.Workdir)
			if err == nil && artifacts != nil {
				h.Kept = true
				h.Artifacts = artifacts
			}
		}
		report.Hosts = append(report.Hosts, h)
	}

	perrs, err := src.PointErrors(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load point errors: %w", err)
	}
	for _, pe := range perrs {
		report.Errors = append(report.Errors, PointError{ID: pe.PointID, Host: pe.Host, Message: pe.Message, At: pe.At})
	}
	return report, nil
}

// listArtifacts returns the files below workdir, or nil when it is gone.
func listArtifacts(workdir string) ([]string, error) {
	if _, err := os.Stat(workdir); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	artifacts := make([]string, 0)
	err := filepath.WalkDir(workdir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if path == workdir || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(artifacts)
	return artifacts, nil
}

func span(first, size int) string {
	if size <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d-%d", first, first+size-1)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
