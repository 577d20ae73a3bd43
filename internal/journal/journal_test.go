package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/batchwrap/internal/dispatch"
	"github.com/mattjoyce/batchwrap/internal/sample"
	"github.com/mattjoyce/batchwrap/internal/wire"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordRunWithFailedPoint(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	failedAt := started.Add(3 * time.Second)
	report := &dispatch.Report{
		RunID:   "run-1",
		Started: started,
		Results: []sample.Result{
			sample.OK(sample.Point{1}),
			sample.OK(sample.Point{2}),
			{Err: "solver diverged"},
			sample.OK(sample.Point{4}),
		},
		Log: []dispatch.LogEntry{
			{Host: "n2", Event: wire.Event{Tag: wire.TagError, At: failedAt, ID: 2, Message: "solver diverged"}},
		},
		HadErrors: true,
		Hosts: []dispatch.HostReport{
			{Host: "n1", FirstID: 0, Size: 2, Workdir: "/tmp/model_1", Local: true, State: dispatch.StateDone},
			{Host: "n2", FirstID: 2, Size: 2, Workdir: "/scratch/model_2", HadErrors: true, State: dispatch.StateDone},
		},
	}
	err := j.Record(ctx, Entry{
		RunID:    "run-1",
		Wrapper:  "./model.sh",
		Digest:   "abc123",
		Points:   4,
		Hosts:    []string{"n1", "n2"},
		Started:  started,
		Finished: started.Add(10 * time.Second),
		Report:   report,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	run, err := j.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != StatusHadErrors {
		t.Fatalf("status = %q, want %q", run.Status, StatusHadErrors)
	}
	if run.FailedPoints != 1 || run.Points != 4 || run.Hosts != 2 {
		t.Fatalf("unexpected counts: %+v", run)
	}
	if run.Digest != "abc123" || run.Wrapper != "./model.sh" {
		t.Fatalf("unexpected run fields: %+v", run)
	}
	if !run.StartedAt.Equal(started) || !run.FinishedAt.Equal(started.Add(10*time.Second)) {
		t.Fatalf("times not round-tripped: %s %s", run.StartedAt, run.FinishedAt)
	}

	perrs, err := j.PointErrors(ctx, "run-1")
	if err != nil {
		t.Fatalf("PointErrors: %v", err)
	}
	if len(perrs) != 1 {
		t.Fatalf("expected 1 point error, got %d", len(perrs))
	}
	pe := perrs[0]
	if pe.PointID != 2 || pe.Host != "n2" || pe.Message != "solver diverged" {
		t.Fatalf("unexpected point error: %+v", pe)
	}
	if !pe.At.Equal(failedAt) {
		t.Fatalf("point error time = %s, want %s", pe.At, failedAt)
	}

	hrs, err := j.HostRuns(ctx, "run-1")
	if err != nil {
		t.Fatalf("HostRuns: %v", err)
	}
	if len(hrs) != 2 {
		t.Fatalf("expected 2 host runs, got %d", len(hrs))
	}
	if hrs[0].Host != "n1" || hrs[0].Workdir != "/tmp/model_1" || hrs[0].HadErrors {
		t.Fatalf("unexpected first host run: %+v", hrs[0])
	}
	if hrs[1].Host != "n2" || hrs[1].FirstID != 2 || hrs[1].Size != 2 || !hrs[1].HadErrors || hrs[1].State != "done" {
		t.Fatalf("unexpected second host run: %+v", hrs[1])
	}
}

func TestRecordTerminalStatuses(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()
	now := time.Now()

	tests := []struct {
		name      string
		entry     Entry
		status    string
		lastError string
	}{
		{
			name: "clean run",
			entry: Entry{
				RunID: "ok", Wrapper: "w", Points: 1, Started: now,
				Report: &dispatch.Report{Results: []sample.Result{sample.OK(sample.Point{1})}},
			},
			status: StatusSucceeded,
		},
		{
			name: "cancelled run",
			entry: Entry{
				RunID: "cancel", Wrapper: "w", Points: 2, Started: now,
				Report: &dispatch.Report{Results: []sample.Result{{Err: "not evaluated"}, {Err: "not evaluated"}}, Cancelled: true, HadErrors: true},
				Err:    dispatch.ErrCancelled,
			},
			status:    StatusCancelled,
			lastError: dispatch.ErrCancelled.Error(),
		},
		{
			name: "aborted run without report",
			entry: Entry{
				RunID: "abort", Wrapper: "w", Points: 2, Started: now,
				Err: errors.New("connect n1: connection refused"),
			},
			status:    StatusFailed,
			lastError: "connect n1: connection refused",
		},
	}

	for _, tt := range tests {
		if err := j.Record(ctx, tt.entry); err != nil {
			t.Fatalf("%s: Record: %v", tt.name, err)
		}
		run, err := j.Get(ctx, tt.entry.RunID)
		if err != nil {
			t.Fatalf("%s: Get: %v", tt.name, err)
		}
		if run.Status != tt.status {
			t.Errorf("%s: status = %q, want %q", tt.name, run.Status, tt.status)
		}
		if run.LastError != tt.lastError {
			t.Errorf("%s: last_error = %q, want %q", tt.name, run.LastError, tt.lastError)
		}
		if run.FinishedAt.IsZero() {
			t.Errorf("%s: finished_at not defaulted", tt.name)
		}
	}

	runs, err := j.Runs(ctx, 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != len(tests) {
		t.Fatalf("expected %d runs, got %d", len(tests), len(runs))
	}
}

func TestRecordRequiresRunID(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	if err := j.Record(context.Background(), Entry{Wrapper: "w"}); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestGetUnknownRun(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	_, err := j.Get(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunsNewestFirstAndPrune(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	ages := map[string]time.Duration{"old": 72 * time.Hour, "mid": 30 * time.Hour, "new": time.Hour}
	for id, age := range ages {
		report := &dispatch.Report{
			Results: []sample.Result{{Err: "boom"}},
			Hosts:   []dispatch.HostReport{{Host: "localhost", Size: 1, Local: true, State: dispatch.StateDone}},
		}
		if err := j.Record(ctx, Entry{RunID: id, Wrapper: "w", Points: 1, Started: now.Add(-age), Report: report}); err != nil {
			t.Fatalf("Record %s: %v", id, err)
		}
	}

	runs, err := j.Runs(ctx, 0)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "new" || runs[2].ID != "old" {
		t.Fatalf("unexpected order: %+v", runs)
	}

	n, err := j.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d runs, want 2", n)
	}
	if _, err := j.Get(ctx, "mid"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected mid to be pruned, got %v", err)
	}
	perrs, err := j.PointErrors(ctx, "old")
	if err != nil {
		t.Fatalf("PointErrors: %v", err)
	}
	if len(perrs) != 0 {
		t.Fatalf("point errors of pruned run survived: %+v", perrs)
	}
	if _, err := j.Prune(ctx, 0); err == nil {
		t.Fatal("expected error for non-positive age")
	}
}
