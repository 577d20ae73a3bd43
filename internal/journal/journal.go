// Package journal keeps a SQLite ledger of runs: one row per run, one per
// host share, and one per failed point.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/batchwrap/internal/dispatch"
	"github.com/mattjoyce/batchwrap/internal/storage"
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusHadErrors = "had_errors"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Entry is everything recorded about one finished run. Report is nil when
// the run aborted; Err is its error.
type Entry struct {
	RunID    string
	Wrapper  string
	Digest   string
	Points   int
	Hosts    []string
	Started  time.Time
	Finished time.Time
	Report   *dispatch.Report
	Err      error
}

// Run is one row of the runs table.
type Run struct {
	ID           string    `json:"id"`
	Wrapper      string    `json:"wrapper"`
	Digest       string    `json:"digest,omitempty"`
	Points       int       `json:"points"`
	Hosts        int       `json:"hosts"`
	Status       string    `json:"status"`
	FailedPoints int       `json:"failed_points"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	LastError    string    `json:"last_error,omitempty"`
}

// HostRun is one host's share of a run.
type HostRun struct {
	Host      string
	FirstID   int
	Size      int
	Workdir   string
	State     string
	HadErrors bool
}

// PointError is one failed point of a run.
type PointError struct {
	PointID int
	Host    string
	Message string
	At      time.Time
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database whose tables already exist.
func New(db *sql.DB) *Journal {
	return &Journal{db: db, now: time.Now}
}

// Open opens (creating if needed) the journal database at path.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record writes a finished run in one transaction.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.RunID == "" {
		return fmt.Errorf("run id is empty")
	}
	status, lastError := statusOf(e)
	failed := 0
	if e.Report != nil {
		for _, r := range e.Report.Results {
			if r.Failed() {
				failed++
			}
		}
	}
	finished := e.Finished
	if finished.IsZero() {
		finished = j.now()
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(id, wrapper, digest, points, hosts, status, failed_points, started_at, finished_at, last_error)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  failed_points = excluded.failed_points,
  finished_at = excluded.finished_at,
  last_error = excluded.last_error;
`, e.RunID, e.Wrapper, nullable(e.Digest), e.Points, len(e.Hosts), status, failed,
		formatTime(e.Started), formatTime(finished), nullable(lastError))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	if e.Report != nil {
		if err := recordHosts(ctx, tx, e.RunID, e.Report); err != nil {
			return err
		}
		if err := recordPointErrors(ctx, tx, e.RunID, e.Report, finished); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func statusOf(e Entry) (string, string) {
	switch {
	case errors.Is(e.Err, dispatch.ErrCancelled):
		return StatusCancelled, e.Err.Error()
	case e.Err != nil:
		return StatusFailed, e.Err.Error()
	case e.Report != nil && e.Report.HadErrors:
		return StatusHadErrors, ""
	default:
		return StatusSucceeded, ""
	}
}

func recordHosts(ctx context.Context, tx *sql.Tx, runID string, report *dispatch.Report) error {
	for _, h := range report.Hosts {
		_, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO host_runs(run_id, host, first_id, size, workdir, state, had_errors)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, runID, h.Host, h.FirstID, h.Size, nullable(h.Workdir), string(h.State), h.HadErrors)
		if err != nil {
			return fmt.Errorf("insert host run %s: %w", h.Host, err)
		}
	}
	return nil
}

// recordPointErrors stores every failed result. The error event's time is
// used when the log has one; points that never ran get the run's end time.
func recordPointErrors(ctx context.Context, tx *sql.Tx, runID string, report *dispatch.Report, finished time.Time) error {
	at := make(map[int]time.Time)
	for _, entry := range report.Log {
		if entry.IsError() {
			at[entry.ID] = entry.At
		}
	}

	for id, r := range report.Results {
		if !r.Failed() {
			continue
		}
		when, ok := at[id]
		if !ok || when.IsZero() {
			when = finished
		}
		_, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO point_errors(run_id, point_id, host, message, at)
VALUES(?, ?, ?, ?, ?);
`, runID, id, hostOf(report.Hosts, id), r.Err, formatTime(when))
		if err != nil {
			return fmt.Errorf("insert point error %d: %w", id, err)
		}
	}
	return nil
}

func hostOf(hosts []dispatch.HostReport, id int) string {
	for _, h := range hosts {
		if id >= h.FirstID && id < h.FirstID+h.Size {
			return h.Host
		}
	}
	return ""
}

// Runs returns the most recent runs, newest first.
func (j *Journal) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT id, wrapper, digest, points, hosts, status, failed_points, started_at, finished_at, last_error
FROM runs ORDER BY started_at DESC LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get returns one run.
func (j *Journal) Get(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT id, wrapper, digest, points, hosts, status, failed_points, started_at, finished_at, last_error
FROM runs WHERE id = ?;
`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// PointErrors returns the failed points of a run in id order.
func (j *Journal) PointErrors(ctx context.Context, runID string) ([]PointError, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT point_id, host, message, at FROM point_errors WHERE run_id = ? ORDER BY point_id;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query point errors: %w", err)
	}
	defer rows.Close()

	var out []PointError
	for rows.Next() {
		var (
			pe PointError
			at string
		)
		if err := rows.Scan(&pe.PointID, &pe.Host, &pe.Message, &at); err != nil {
			return nil, fmt.Errorf("scan point error: %w", err)
		}
		pe.At = parseTime(at)
		out = append(out, pe)
	}
	return out, rows.Err()
}

// HostRuns returns the host shares of a run in partition order.
func (j *Journal) HostRuns(ctx context.Context, runID string) ([]HostRun, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT host, first_id, size, workdir, state, had_errors FROM host_runs WHERE run_id = ? ORDER BY first_id;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query host runs: %w", err)
	}
	defer rows.Close()

	var out []HostRun
	for rows.Next() {
		var (
			hr      HostRun
			workdir sql.NullString
		)
		if err := rows.Scan(&hr.Host, &hr.FirstID, &hr.Size, &workdir, &hr.State, &hr.HadErrors); err != nil {
			return nil, fmt.Errorf("scan host run: %w", err)
		}
		hr.Workdir = workdir.String
		out = append(out, hr)
	}
	return out, rows.Err()
}

// Prune deletes runs started before now-olderThan, with their host and
// point rows.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := formatTime(j.now().Add(-olderThan))

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Foreign keys are enabled per connection, so children go explicitly.
	for _, child := range []string{"host_runs", "point_errors"} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE run_id IN (SELECT id FROM runs WHERE started_at < ?);`, child)
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			return 0, fmt.Errorf("prune %s: %w", child, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r                 Run
		digest, lastError sql.NullString
		started           string
		finished          sql.NullString
	)
	err := s.Scan(&r.ID, &r.Wrapper, &digest, &r.Points, &r.Hosts, &r.Status, &r.FailedPoints, &started, &finished, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.Digest = digest.String
	r.LastError = lastError.String
	r.StartedAt = parseTime(started)
	if finished.Valid {
		r.FinishedAt = parseTime(finished.String)
	}
	return r, nil
}

// timeLayout has a fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
