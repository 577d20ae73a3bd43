package api

import "time"

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	RunID         string `json:"run_id,omitempty"`
	State         string `json:"state"`
}

// RunResponse is one journal entry.
type RunResponse struct {
	ID           string     `json:"id"`
	Wrapper      string     `json:"wrapper"`
	Digest       string     `json:"digest,omitempty"`
	Points       int        `json:"points"`
	Hosts        int        `json:"hosts"`
	Status       string     `json:"status"`
	FailedPoints int        `json:"failed_points"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// PointErrorResponse is one failed point of a run.
type PointErrorResponse struct {
	PointID int       `json:"point_id"`
	Host    string    `json:"host"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RunDetailResponse is returned by GET /runs/{id}.
type RunDetailResponse struct {
	RunResponse
	Errors []PointErrorResponse `json:"errors"`
}

// RunListResponse is returned by GET /runs.
type RunListResponse struct {
	Runs []RunResponse `json:"runs"`
}
