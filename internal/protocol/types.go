package protocol

import "time"

// Version is the wrapper protocol version written into every request.
const Version = 1

// Request is the envelope sent to a wrapper process on stdin. One request
// evaluates one point.
type Request struct {
	Protocol   int        `json:"protocol"`
	RunID      string     `json:"run_id,omitempty"`
	PointID    int        `json:"point_id"`
	Input      []float64  `json:"input"`
	Workdir    string     `json:"workdir"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
}

// Response is the envelope a wrapper process writes to stdout.
type Response struct {
	Status string     `json:"status"` // ok | error
	Error  string     `json:"error,omitempty"`
	Output []float64  `json:"output,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry represents a log message from a wrapper.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// OK reports whether the wrapper evaluated the point.
func (r *Response) OK() bool {
	return r.Status == "ok"
}
