package domain

import "time"

// internalMessage replaces the message of operator-side failures so paths and
// causes stay in the logs.
const internalMessage = "internal error, see server logs"

// Report is the failure body returned to callers.
type Report struct {
	JobID      string `json:"job_id"`
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// NewReport turns err into a caller-facing report. Internal failures carry a
// generic message and no diagnostics.
func NewReport(jobID string, err error, d time.Duration) Report {
	e := AsError(err)
	r := Report{
		JobID:      jobID,
		Kind:       e.Kind,
		Message:    e.Message,
		ExitCode:   e.ExitCode,
		Stdout:     e.Stdout,
		Stderr:     e.Stderr,
		Truncated:  e.Truncated,
		DurationMs: d.Milliseconds(),
	}
	if e.Kind == KindInternal {
		r.Message, r.Stdout, r.Stderr, r.Truncated = internalMessage, "", "", false
	}
	return r
}
