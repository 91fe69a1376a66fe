package domain

import "time"

// State is a step of the build job lifecycle.
type State string

const (
	StateReceived   State = "received"
	StateStaged     State = "staged"
	StateClassified State = "classified"
	StateExecuting  State = "executing"
	StateCollecting State = "collecting"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// File is one uploaded file as received from the caller.
// Name is untrusted until the workspace has accepted it.
type File struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// Request is the inbound payload of a build: a toolchain key and the files to build.
type Request struct {
	// ID optionally pins the job id (a UUID) so a client can watch the job's
	// events before the build returns.
	ID        string `json:"id,omitempty"`
	Toolchain string `json:"toolchain"`
	Files     []File `json:"files"`
}

// Artifact is the output of a successful job.
type Artifact struct {
	// Name is the base name of the toolchain's declared output path.
	Name        string
	ContentType string
	Data        []byte
}

// Job is one build request owned by the orchestrator for its whole lifetime.
type Job struct {
	ID        string
	Toolchain string
	Files     []File
	Workspace string
	State     State
	CreatedAt time.Time
}
