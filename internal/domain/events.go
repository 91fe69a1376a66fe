package domain

import (
	"context"
	"time"
)

// Event is published on every job state transition.
type Event struct {
	JobID     string    `json:"job_id"`
	Toolchain string    `json:"toolchain"`
	State     State     `json:"state"`
	Kind      Kind      `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// EventPublisher fans job events out to observers.
// Publishing is best effort: a failing publisher never fails a job.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// EventSubscriber streams events published by any process.
type EventSubscriber interface {
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// JobRecord is the persisted summary of a finished job. It never holds artifact bytes.
type JobRecord struct {
	ID           string    `json:"id"`
	Toolchain    string    `json:"toolchain"`
	State        State     `json:"state"`
	Kind         Kind      `json:"kind,omitempty"`
	Message      string    `json:"message,omitempty"`
	ExitCode     int       `json:"exit_code"`
	DurationMs   int64     `json:"duration_ms"`
	ArtifactSize int       `json:"artifact_size"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JobStore keeps job history.
type JobStore interface {
	Save(ctx context.Context, rec JobRecord) error
	Get(ctx context.Context, id string) (JobRecord, error)
}
