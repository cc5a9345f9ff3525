// Package sync owns catalog synchronization: the per-platform workers that
// crawl rate-limited catalog APIs with resumable checkpoints, and the
// orchestrator that schedules them.
package sync

import (
	"time"

	"github.com/calliohq/calliope/internal/platform"
)

// State is the lifecycle state of a sync job.
type State string

// Job states. Retrying is an internal sub-state that re-enters Running
// after backoff; terminal states are Succeeded and Failed.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Stats counts what a job did. Job status always reports counts, never a
// bare error, so callers can tell "finished with skipped records" from
// "did not run".
type Stats struct {
	Fetched   int `json:"fetched"`
	Matched   int `json:"matched"`
	Created   int `json:"created"`
	Failed    int `json:"failed"`
	Ambiguous int `json:"ambiguous"`
}

// Job is one orchestrator-scheduled unit of sync work for a single
// platform and mode.
type Job struct {
	ID         string            `json:"id"`
	Platform   platform.Name     `json:"platform"`
	Mode       platform.SyncMode `json:"mode"`
	State      State             `json:"state"`
	Attempts   int               `json:"attempts"`
	Stats      Stats             `json:"stats"`
	Error      string            `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
