package models

import (
	"time"
)

// RunStatus represents the status of a workflow run
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusBuilding   RunStatus = "building"
	RunStatusVerifying  RunStatus = "verifying"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusSuperseded RunStatus = "superseded"
)

// EventType identifies the trigger that created a run
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventManual      EventType = "manual"
)

// Run represents a single execution of a workflow: one image build
// followed by one smoke-test verification.
type Run struct {
	ID               string            `json:"id"`
	Workflow         string            `json:"workflow"`
	Event            EventType         `json:"event"`
	Ref              string            `json:"ref"`                  // branch name or "pr-<n>"
	CommitSHA        string            `json:"commit_sha,omitempty"`
	ConcurrencyGroup string            `json:"concurrency_group"`
	Status           RunStatus         `json:"status"`
	ImageTag         string            `json:"image_tag,omitempty"`
	CacheHit         bool              `json:"cache_hit"`
	ExitCode         int               `json:"exit_code"`
	Output           string            `json:"output,omitempty"`
	RunnerInfo       *RunnerInfo       `json:"runner_info,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Error            string            `json:"error,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// RunnerInfo is a snapshot of the host that executed the run
type RunnerInfo struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os,omitempty"`
	Platform      string `json:"platform,omitempty"`
	CPUModel      string `json:"cpu_model,omitempty"`
	CPUThreads    int    `json:"cpu_threads,omitempty"`
	RAMTotalBytes uint64 `json:"ram_total_bytes,omitempty"`
}

// StateTransition tracks run state changes with timestamps
type StateTransition struct {
	From      RunStatus `json:"from"`
	To        RunStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Duration returns the wall-clock time the run spent executing,
// or zero if it never started.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if r.CompletedAt != nil {
		end = *r.CompletedAt
	}
	return end.Sub(*r.StartedAt)
}
