package models

import (
	"fmt"
	"time"
)

// Event represents a trigger delivered to the orchestrator, either a push
// to a branch or a pull request update.
type Event struct {
	Type       EventType `json:"type"`
	Branch     string    `json:"branch,omitempty"`
	PRNumber   int       `json:"pr_number,omitempty"`
	CommitSHA  string    `json:"commit_sha,omitempty"`
	RepoURL    string    `json:"repo_url,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Ref returns the scheduling ref for the event: the branch name for pushes,
// "pr-<n>" for pull requests. The ref is half of the concurrency-group key.
func (e *Event) Ref() string {
	if e.Type == EventPullRequest {
		return fmt.Sprintf("pr-%d", e.PRNumber)
	}
	return e.Branch
}

// Validate checks that the event carries the fields its type requires
func (e *Event) Validate() error {
	switch e.Type {
	case EventPush:
		if e.Branch == "" {
			return fmt.Errorf("push event requires a branch")
		}
	case EventPullRequest:
		if e.PRNumber <= 0 {
			return fmt.Errorf("pull_request event requires a positive pr_number")
		}
	case EventManual:
		// manual triggers may target any ref, including none
	default:
		return fmt.Errorf("unknown event type: %s", e.Type)
	}
	return nil
}
