package store

import (
	"testing"
	"time"

	"github.com/opendg-project/buildci/pkg/models"
)

func TestMemoryStoreRunLifecycle(t *testing.T) {
	s := NewMemoryStore()

	run := &models.Run{
		ID:               "run-1",
		Workflow:         "cpu-image",
		Event:            models.EventPullRequest,
		Ref:              "pr-7",
		ConcurrencyGroup: "cpu-image-pr-7",
		Status:           models.RunStatusQueued,
		CreatedAt:        time.Now(),
	}
	if err := s.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if ok, err := s.TransitionRun("run-1", models.RunStatusBuilding, ""); !ok || err != nil {
		t.Fatalf("transition to building failed: %v", err)
	}
	if ok, err := s.TransitionRun("run-1", models.RunStatusSuperseded, "newer run"); !ok || err != nil {
		t.Fatalf("transition to superseded failed: %v", err)
	}

	got, err := s.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != models.RunStatusSuperseded {
		t.Errorf("expected superseded, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt on terminal transition")
	}
	if len(got.StateTransitions) != 2 {
		t.Errorf("expected 2 audit transitions, got %d", len(got.StateTransitions))
	}

	// Terminal runs accept no further transitions
	if ok, err := s.TransitionRun("run-1", models.RunStatusBuilding, ""); ok || err == nil {
		t.Error("expected transition from terminal state to fail")
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateRun(&models.Run{ID: "run-1", Status: models.RunStatusQueued, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, _ := s.GetRun("run-1")
	got.Status = models.RunStatusFailed

	again, _ := s.GetRun("run-1")
	if again.Status != models.RunStatusQueued {
		t.Error("mutating a returned run must not affect the store")
	}
}

func TestMemoryStoreActiveRuns(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.CreateRun(&models.Run{ID: "a", Status: models.RunStatusQueued, CreatedAt: now})
	s.CreateRun(&models.Run{ID: "b", Status: models.RunStatusBuilding, CreatedAt: now})
	s.CreateRun(&models.Run{ID: "c", Status: models.RunStatusSucceeded, CreatedAt: now})

	active := s.GetActiveRuns()
	if len(active) != 2 {
		t.Errorf("expected 2 active runs, got %d", len(active))
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetRun("nope"); err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if err := s.UpdateRun(&models.Run{ID: "nope"}); err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := s.TransitionRun("nope", models.RunStatusBuilding, ""); err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}
