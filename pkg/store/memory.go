package store

import (
	"sync"
	"time"

	"github.com/opendg-project/buildci/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store, used for
// tests and for running the orchestrator without persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*models.Run
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*models.Run),
	}
}

// CreateRun adds a new run to the store
func (s *MemoryStore) CreateRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

// GetAllRuns returns all runs
func (s *MemoryStore) GetAllRuns() []*models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		cp := *run
		runs = append(runs, &cp)
	}
	return runs
}

// GetRunsByStatus returns runs in the given status
func (s *MemoryStore) GetRunsByStatus(status models.RunStatus) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*models.Run
	for _, run := range s.runs {
		if run.Status == status {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	return runs, nil
}

// GetRunsInGroup returns runs in the given concurrency group
func (s *MemoryStore) GetRunsInGroup(group string) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*models.Run
	for _, run := range s.runs {
		if run.ConcurrencyGroup == group {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	return runs, nil
}

// GetActiveRuns returns runs that are queued or executing
func (s *MemoryStore) GetActiveRuns() []*models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*models.Run
	for _, run := range s.runs {
		if !models.IsTerminalState(run.Status) {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	return runs
}

// UpdateRun replaces the stored run
func (s *MemoryStore) UpdateRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// DeleteRun removes a run permanently
func (s *MemoryStore) DeleteRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return ErrRunNotFound
	}
	delete(s.runs, id)
	return nil
}

// TransitionRun applies an FSM-validated state transition
func (s *MemoryStore) TransitionRun(id string, to models.RunStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false, ErrRunNotFound
	}
	if err := models.ValidateTransition(run.Status, to); err != nil {
		return false, err
	}

	applyTransition(run, to, reason)
	return true, nil
}

// SetRunResult records the smoke-test outcome
func (s *MemoryStore) SetRunResult(id string, exitCode int, output string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.ExitCode = exitCode
	run.Output = output
	run.Error = errMsg
	return nil
}

// SetRunBuildInfo records the build outcome
func (s *MemoryStore) SetRunBuildInfo(id string, imageTag string, cacheHit bool, runner *models.RunnerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	run.ImageTag = imageTag
	run.CacheHit = cacheHit
	if runner != nil {
		cp := *runner
		run.RunnerInfo = &cp
	}
	return nil
}

// GetRunMetrics aggregates run statistics
func (s *MemoryStore) GetRunMetrics() (*RunMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := &RunMetrics{
		RunsByStatus:   make(map[models.RunStatus]int),
		RunsByWorkflow: make(map[string]int),
	}

	var totalDuration float64
	completed := 0
	for _, run := range s.runs {
		metrics.TotalRuns++
		metrics.RunsByStatus[run.Status]++
		metrics.RunsByWorkflow[run.Workflow]++
		if models.IsActiveState(run.Status) {
			metrics.ActiveRuns++
		}
		if run.Status == models.RunStatusQueued {
			metrics.QueuedRuns++
		}
		if run.CacheHit {
			metrics.CacheHits++
		} else if run.StartedAt != nil {
			metrics.CacheMisses++
		}
		if run.CompletedAt != nil && run.StartedAt != nil {
			totalDuration += run.CompletedAt.Sub(*run.StartedAt).Seconds()
			completed++
		}
	}
	if completed > 0 {
		metrics.AvgDuration = totalDuration / float64(completed)
	}
	return metrics, nil
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Vacuum is a no-op for the in-memory store
func (s *MemoryStore) Vacuum() error {
	return nil
}

// applyTransition mutates the run for a validated transition: status,
// audit trail and start/completion stamps.
func applyTransition(run *models.Run, to models.RunStatus, reason string) {
	now := time.Now()
	run.StateTransitions = append(run.StateTransitions, models.StateTransition{
		From:      run.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	if run.Status == models.RunStatusQueued && to == models.RunStatusBuilding {
		run.StartedAt = &now
	}
	if models.IsTerminalState(to) {
		run.CompletedAt = &now
	}
	run.Status = to
}
