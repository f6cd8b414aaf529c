package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/opendg-project/buildci/pkg/builder"
	"github.com/opendg-project/buildci/pkg/config"
	"github.com/opendg-project/buildci/pkg/logging"
	"github.com/opendg-project/buildci/pkg/models"
	"github.com/opendg-project/buildci/pkg/runner"
	"github.com/opendg-project/buildci/pkg/store"
)

// fakeBuilder returns a canned build result. With blockFirst set, the first
// build hangs until its context is cancelled, which lets tests hold a run
// in-flight while a second one supersedes it.
type fakeBuilder struct {
	mu         sync.Mutex
	calls      int
	err        error
	cacheHit   bool
	blockFirst bool
	started    chan struct{}
}

func (f *fakeBuilder) Build(ctx context.Context, req builder.Request) (*builder.Result, error) {
	f.mu.Lock()
	f.calls++
	first := f.calls == 1
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.blockFirst && first {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &builder.Result{ImageTag: req.Tag, CacheHit: f.cacheHit}, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	exitCode int
	output   string
	err      error
}

func (f *fakeRunner) Run(ctx context.Context, image string, cmd []string, env []string) (*runner.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &runner.Result{ExitCode: f.exitCode, Output: f.output}, nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Workflows: []config.Workflow{
			{
				Name: "cpu-image",
				Triggers: config.Triggers{
					Push:        config.PushTrigger{Branches: []string{"master"}},
					PullRequest: true,
				},
				Build: config.Build{
					Context: ".",
					Tag:     "opendg-cpu",
				},
				Verify: config.Verify{
					Command: []string{"python", "-c", "import opendg; print(opendg.__version__)"},
					Pattern: `\d+\.\d+`,
				},
				Concurrency: config.Concurrency{
					Group:            "{workflow}-{ref}",
					CancelInProgress: true,
				},
			},
		},
	}
}

func newTestOrchestrator(b ImageBuilder, r SmokeRunner) (*Orchestrator, store.Store) {
	s := store.NewMemoryStore()
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	return New(testConfig(), s, b, r, log), s
}

// waitForStatus polls until the run reaches the wanted status or times out
func waitForStatus(t *testing.T, s store.Store, id string, want models.RunStatus) *models.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(id)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := s.GetRun(id)
	t.Fatalf("run %s never reached %s (stuck at %s)", id, want, run.Status)
	return nil
}

func pushEvent(branch, sha string) *models.Event {
	return &models.Event{Type: models.EventPush, Branch: branch, CommitSHA: sha}
}

func TestHandleEventRunsPipelineToSuccess(t *testing.T) {
	b := &fakeBuilder{cacheHit: true}
	r := &fakeRunner{exitCode: 0, output: "0.1.0\n"}
	o, s := newTestOrchestrator(b, r)

	runs, err := o.HandleEvent(context.Background(), pushEvent("master", "abc123"))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}

	got := waitForStatus(t, s, runs[0].ID, models.RunStatusSucceeded)
	if got.ImageTag != "opendg-cpu" {
		t.Errorf("unexpected image tag: %s", got.ImageTag)
	}
	if !got.CacheHit {
		t.Error("expected cache hit to be recorded")
	}
	if got.ExitCode != 0 || got.Output != "0.1.0\n" {
		t.Errorf("unexpected result: exit=%d output=%q", got.ExitCode, got.Output)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("expected start and completion timestamps")
	}
	if got.ConcurrencyGroup != "cpu-image-master" {
		t.Errorf("unexpected concurrency group: %s", got.ConcurrencyGroup)
	}
}

func TestHandleEventIgnoresUnmatchedBranch(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeBuilder{}, &fakeRunner{})

	runs, err := o.HandleEvent(context.Background(), pushEvent("feature/x", ""))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("push to non-trigger branch must not start runs, got %d", len(runs))
	}
}

func TestHandleEventRejectsInvalidEvent(t *testing.T) {
	o, _ := newTestOrchestrator(&fakeBuilder{}, &fakeRunner{})
	if _, err := o.HandleEvent(context.Background(), &models.Event{Type: models.EventPush}); err == nil {
		t.Fatal("expected validation error for push without branch")
	}
}

func TestNewRunSupersedesInFlightRun(t *testing.T) {
	b := &fakeBuilder{blockFirst: true, started: make(chan struct{}, 2)}
	r := &fakeRunner{exitCode: 0, output: "0.1.0\n"}
	o, s := newTestOrchestrator(b, r)

	first, err := o.HandleEvent(context.Background(), pushEvent("master", "aaa111"))
	if err != nil {
		t.Fatalf("first HandleEvent failed: %v", err)
	}
	<-b.started // first build is in flight

	second, err := o.HandleEvent(context.Background(), pushEvent("master", "bbb222"))
	if err != nil {
		t.Fatalf("second HandleEvent failed: %v", err)
	}

	superseded := waitForStatus(t, s, first[0].ID, models.RunStatusSuperseded)
	waitForStatus(t, s, second[0].ID, models.RunStatusSucceeded)

	// Supersession is not a failure and must not wear the aborted build's error
	if models.IsFailure(superseded.Status) {
		t.Error("superseded run must not count as failed")
	}
	if superseded.Error != "" {
		t.Errorf("superseded run must not carry a build error, got %q", superseded.Error)
	}
	if len(superseded.StateTransitions) == 0 {
		t.Fatal("expected audit transitions")
	}
	last := superseded.StateTransitions[len(superseded.StateTransitions)-1]
	if last.To != models.RunStatusSuperseded || last.Reason == "" {
		t.Errorf("expected supersession audit entry with reason, got %+v", last)
	}
}

// gatedBuilder holds every build until the gate is closed, keeping all
// dispatched runs in flight at once.
type gatedBuilder struct {
	release chan struct{}
}

func (g *gatedBuilder) Build(ctx context.Context, req builder.Request) (*builder.Result, error) {
	select {
	case <-g.release:
		return &builder.Result{ImageTag: req.Tag}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// slowCreateStore widens the window between persisting a run and superseding
// its group, the way a loaded database would.
type slowCreateStore struct {
	store.Store
}

func (s *slowCreateStore) CreateRun(run *models.Run) error {
	time.Sleep(20 * time.Millisecond)
	return s.Store.CreateRun(run)
}

func waitForTerminal(t *testing.T, s store.Store, id string) *models.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := s.GetRun(id)
		if err != nil {
			t.Fatalf("GetRun failed: %v", err)
		}
		if models.IsTerminalState(run.Status) {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", id)
	return nil
}

func TestConcurrentDuplicateTriggersLeaveOneWinner(t *testing.T) {
	gate := make(chan struct{})
	b := &gatedBuilder{release: gate}
	r := &fakeRunner{exitCode: 0, output: "0.1.0\n"}
	s := &slowCreateStore{Store: store.NewMemoryStore()}
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	o := New(testConfig(), s, b, r, log)

	// Two pushes to the same branch land at the same moment
	var wg sync.WaitGroup
	ids := make([]string, 2)
	errs := make([]error, 2)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runs, err := o.HandleEvent(context.Background(), pushEvent("master", fmt.Sprintf("sha-%d", i)))
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = runs[0].ID
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			t.Fatalf("HandleEvent failed: %v", err)
		}
	}
	close(gate)

	// Exactly one run must carry the group to completion; the group must
	// never end with every run superseded.
	counts := map[models.RunStatus]int{}
	for _, id := range ids {
		counts[waitForTerminal(t, s, id).Status]++
	}
	if counts[models.RunStatusSucceeded] != 1 || counts[models.RunStatusSuperseded] != 1 {
		t.Fatalf("expected one succeeded and one superseded run, got %v", counts)
	}
}

func TestQueuedRunIsSupersededBeforeItStarts(t *testing.T) {
	b := &fakeBuilder{cacheHit: false}
	r := &fakeRunner{exitCode: 0, output: "0.1.0\n"}
	o, s := newTestOrchestrator(b, r)

	// A queued run planted directly in the store stands in for a run the
	// orchestrator has not picked up yet.
	stale := &models.Run{
		ID:               "stale-run",
		Workflow:         "cpu-image",
		Event:            models.EventPush,
		Ref:              "master",
		ConcurrencyGroup: "cpu-image-master",
		Status:           models.RunStatusQueued,
		CreatedAt:        time.Now(),
	}
	if err := s.CreateRun(stale); err != nil {
		t.Fatal(err)
	}

	runs, err := o.HandleEvent(context.Background(), pushEvent("master", "ccc333"))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	waitForStatus(t, s, "stale-run", models.RunStatusSuperseded)
	waitForStatus(t, s, runs[0].ID, models.RunStatusSucceeded)
}

func TestRunsInDifferentGroupsDoNotInterfere(t *testing.T) {
	b := &fakeBuilder{}
	r := &fakeRunner{exitCode: 0, output: "0.1.0\n"}
	o, s := newTestOrchestrator(b, r)

	pr7, err := o.HandleEvent(context.Background(), &models.Event{Type: models.EventPullRequest, PRNumber: 7})
	if err != nil {
		t.Fatal(err)
	}
	pr8, err := o.HandleEvent(context.Background(), &models.Event{Type: models.EventPullRequest, PRNumber: 8})
	if err != nil {
		t.Fatal(err)
	}

	got7 := waitForStatus(t, s, pr7[0].ID, models.RunStatusSucceeded)
	got8 := waitForStatus(t, s, pr8[0].ID, models.RunStatusSucceeded)
	if got7.ConcurrencyGroup == got8.ConcurrencyGroup {
		t.Error("different PRs must land in different concurrency groups")
	}
}

func TestBuildFailureFailsRun(t *testing.T) {
	b := &fakeBuilder{err: errors.New("lockfile does not satisfy pyproject.toml")}
	r := &fakeRunner{}
	o, s := newTestOrchestrator(b, r)

	runs, err := o.HandleEvent(context.Background(), pushEvent("master", ""))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	got := waitForStatus(t, s, runs[0].ID, models.RunStatusFailed)
	if got.Error == "" {
		t.Error("expected build error on the run")
	}
	if r.callCount() != 0 {
		t.Error("smoke test must not run when the build fails")
	}
}

func TestSmokeTestFailureFailsRun(t *testing.T) {
	b := &fakeBuilder{}
	r := &fakeRunner{exitCode: 1, output: "ModuleNotFoundError\n"}
	o, s := newTestOrchestrator(b, r)

	runs, err := o.HandleEvent(context.Background(), pushEvent("master", ""))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	got := waitForStatus(t, s, runs[0].ID, models.RunStatusFailed)
	if got.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", got.ExitCode)
	}
	if got.Output != "ModuleNotFoundError\n" {
		t.Errorf("expected smoke-test output on the run, got %q", got.Output)
	}
}

func TestVersionPatternMismatchFailsRun(t *testing.T) {
	b := &fakeBuilder{}
	r := &fakeRunner{exitCode: 0, output: "not a version\n"}
	o, s := newTestOrchestrator(b, r)

	runs, err := o.HandleEvent(context.Background(), pushEvent("master", ""))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}

	waitForStatus(t, s, runs[0].ID, models.RunStatusFailed)
}

func TestCancelRun(t *testing.T) {
	b := &fakeBuilder{blockFirst: true, started: make(chan struct{}, 1)}
	o, s := newTestOrchestrator(b, &fakeRunner{})

	runs, err := o.HandleEvent(context.Background(), pushEvent("master", ""))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	<-b.started

	if err := o.CancelRun(runs[0].ID, "operator request"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	got := waitForStatus(t, s, runs[0].ID, models.RunStatusCancelled)
	if models.IsFailure(got.Status) {
		t.Error("cancellation must not count as failure")
	}

	// Cancelling a terminal run is an error
	if err := o.CancelRun(runs[0].ID, ""); err == nil {
		t.Error("expected error when cancelling a terminal run")
	}
}

func TestRecoverFailsOrphanedRuns(t *testing.T) {
	b := &fakeBuilder{}
	r := &fakeRunner{exitCode: 0, output: "0.1.0\n"}
	o, s := newTestOrchestrator(b, r)

	now := time.Now()
	s.CreateRun(&models.Run{
		ID: "orphan", Workflow: "cpu-image", Ref: "master",
		ConcurrencyGroup: "cpu-image-master", Status: models.RunStatusQueued, CreatedAt: now,
	})
	s.TransitionRun("orphan", models.RunStatusBuilding, "")
	s.CreateRun(&models.Run{
		ID: "queued", Workflow: "cpu-image", Event: models.EventPush, Ref: "master",
		ConcurrencyGroup: "cpu-image-master", Status: models.RunStatusQueued, CreatedAt: now,
	})

	if err := o.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	waitForStatus(t, s, "orphan", models.RunStatusFailed)
	waitForStatus(t, s, "queued", models.RunStatusSucceeded)
}

func TestShutdownCancelsInFlightRuns(t *testing.T) {
	b := &fakeBuilder{blockFirst: true, started: make(chan struct{}, 1)}
	o, s := newTestOrchestrator(b, &fakeRunner{})

	runs, err := o.HandleEvent(context.Background(), pushEvent("master", ""))
	if err != nil {
		t.Fatalf("HandleEvent failed: %v", err)
	}
	<-b.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got, err := s.GetRun(runs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunStatusCancelled {
		t.Errorf("expected cancelled after shutdown, got %s", got.Status)
	}
	if o.ActiveCount() != 0 {
		t.Errorf("expected no active runs after shutdown, got %d", o.ActiveCount())
	}
}
