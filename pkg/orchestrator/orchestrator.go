package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opendg-project/buildci/pkg/builder"
	"github.com/opendg-project/buildci/pkg/config"
	"github.com/opendg-project/buildci/pkg/hostinfo"
	"github.com/opendg-project/buildci/pkg/logging"
	"github.com/opendg-project/buildci/pkg/models"
	"github.com/opendg-project/buildci/pkg/runner"
	"github.com/opendg-project/buildci/pkg/store"
)

// ImageBuilder builds and tags a container image for a run
type ImageBuilder interface {
	Build(ctx context.Context, req builder.Request) (*builder.Result, error)
}

// SmokeRunner executes a verification command in a disposable container
type SmokeRunner interface {
	Run(ctx context.Context, image string, cmd []string, env []string) (*runner.Result, error)
}

// Orchestrator turns incoming events into workflow runs and drives each run
// through build and verify. Runs in the same concurrency group supersede each
// other: dispatching a new run cancels whatever the group is currently doing.
type Orchestrator struct {
	cfg     *config.Config
	store   store.Store
	builder ImageBuilder
	runner  SmokeRunner
	log     *logging.Logger

	mu     sync.Mutex
	active map[string]*activeRun // concurrency group -> in-flight run
	wg     sync.WaitGroup
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
}

// New creates an orchestrator
func New(cfg *config.Config, st store.Store, b ImageBuilder, r SmokeRunner, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		store:   st,
		builder: b,
		runner:  r,
		log:     log,
		active:  make(map[string]*activeRun),
	}
}

// HandleEvent matches an event against the configured workflows and dispatches
// one run per matching workflow. It returns the created runs; an event that
// matches nothing returns an empty slice and no error.
func (o *Orchestrator) HandleEvent(ctx context.Context, event *models.Event) ([]*models.Run, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}

	var runs []*models.Run
	for i := range o.cfg.Workflows {
		w := &o.cfg.Workflows[i]
		if !w.Matches(event) {
			continue
		}
		run, err := o.dispatch(ctx, w, event)
		if err != nil {
			return runs, err
		}
		runs = append(runs, run)
	}

	if len(runs) == 0 {
		o.log.Debug("event matched no workflow", map[string]interface{}{
			"type": string(event.Type),
			"ref":  event.Ref(),
		})
	}
	return runs, nil
}

// dispatch creates a run, supersedes the group's in-flight work and starts
// the new run in the background.
func (o *Orchestrator) dispatch(ctx context.Context, w *config.Workflow, event *models.Event) (*models.Run, error) {
	ref := event.Ref()
	run := &models.Run{
		ID:               uuid.New().String(),
		Workflow:         w.Name,
		Event:            event.Type,
		Ref:              ref,
		CommitSHA:        event.CommitSHA,
		ConcurrencyGroup: w.GroupKey(ref),
		Status:           models.RunStatusQueued,
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// Creating the run and superseding the group happen under one lock, and
	// CreatedAt is stamped inside it: concurrent dispatches for the same group
	// serialize, so the later run always finds the earlier one already
	// persisted and supersedes it, never the other way around.
	o.mu.Lock()
	run.CreatedAt = time.Now()
	if err := o.store.CreateRun(run); err != nil {
		o.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	if w.Concurrency.CancelInProgress {
		o.supersedeGroupLocked(run)
	}
	o.active[run.ConcurrencyGroup] = &activeRun{runID: run.ID, cancel: cancel}
	o.mu.Unlock()

	o.log.Info("run queued", map[string]interface{}{
		"run":      run.ID,
		"workflow": w.Name,
		"ref":      ref,
		"group":    run.ConcurrencyGroup,
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.execute(runCtx, w, run, event)
		o.deregister(run.ConcurrencyGroup, run.ID)
	}()

	return run, nil
}

// supersedeGroupLocked marks every older non-terminal run in the group as
// superseded and cancels the one currently executing. Caller holds o.mu.
func (o *Orchestrator) supersedeGroupLocked(newRun *models.Run) {
	group := newRun.ConcurrencyGroup
	reason := fmt.Sprintf("superseded by run %s", newRun.ID)

	// Mark first, cancel second: the executing goroutine observes its context
	// cancellation only after the store already carries the terminal state.
	stale, err := o.store.GetRunsInGroup(group)
	if err == nil {
		for _, r := range stale {
			if r.ID == newRun.ID || models.IsTerminalState(r.Status) {
				continue
			}
			// Only older runs are superseded; a run dispatched after this
			// one keeps the group.
			if r.CreatedAt.After(newRun.CreatedAt) {
				continue
			}
			if ok, err := o.store.TransitionRun(r.ID, models.RunStatusSuperseded, reason); ok {
				o.log.Info("run superseded", map[string]interface{}{
					"run":   r.ID,
					"group": group,
					"by":    newRun.ID,
				})
			} else if err != nil {
				o.log.Warn("failed to supersede run", map[string]interface{}{
					"run":   r.ID,
					"error": err.Error(),
				})
			}
		}
	}

	if prev, ok := o.active[group]; ok && prev.runID != newRun.ID {
		prev.cancel()
		delete(o.active, group)
	}
}

// deregister removes the run from the active map unless a newer run has
// already taken the group slot.
func (o *Orchestrator) deregister(group, runID string) {
	o.mu.Lock()
	if cur, ok := o.active[group]; ok && cur.runID == runID {
		delete(o.active, group)
	}
	o.mu.Unlock()
}

// execute drives one run through the pipeline. Every state change goes
// through the store's FSM; a transition rejected because the run is already
// terminal means it was superseded or cancelled, and execution stops there.
func (o *Orchestrator) execute(ctx context.Context, w *config.Workflow, run *models.Run, event *models.Event) {
	if ok := o.transition(run.ID, models.RunStatusBuilding, ""); !ok {
		return
	}

	buildResult, err := o.builder.Build(ctx, o.buildRequest(w, event))
	if err != nil {
		o.fail(ctx, run.ID, fmt.Sprintf("build failed: %v", err))
		return
	}

	info := hostinfo.Collect()
	if err := o.store.SetRunBuildInfo(run.ID, buildResult.ImageTag, buildResult.CacheHit, info); err != nil {
		o.log.Warn("failed to record build info", map[string]interface{}{"run": run.ID, "error": err.Error()})
	}

	if ok := o.transition(run.ID, models.RunStatusVerifying, ""); !ok {
		return
	}

	verify, err := o.runner.Run(ctx, buildResult.ImageTag, w.Verify.Command, w.Verify.Env)
	if err != nil {
		o.fail(ctx, run.ID, fmt.Sprintf("verification failed: %v", err))
		return
	}

	if verify.Passed(w.Verify.Pattern) {
		o.setResult(run.ID, verify.ExitCode, verify.Output, "")
		o.finish(ctx, run.ID, models.RunStatusSucceeded, "")
		return
	}

	errMsg := fmt.Sprintf("smoke test failed: exit code %d", verify.ExitCode)
	o.setResult(run.ID, verify.ExitCode, verify.Output, errMsg)
	o.finish(ctx, run.ID, models.RunStatusFailed, errMsg)
}

func (o *Orchestrator) buildRequest(w *config.Workflow, event *models.Event) builder.Request {
	repoURL := event.RepoURL
	if repoURL == "" {
		repoURL = w.Repo.URL
	}
	branch := event.Branch
	if branch == "" {
		branch = w.Repo.DefaultBranch
	}

	src := builder.Source{CommitSHA: event.CommitSHA}
	if repoURL != "" {
		src.RepoURL = repoURL
		src.Branch = branch
	} else {
		src.ContextDir = w.Build.Context
	}

	return builder.Request{
		Workflow:   w.Name,
		Source:     src,
		Dockerfile: w.Build.Dockerfile,
		Tag:        w.Build.Tag,
		Lockfile:   w.Build.Lockfile,
		Manifest:   w.Build.Manifest,
		Args:       w.Build.Args,
	}
}

// transition applies a pipeline edge. A false return means the run is no
// longer ours to drive (already superseded or cancelled).
func (o *Orchestrator) transition(id string, to models.RunStatus, reason string) bool {
	ok, err := o.store.TransitionRun(id, to, reason)
	if !ok && err != nil {
		o.log.Debug("transition rejected", map[string]interface{}{
			"run": id, "to": string(to), "error": err.Error(),
		})
	}
	return ok
}

func (o *Orchestrator) setResult(id string, exitCode int, output, errMsg string) {
	if err := o.store.SetRunResult(id, exitCode, output, errMsg); err != nil {
		o.log.Warn("failed to record run result", map[string]interface{}{"run": id, "error": err.Error()})
	}
}

// fail records a pipeline error and moves the run to failed. A cancelled
// context means the run was superseded or cancelled and its terminal state
// is already in the store; the aborted step's error is not recorded over it.
func (o *Orchestrator) fail(ctx context.Context, id, errMsg string) {
	if ctx.Err() != nil {
		return
	}
	o.setResult(id, 0, "", errMsg)
	o.finish(ctx, id, models.RunStatusFailed, errMsg)
}

// finish records the run's terminal state. A run whose context was cancelled
// is already terminal in the store (the canceller transitions before
// cancelling), so the rejected edge is expected and swallowed here.
func (o *Orchestrator) finish(ctx context.Context, id string, to models.RunStatus, errMsg string) {
	if ok, _ := o.store.TransitionRun(id, to, errMsg); !ok {
		if ctx.Err() == nil {
			o.log.Warn("run already terminal", map[string]interface{}{"run": id, "wanted": string(to)})
		}
		return
	}

	fields := map[string]interface{}{"run": id, "status": string(to)}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	if models.IsFailure(to) {
		o.log.Error("run failed", fields)
	} else {
		o.log.Info("run completed", fields)
	}
}

// CancelRun cancels a queued or executing run on user request
func (o *Orchestrator) CancelRun(id, reason string) error {
	run, err := o.store.GetRun(id)
	if err != nil {
		return err
	}
	if models.IsTerminalState(run.Status) {
		return fmt.Errorf("run %s is already %s", id, run.Status)
	}
	if reason == "" {
		reason = "cancelled by user"
	}

	if ok, err := o.store.TransitionRun(id, models.RunStatusCancelled, reason); !ok {
		return fmt.Errorf("failed to cancel run %s: %v", id, err)
	}

	o.mu.Lock()
	if cur, ok := o.active[run.ConcurrencyGroup]; ok && cur.runID == id {
		cur.cancel()
		delete(o.active, run.ConcurrencyGroup)
	}
	o.mu.Unlock()

	o.log.Info("run cancelled", map[string]interface{}{"run": id, "reason": reason})
	return nil
}

// Recover reconciles store state after a restart: runs that were mid-flight
// when the previous process died cannot be resumed and are failed, queued
// runs are re-dispatched through their workflow.
func (o *Orchestrator) Recover(ctx context.Context) error {
	// Orphans are settled before any queued run is re-dispatched, so the
	// dispatch's group supersession never races the orphan cleanup.
	pending := o.store.GetActiveRuns()
	for _, run := range pending {
		if models.IsActiveState(run.Status) {
			o.finish(ctx, run.ID, models.RunStatusFailed, "orchestrator restarted mid-run")
		}
	}
	// Oldest first, so the newest queued run in a group resumes last and
	// supersedes its predecessors rather than being superseded by them.
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	for _, run := range pending {
		if run.Status != models.RunStatusQueued {
			continue
		}
		w, ok := o.cfg.Workflow(run.Workflow)
		if !ok {
			o.finish(ctx, run.ID, models.RunStatusFailed, "workflow no longer configured")
			continue
		}
		o.resume(ctx, w, run)
	}
	return nil
}

// resume restarts execution of an already-persisted queued run
func (o *Orchestrator) resume(ctx context.Context, w *config.Workflow, run *models.Run) {
	event := &models.Event{
		Type:      run.Event,
		CommitSHA: run.CommitSHA,
	}
	if run.Event == models.EventPullRequest {
		// ref was rendered as "pr-<n>"; the head branch is gone, clone default
		event.Branch = w.Repo.DefaultBranch
	} else {
		event.Branch = run.Ref
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	o.mu.Lock()
	if w.Concurrency.CancelInProgress {
		o.supersedeGroupLocked(run)
	}
	o.active[run.ConcurrencyGroup] = &activeRun{runID: run.ID, cancel: cancel}
	o.mu.Unlock()

	o.log.Info("resuming queued run", map[string]interface{}{"run": run.ID, "workflow": w.Name})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.execute(runCtx, w, run, event)
		o.deregister(run.ConcurrencyGroup, run.ID)
	}()
}

// ActiveCount reports how many runs are currently being driven
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown cancels all in-flight runs and waits for their goroutines to
// drain, or for the context to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	var cancelled []string
	for group, ar := range o.active {
		if ok, _ := o.store.TransitionRun(ar.runID, models.RunStatusCancelled, "orchestrator shutting down"); ok {
			cancelled = append(cancelled, ar.runID)
		}
		ar.cancel()
		delete(o.active, group)
	}
	o.mu.Unlock()

	if len(cancelled) > 0 {
		o.log.Info("cancelled in-flight runs for shutdown", map[string]interface{}{
			"runs": strings.Join(cancelled, ","),
		})
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
