package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/opendg-project/buildci/pkg/logging"
	"github.com/opendg-project/buildci/pkg/models"
	"github.com/opendg-project/buildci/pkg/store"
)

// fakeDispatcher records events and manipulates the shared store the way the
// real orchestrator would.
type fakeDispatcher struct {
	store  store.Store
	events []*models.Event
	err    error
}

func (f *fakeDispatcher) HandleEvent(ctx context.Context, event *models.Event) ([]*models.Run, error) {
	f.events = append(f.events, event)
	if f.err != nil {
		return nil, f.err
	}
	run := &models.Run{
		ID:               "run-1",
		Workflow:         "cpu-image",
		Event:            event.Type,
		Ref:              event.Ref(),
		ConcurrencyGroup: "cpu-image-" + event.Ref(),
		Status:           models.RunStatusQueued,
		CreatedAt:        time.Now(),
	}
	if err := f.store.CreateRun(run); err != nil {
		return nil, err
	}
	return []*models.Run{run}, nil
}

func (f *fakeDispatcher) CancelRun(id, reason string) error {
	_, err := f.store.TransitionRun(id, models.RunStatusCancelled, reason)
	return err
}

func setupHandler() (*Handler, *fakeDispatcher, store.Store, *mux.Router) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{store: s}
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	h := NewHandler(s, d, log)
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return h, d, s, router
}

func TestReceiveEventDispatchesRuns(t *testing.T) {
	_, d, _, router := setupHandler()

	body := `{"type":"push","branch":"master","commit_sha":"abc123"}`
	req := httptest.NewRequest("POST", "/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(d.events) != 1 || d.events[0].Branch != "master" {
		t.Fatalf("dispatcher did not receive the event: %+v", d.events)
	}

	var resp struct {
		Dispatched int           `json:"dispatched"`
		Runs       []*models.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.Dispatched != 1 || len(resp.Runs) != 1 {
		t.Errorf("unexpected dispatch response: %+v", resp)
	}
}

func TestReceiveEventRejectsInvalidBody(t *testing.T) {
	_, _, _, router := setupHandler()

	req := httptest.NewRequest("POST", "/events", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestReceiveEventRejectsInvalidEvent(t *testing.T) {
	_, d, _, router := setupHandler()

	// push without a branch fails validation before dispatch
	req := httptest.NewRequest("POST", "/events", strings.NewReader(`{"type":"push"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid event, got %d", rec.Code)
	}
	if len(d.events) != 0 {
		t.Error("invalid event must not reach the dispatcher")
	}
}

func TestListRunsFiltersAndSorts(t *testing.T) {
	_, _, s, router := setupHandler()

	now := time.Now()
	s.CreateRun(&models.Run{ID: "old", Workflow: "cpu-image", Status: models.RunStatusSucceeded, CreatedAt: now.Add(-time.Hour)})
	s.CreateRun(&models.Run{ID: "new", Workflow: "cpu-image", Status: models.RunStatusQueued, CreatedAt: now})
	s.CreateRun(&models.Run{ID: "other", Workflow: "gpu-image", Status: models.RunStatusQueued, CreatedAt: now.Add(-time.Minute)})

	req := httptest.NewRequest("GET", "/runs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var runs []*models.Run
	json.Unmarshal(rec.Body.Bytes(), &runs)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "new" {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}

	req = httptest.NewRequest("GET", "/runs?status=queued&workflow=cpu-image", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	json.Unmarshal(rec.Body.Bytes(), &runs)
	if len(runs) != 1 || runs[0].ID != "new" {
		t.Errorf("expected only the queued cpu-image run, got %+v", runs)
	}
}

func TestGetRun(t *testing.T) {
	_, _, s, router := setupHandler()
	s.CreateRun(&models.Run{ID: "run-1", Status: models.RunStatusQueued, CreatedAt: time.Now()})

	req := httptest.NewRequest("GET", "/runs/run-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest("GET", "/runs/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown run, got %d", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	_, _, s, router := setupHandler()
	s.CreateRun(&models.Run{ID: "run-1", Status: models.RunStatusQueued, CreatedAt: time.Now()})

	req := httptest.NewRequest("POST", "/runs/run-1/cancel", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	run, _ := s.GetRun("run-1")
	if run.Status != models.RunStatusCancelled {
		t.Errorf("expected cancelled, got %s", run.Status)
	}

	// Cancelling again conflicts with the terminal state
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/runs/run-1/cancel", nil))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for terminal run, got %d", rec.Code)
	}
}

func TestGetRunLogs(t *testing.T) {
	_, _, s, router := setupHandler()
	s.CreateRun(&models.Run{ID: "run-1", Status: models.RunStatusQueued, CreatedAt: time.Now()})
	s.SetRunResult("run-1", 0, "0.1.0\n", "")

	req := httptest.NewRequest("GET", "/runs/run-1/logs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "0.1.0\n" {
		t.Errorf("unexpected log body: %q", rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	_, _, _, router := setupHandler()

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("unexpected health body: %s", rec.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	_, _, _, router := setupHandler()
	authed := mux.NewRouter()
	authed.Use(AuthMiddleware("secret"))
	authed.PathPrefix("/").Handler(router)

	// No header
	rec := httptest.NewRecorder()
	authed.ServeHTTP(rec, httptest.NewRequest("GET", "/runs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rec.Code)
	}

	// Wrong key
	req := httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	authed.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong key, got %d", rec.Code)
	}

	// Correct key
	req = httptest.NewRequest("GET", "/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	authed.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with correct key, got %d", rec.Code)
	}

	// Health stays open
	rec = httptest.NewRecorder()
	authed.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected health to bypass auth, got %d", rec.Code)
	}
}
