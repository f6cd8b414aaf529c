package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/opendg-project/buildci/pkg/logging"
	"github.com/opendg-project/buildci/pkg/models"
	"github.com/opendg-project/buildci/pkg/store"
)

// Dispatcher is the orchestrator surface the API needs
type Dispatcher interface {
	HandleEvent(ctx context.Context, event *models.Event) ([]*models.Run, error)
	CancelRun(id, reason string) error
}

// MetricsRecorder is an interface for recording API-level metrics
type MetricsRecorder interface {
	RecordEvent(eventType string)
	RecordRunsDispatched(n int)
}

// Handler handles orchestrator API requests
type Handler struct {
	store           store.Store
	dispatcher      Dispatcher
	log             *logging.Logger
	metricsRecorder MetricsRecorder
}

// NewHandler creates a new API handler
func NewHandler(s store.Store, d Dispatcher, log *logging.Logger) *Handler {
	return &Handler{store: s, dispatcher: d, log: log}
}

// SetMetricsRecorder sets the metrics recorder for the handler
func (h *Handler) SetMetricsRecorder(recorder MetricsRecorder) {
	h.metricsRecorder = recorder
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/events", h.ReceiveEvent).Methods("POST")
	r.HandleFunc("/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/runs/{id}/cancel", h.CancelRun).Methods("POST")
	r.HandleFunc("/runs/{id}/logs", h.GetRunLogs).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// ReceiveEvent accepts a push or pull_request event and dispatches runs for
// every workflow it triggers.
func (h *Handler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	var event models.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := event.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordEvent(string(event.Type))
	}

	runs, err := h.dispatcher.HandleEvent(r.Context(), &event)
	if err != nil {
		h.log.Error("failed to handle event", map[string]interface{}{
			"type":  string(event.Type),
			"error": err.Error(),
		})
		http.Error(w, "Failed to dispatch runs", http.StatusInternalServerError)
		return
	}
	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordRunsDispatched(len(runs))
	}

	if runs == nil {
		runs = []*models.Run{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"dispatched": len(runs),
		"runs":       runs,
	})
}

// ListRuns returns runs, newest first, optionally filtered by status or
// workflow query parameters.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	var runs []*models.Run

	if status := r.URL.Query().Get("status"); status != "" {
		filtered, err := h.store.GetRunsByStatus(models.RunStatus(status))
		if err != nil {
			http.Error(w, "Failed to list runs", http.StatusInternalServerError)
			return
		}
		runs = filtered
	} else {
		runs = h.store.GetAllRuns()
	}

	if workflow := r.URL.Query().Get("workflow"); workflow != "" {
		kept := runs[:0]
		for _, run := range runs {
			if run.Workflow == workflow {
				kept = append(kept, run)
			}
		}
		runs = kept
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	if runs == nil {
		runs = []*models.Run{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// GetRun returns a single run by ID
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// CancelRun cancels a queued or executing run
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetRun(id); err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	if err := h.dispatcher.CancelRun(id, "cancelled via API"); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":     id,
		"status": string(models.RunStatusCancelled),
	})
}

// GetRunLogs returns the run's captured output as plain text
func (h *Handler) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	run, ok := h.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if run.Output != "" {
		w.Write([]byte(run.Output))
	}
	if run.Error != "" {
		w.Write([]byte("error: " + run.Error + "\n"))
	}
}

// Health returns service health including store connectivity
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := h.store.HealthCheck(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (h *Handler) lookupRun(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	id := mux.Vars(r)["id"]
	run, err := h.store.GetRun(id)
	if err == store.ErrRunNotFound {
		http.Error(w, "Run not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "Failed to load run", http.StatusInternalServerError)
		return nil, false
	}
	return run, true
}
