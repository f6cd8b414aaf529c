package metrics

import (
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/opendg-project/buildci/pkg/models"
	"github.com/opendg-project/buildci/pkg/store"
)

// Exporter exports Prometheus metrics for the orchestrator. Run-level
// figures come straight from the store on each scrape; event counters live
// in a private registry so nothing leaks between test instances.
type Exporter struct {
	store     store.Store
	startTime time.Time

	registry        *promclient.Registry
	eventsReceived  *promclient.CounterVec
	runsDispatched  promclient.Counter
	scrapeFailures  promclient.Counter
}

// NewExporter creates a new Prometheus exporter
func NewExporter(s store.Store) *Exporter {
	e := &Exporter{
		store:     s,
		startTime: time.Now(),
		registry:  promclient.NewRegistry(),
		eventsReceived: promclient.NewCounterVec(promclient.CounterOpts{
			Name: "buildci_events_received_total",
			Help: "Events received by type",
		}, []string{"type"}),
		runsDispatched: promclient.NewCounter(promclient.CounterOpts{
			Name: "buildci_runs_dispatched_total",
			Help: "Runs dispatched from events",
		}),
		scrapeFailures: promclient.NewCounter(promclient.CounterOpts{
			Name: "buildci_scrape_failures_total",
			Help: "Metric scrapes that failed to read the store",
		}),
	}
	e.registry.MustRegister(e.eventsReceived, e.runsDispatched, e.scrapeFailures)
	return e
}

// RecordEvent increments the received-event counter
func (e *Exporter) RecordEvent(eventType string) {
	e.eventsReceived.WithLabelValues(eventType).Inc()
}

// RecordRunsDispatched adds to the dispatched-run counter
func (e *Exporter) RecordRunsDispatched(n int) {
	e.runsDispatched.Add(float64(n))
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	runMetrics, err := e.store.GetRunMetrics()
	if err != nil {
		e.scrapeFailures.Inc()
		http.Error(w, fmt.Sprintf("Error collecting run metrics: %v", err), http.StatusInternalServerError)
		return
	}

	// buildci_runs_total{status}
	fmt.Fprintf(w, "# HELP buildci_runs_total Total number of runs by status\n")
	fmt.Fprintf(w, "# TYPE buildci_runs_total counter\n")
	// Always export all statuses (even if count is 0)
	for _, status := range []models.RunStatus{
		models.RunStatusQueued, models.RunStatusBuilding, models.RunStatusVerifying,
		models.RunStatusSucceeded, models.RunStatusFailed,
		models.RunStatusCancelled, models.RunStatusSuperseded,
	} {
		fmt.Fprintf(w, "buildci_runs_total{status=\"%s\"} %d\n", status, runMetrics.RunsByStatus[status])
	}

	fmt.Fprintf(w, "\n# HELP buildci_runs_by_workflow Total number of runs by workflow\n")
	fmt.Fprintf(w, "# TYPE buildci_runs_by_workflow counter\n")
	for workflow, count := range runMetrics.RunsByWorkflow {
		fmt.Fprintf(w, "buildci_runs_by_workflow{workflow=\"%s\"} %d\n", workflow, count)
	}

	fmt.Fprintf(w, "\n# HELP buildci_active_runs Number of runs currently building or verifying\n")
	fmt.Fprintf(w, "# TYPE buildci_active_runs gauge\n")
	fmt.Fprintf(w, "buildci_active_runs %d\n", runMetrics.ActiveRuns)

	fmt.Fprintf(w, "\n# HELP buildci_queued_runs Number of runs waiting to start\n")
	fmt.Fprintf(w, "# TYPE buildci_queued_runs gauge\n")
	fmt.Fprintf(w, "buildci_queued_runs %d\n", runMetrics.QueuedRuns)

	fmt.Fprintf(w, "\n# HELP buildci_cache_hits_total Builds that reused the dependency cache\n")
	fmt.Fprintf(w, "# TYPE buildci_cache_hits_total counter\n")
	fmt.Fprintf(w, "buildci_cache_hits_total %d\n", runMetrics.CacheHits)

	fmt.Fprintf(w, "\n# HELP buildci_cache_misses_total Builds that rebuilt the dependency layer\n")
	fmt.Fprintf(w, "# TYPE buildci_cache_misses_total counter\n")
	fmt.Fprintf(w, "buildci_cache_misses_total %d\n", runMetrics.CacheMisses)

	fmt.Fprintf(w, "\n# HELP buildci_run_duration_seconds_avg Average completed-run duration\n")
	fmt.Fprintf(w, "# TYPE buildci_run_duration_seconds_avg gauge\n")
	fmt.Fprintf(w, "buildci_run_duration_seconds_avg %.2f\n", runMetrics.AvgDuration)

	fmt.Fprintf(w, "\n# HELP buildci_uptime_seconds Orchestrator uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE buildci_uptime_seconds gauge\n")
	fmt.Fprintf(w, "buildci_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	// Append the registry-backed counters in the same exposition format
	fmt.Fprintf(w, "\n")
	families, err := e.registry.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering registry metrics: %v\n", err)
		return
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric family: %v\n", err)
			return
		}
	}
}
