package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/opendg-project/buildci/pkg/buildcache"
	"github.com/opendg-project/buildci/pkg/logging"
	"github.com/opendg-project/buildci/pkg/models"
	"github.com/opendg-project/buildci/pkg/store"
)

// Config defines retention policies and maintenance intervals
type Config struct {
	Enabled        bool
	RunRetention   time.Duration // terminal runs older than this are deleted
	CacheRetention time.Duration // cache entries older than this are pruned
	SweepInterval  time.Duration
	VacuumInterval time.Duration
}

// DefaultConfig returns sensible defaults for maintenance
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RunRetention:   7 * 24 * time.Hour,
		CacheRetention: 30 * 24 * time.Hour,
		SweepInterval:  24 * time.Hour,
		VacuumInterval: 7 * 24 * time.Hour,
	}
}

// Stats tracks maintenance operations
type Stats struct {
	LastSweepTime       time.Time
	TotalRunsDeleted    int64
	TotalEntriesPruned  int64
	TotalVacuumRuns     int64
}

// Janitor deletes terminal runs past their retention and prunes stale build
// cache entries on a schedule. Active runs are never touched.
type Janitor struct {
	config Config
	store  store.Store
	cache  *buildcache.Cache
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// New creates a janitor
func New(config Config, s store.Store, cache *buildcache.Cache, log *logging.Logger) *Janitor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Janitor{
		config: config,
		store:  s,
		cache:  cache,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the periodic maintenance loops
func (j *Janitor) Start() {
	if !j.config.Enabled {
		j.log.Info("janitor disabled")
		return
	}

	j.log.Info("starting janitor", map[string]interface{}{
		"run_retention":   j.config.RunRetention.String(),
		"cache_retention": j.config.CacheRetention.String(),
		"sweep_interval":  j.config.SweepInterval.String(),
	})

	j.wg.Add(2)
	go j.sweepLoop()
	go j.vacuumLoop()
}

// Stop gracefully stops the janitor
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
}

func (j *Janitor) sweepLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			j.Sweep()
		}
	}
}

func (j *Janitor) vacuumLoop() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.config.VacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.ctx.Done():
			return
		case <-ticker.C:
			if err := j.store.Vacuum(); err != nil {
				j.log.Warn("vacuum failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			j.mu.Lock()
			j.stats.TotalVacuumRuns++
			j.mu.Unlock()
		}
	}
}

// Sweep runs one maintenance pass immediately
func (j *Janitor) Sweep() {
	deleted := j.sweepRuns()
	pruned := j.sweepCache()

	j.mu.Lock()
	j.stats.LastSweepTime = time.Now()
	j.stats.TotalRunsDeleted += int64(deleted)
	j.stats.TotalEntriesPruned += int64(pruned)
	j.mu.Unlock()

	if deleted > 0 || pruned > 0 {
		j.log.Info("maintenance sweep complete", map[string]interface{}{
			"runs_deleted":   deleted,
			"entries_pruned": pruned,
		})
	}
}

// sweepRuns deletes terminal runs older than the retention period
func (j *Janitor) sweepRuns() int {
	cutoff := time.Now().Add(-j.config.RunRetention)
	deleted := 0

	for _, run := range j.store.GetAllRuns() {
		if !models.IsTerminalState(run.Status) {
			continue
		}
		// Prefer the completion time; runs terminated before starting only
		// carry a creation time.
		age := run.CreatedAt
		if run.CompletedAt != nil {
			age = *run.CompletedAt
		}
		if !age.Before(cutoff) {
			continue
		}
		if err := j.store.DeleteRun(run.ID); err != nil {
			j.log.Warn("failed to delete expired run", map[string]interface{}{
				"run":   run.ID,
				"error": err.Error(),
			})
			continue
		}
		deleted++
	}
	return deleted
}

func (j *Janitor) sweepCache() int {
	if j.cache == nil {
		return 0
	}
	pruned, err := j.cache.Prune(j.config.CacheRetention)
	if err != nil {
		j.log.Warn("failed to prune build cache", map[string]interface{}{"error": err.Error()})
		return 0
	}
	return pruned
}

// GetStats returns current maintenance statistics
func (j *Janitor) GetStats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}
