package store

import (
	"errors"
	"time"

	"github.com/opendg-project/buildci/pkg/models"
)

// Store defines the interface for run persistence.
// SQLite, PostgreSQL and the in-memory store all implement it.
type Store interface {
	// Run operations
	CreateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	GetAllRuns() []*models.Run
	GetRunsByStatus(status models.RunStatus) ([]*models.Run, error)
	GetRunsInGroup(group string) ([]*models.Run, error)
	GetActiveRuns() []*models.Run
	UpdateRun(run *models.Run) error
	DeleteRun(id string) error

	// Run state management. TransitionRun validates the edge against the
	// run FSM, appends an audit transition and stamps started/completed
	// times. It reports (false, error) when the edge is not legal.
	TransitionRun(id string, to models.RunStatus, reason string) (bool, error)
	SetRunResult(id string, exitCode int, output string, errMsg string) error
	SetRunBuildInfo(id string, imageTag string, cacheHit bool, runner *models.RunnerInfo) error

	// Metrics operations (aggregated for the exporter)
	GetRunMetrics() (*RunMetrics, error)

	// Lifecycle and maintenance
	Close() error
	HealthCheck() error
	Vacuum() error
}

// RunMetrics contains aggregated run statistics for the metrics endpoint
type RunMetrics struct {
	RunsByStatus   map[models.RunStatus]int
	RunsByWorkflow map[string]int
	ActiveRuns     int
	QueuedRuns     int
	CacheHits      int
	CacheMisses    int
	AvgDuration    float64 // seconds, completed runs only
	TotalRuns      int
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	Path string // SQLite file path
	DSN  string // PostgreSQL connection string

	// PostgreSQL pool tuning
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = "buildci.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrRunNotFound         = errors.New("run not found")
)
