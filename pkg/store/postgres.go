package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/opendg-project/buildci/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the data store
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := config.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := config.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		event TEXT NOT NULL,
		ref TEXT NOT NULL,
		commit_sha TEXT,
		concurrency_group TEXT NOT NULL,
		status TEXT NOT NULL,
		image_tag TEXT,
		cache_hit BOOLEAN NOT NULL DEFAULT FALSE,
		exit_code INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		runner_info JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		error TEXT,
		state_transitions JSONB
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_group ON runs(concurrency_group, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateRun adds a new run to the store
func (s *PostgresStore) CreateRun(run *models.Run) error {
	runnerJSON, transitionsJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, run.ID, run.Workflow, string(run.Event), run.Ref, nullable(run.CommitSHA),
		run.ConcurrencyGroup, string(run.Status), nullable(run.ImageTag), run.CacheHit,
		run.ExitCode, nullable(run.Output), nullable(runnerJSON), run.CreatedAt,
		run.StartedAt, run.CompletedAt, nullable(run.Error), nullable(transitionsJSON))
	return err
}

// GetRun retrieves a run by ID
func (s *PostgresStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// GetAllRuns returns all runs, newest first
func (s *PostgresStore) GetAllRuns() []*models.Run {
	return s.queryRuns(`SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`)
}

// GetRunsByStatus returns runs in the given status
func (s *PostgresStore) GetRunsByStatus(status models.RunStatus) ([]*models.Run, error) {
	runs := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY created_at`, string(status))
	return runs, nil
}

// GetRunsInGroup returns runs in the given concurrency group
func (s *PostgresStore) GetRunsInGroup(group string) ([]*models.Run, error) {
	runs := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE concurrency_group = $1 ORDER BY created_at`, group)
	return runs, nil
}

// GetActiveRuns returns runs that are queued or executing
func (s *PostgresStore) GetActiveRuns() []*models.Run {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status IN ($1, $2, $3) ORDER BY created_at`,
		string(models.RunStatusQueued), string(models.RunStatusBuilding), string(models.RunStatusVerifying))
}

// UpdateRun replaces the stored run
func (s *PostgresStore) UpdateRun(run *models.Run) error {
	runnerJSON, transitionsJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE runs SET workflow = $1, event = $2, ref = $3, commit_sha = $4,
			concurrency_group = $5, status = $6, image_tag = $7, cache_hit = $8,
			exit_code = $9, output = $10, runner_info = $11, created_at = $12,
			started_at = $13, completed_at = $14, error = $15, state_transitions = $16
		WHERE id = $17
	`, run.Workflow, string(run.Event), run.Ref, nullable(run.CommitSHA),
		run.ConcurrencyGroup, string(run.Status), nullable(run.ImageTag), run.CacheHit,
		run.ExitCode, nullable(run.Output), nullable(runnerJSON), run.CreatedAt,
		run.StartedAt, run.CompletedAt, nullable(run.Error), nullable(transitionsJSON), run.ID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeleteRun removes a run permanently
func (s *PostgresStore) DeleteRun(id string) error {
	result, err := s.db.Exec(`DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// TransitionRun applies an FSM-validated state transition inside a
// transaction, so concurrent transitions on the same run serialize.
func (s *PostgresStore) TransitionRun(id string, to models.RunStatus, reason string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return false, ErrRunNotFound
	}
	if err != nil {
		return false, err
	}
	if err := models.ValidateTransition(run.Status, to); err != nil {
		return false, err
	}

	applyTransition(run, to, reason)
	_, transitionsJSON, err := marshalRunBlobs(run)
	if err != nil {
		return false, err
	}

	_, err = tx.Exec(`
		UPDATE runs SET status = $1, started_at = $2, completed_at = $3, state_transitions = $4
		WHERE id = $5
	`, string(run.Status), run.StartedAt, run.CompletedAt, nullable(transitionsJSON), id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SetRunResult records the smoke-test outcome
func (s *PostgresStore) SetRunResult(id string, exitCode int, output string, errMsg string) error {
	result, err := s.db.Exec(`
		UPDATE runs SET exit_code = $1, output = $2, error = $3 WHERE id = $4
	`, exitCode, nullable(output), nullable(errMsg), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetRunBuildInfo records the build outcome
func (s *PostgresStore) SetRunBuildInfo(id string, imageTag string, cacheHit bool, runner *models.RunnerInfo) error {
	runnerJSON := ""
	if runner != nil {
		data, err := json.Marshal(runner)
		if err != nil {
			return fmt.Errorf("failed to marshal runner_info: %w", err)
		}
		runnerJSON = string(data)
	}

	result, err := s.db.Exec(`
		UPDATE runs SET image_tag = $1, cache_hit = $2, runner_info = $3 WHERE id = $4
	`, nullable(imageTag), cacheHit, nullable(runnerJSON), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// GetRunMetrics aggregates run statistics without loading every row
func (s *PostgresStore) GetRunMetrics() (*RunMetrics, error) {
	metrics := &RunMetrics{
		RunsByStatus:   make(map[models.RunStatus]int),
		RunsByWorkflow: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		metrics.RunsByStatus[models.RunStatus(status)] = count
		metrics.TotalRuns += count
		switch models.RunStatus(status) {
		case models.RunStatusQueued:
			metrics.QueuedRuns = count
		case models.RunStatusBuilding, models.RunStatusVerifying:
			metrics.ActiveRuns += count
		}
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT workflow, COUNT(*) FROM runs GROUP BY workflow`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var workflow string
		var count int
		if err := rows.Scan(&workflow, &count); err != nil {
			rows.Close()
			return nil, err
		}
		metrics.RunsByWorkflow[workflow] = count
	}
	rows.Close()

	err = s.db.QueryRow(`
		SELECT COUNT(*) FILTER (WHERE cache_hit),
		       COUNT(*) FILTER (WHERE NOT cache_hit AND started_at IS NOT NULL),
		       COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at))
		           FILTER (WHERE completed_at IS NOT NULL AND started_at IS NOT NULL), 0)
		FROM runs
	`).Scan(&metrics.CacheHits, &metrics.CacheMisses, &metrics.AvgDuration)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims space freed by deleted runs
func (s *PostgresStore) Vacuum() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}

func (s *PostgresStore) queryRuns(query string, args ...interface{}) []*models.Run {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return []*models.Run{}
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// nullable maps empty strings to NULL so JSONB columns never receive ''
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
