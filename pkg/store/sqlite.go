package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opendg-project/buildci/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Connection string parameters for concurrent access:
	// - _journal_mode=WAL: Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _synchronous=NORMAL: balance between safety and performance
	// - _txlock=immediate: acquire the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent run updates
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
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
		cache_hit BOOLEAN NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		output TEXT,
		runner_info TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		error TEXT,
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_group ON runs(concurrency_group, created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `id, workflow, event, ref, commit_sha, concurrency_group, status,
	image_tag, cache_hit, exit_code, output, runner_info,
	created_at, started_at, completed_at, error, state_transitions`

// CreateRun adds a new run to the store
func (s *SQLiteStore) CreateRun(run *models.Run) error {
	runnerJSON, transitionsJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Workflow, string(run.Event), run.Ref, run.CommitSHA,
		run.ConcurrencyGroup, string(run.Status), run.ImageTag, run.CacheHit,
		run.ExitCode, run.Output, runnerJSON, run.CreatedAt, run.StartedAt,
		run.CompletedAt, run.Error, transitionsJSON)
	return err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// GetAllRuns returns all runs, newest first
func (s *SQLiteStore) GetAllRuns() []*models.Run {
	return s.queryRuns(`SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`)
}

// GetRunsByStatus returns runs in the given status
func (s *SQLiteStore) GetRunsByStatus(status models.RunStatus) ([]*models.Run, error) {
	runs := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at`, string(status))
	return runs, nil
}

// GetRunsInGroup returns runs in the given concurrency group
func (s *SQLiteStore) GetRunsInGroup(group string) ([]*models.Run, error) {
	runs := s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE concurrency_group = ? ORDER BY created_at`, group)
	return runs, nil
}

// GetActiveRuns returns runs that are queued or executing
func (s *SQLiteStore) GetActiveRuns() []*models.Run {
	return s.queryRuns(`SELECT `+runColumns+` FROM runs WHERE status IN (?, ?, ?) ORDER BY created_at`,
		string(models.RunStatusQueued), string(models.RunStatusBuilding), string(models.RunStatusVerifying))
}

// UpdateRun replaces the stored run
func (s *SQLiteStore) UpdateRun(run *models.Run) error {
	runnerJSON, transitionsJSON, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}

	result, err := s.db.Exec(`
		UPDATE runs SET workflow = ?, event = ?, ref = ?, commit_sha = ?,
			concurrency_group = ?, status = ?, image_tag = ?, cache_hit = ?,
			exit_code = ?, output = ?, runner_info = ?, created_at = ?,
			started_at = ?, completed_at = ?, error = ?, state_transitions = ?
		WHERE id = ?
	`, run.Workflow, string(run.Event), run.Ref, run.CommitSHA,
		run.ConcurrencyGroup, string(run.Status), run.ImageTag, run.CacheHit,
		run.ExitCode, run.Output, runnerJSON, run.CreatedAt, run.StartedAt,
		run.CompletedAt, run.Error, transitionsJSON, run.ID)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// TransitionRun applies an FSM-validated state transition. The read, the
// validation and the write share one transaction, so a transition committed
// by a concurrent caller is never validated against and overwritten by a
// stale copy of the row.
func (s *SQLiteStore) TransitionRun(id string, to models.RunStatus, reason string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
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
		UPDATE runs SET status = ?, started_at = ?, completed_at = ?, state_transitions = ?
		WHERE id = ?
	`, string(run.Status), run.StartedAt, run.CompletedAt, transitionsJSON, id)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SetRunResult records the smoke-test outcome
func (s *SQLiteStore) SetRunResult(id string, exitCode int, output string, errMsg string) error {
	result, err := s.db.Exec(`
		UPDATE runs SET exit_code = ?, output = ?, error = ? WHERE id = ?
	`, exitCode, output, errMsg, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// SetRunBuildInfo records the build outcome
func (s *SQLiteStore) SetRunBuildInfo(id string, imageTag string, cacheHit bool, runner *models.RunnerInfo) error {
	runnerJSON := ""
	if runner != nil {
		data, err := json.Marshal(runner)
		if err != nil {
			return fmt.Errorf("failed to marshal runner_info: %w", err)
		}
		runnerJSON = string(data)
	}

	result, err := s.db.Exec(`
		UPDATE runs SET image_tag = ?, cache_hit = ?, runner_info = ? WHERE id = ?
	`, imageTag, cacheHit, runnerJSON, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// DeleteRun removes a run permanently
func (s *SQLiteStore) DeleteRun(id string) error {
	result, err := s.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// Vacuum reclaims space freed by deleted runs
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}

// GetRunMetrics aggregates run statistics without loading every row
func (s *SQLiteStore) GetRunMetrics() (*RunMetrics, error) {
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
		SELECT COUNT(CASE WHEN cache_hit THEN 1 END),
		       COUNT(CASE WHEN NOT cache_hit AND started_at IS NOT NULL THEN 1 END),
		       COALESCE(AVG(CASE WHEN completed_at IS NOT NULL AND started_at IS NOT NULL
		           THEN (julianday(completed_at) - julianday(started_at)) * 86400.0 END), 0)
		FROM runs
	`).Scan(&metrics.CacheHits, &metrics.CacheMisses, &metrics.AvgDuration)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

func (s *SQLiteStore) queryRuns(query string, args ...interface{}) []*models.Run {
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*models.Run, error) {
	var run models.Run
	var event, status string
	var commitSHA, imageTag, output, runnerJSON, errMsg, transitionsJSON sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.Workflow, &event, &run.Ref, &commitSHA,
		&run.ConcurrencyGroup, &status, &imageTag, &run.CacheHit, &run.ExitCode,
		&output, &runnerJSON, &run.CreatedAt, &startedAt, &completedAt,
		&errMsg, &transitionsJSON)
	if err != nil {
		return nil, err
	}

	run.Event = models.EventType(event)
	run.Status = models.RunStatus(status)
	run.CommitSHA = commitSHA.String
	run.ImageTag = imageTag.String
	run.Output = output.String
	run.Error = errMsg.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if runnerJSON.String != "" {
		if err := json.Unmarshal([]byte(runnerJSON.String), &run.RunnerInfo); err != nil {
			return nil, fmt.Errorf("failed to unmarshal runner_info: %w", err)
		}
	}
	if transitionsJSON.String != "" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &run.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	return &run, nil
}

func marshalRunBlobs(run *models.Run) (runnerJSON string, transitionsJSON string, err error) {
	if run.RunnerInfo != nil {
		data, merr := json.Marshal(run.RunnerInfo)
		if merr != nil {
			return "", "", fmt.Errorf("failed to marshal runner_info: %w", merr)
		}
		runnerJSON = string(data)
	}
	if len(run.StateTransitions) > 0 {
		data, merr := json.Marshal(run.StateTransitions)
		if merr != nil {
			return "", "", fmt.Errorf("failed to marshal state_transitions: %w", merr)
		}
		transitionsJSON = string(data)
	}
	return runnerJSON, transitionsJSON, nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}
