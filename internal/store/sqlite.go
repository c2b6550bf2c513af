package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed run history. The backup pipeline only ever
// writes to it; nothing read back from here influences a run.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Debug("history store initialized", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new Run and sets its ID
func (s *Store) CreateRun(run *Run) error {
	const query = `
		INSERT INTO runs (
			start_time, end_time, targets, succeeded, failed,
			dirs_deleted, bytes_pulled, skip_restore, status, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.StartTime, run.EndTime, run.Targets, run.Succeeded, run.Failed,
		run.DirsDeleted, run.BytesPulled, run.SkipRestore, run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateRun updates an existing Run by ID
func (s *Store) UpdateRun(run *Run) error {
	const query = `
		UPDATE runs SET
			start_time = ?, end_time = ?, targets = ?, succeeded = ?, failed = ?,
			dirs_deleted = ?, bytes_pulled = ?, skip_restore = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.StartTime, run.EndTime, run.Targets, run.Succeeded, run.Failed,
		run.DirsDeleted, run.BytesPulled, run.SkipRestore, run.Status, run.ErrorMessage,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %d", run.ID)
	}

	return nil
}

const runColumns = `
	id, start_time, end_time, targets, succeeded, failed,
	dirs_deleted, bytes_pulled, skip_restore, status, error_message
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	err := row.Scan(
		&run.ID, &run.StartTime, &run.EndTime, &run.Targets, &run.Succeeded, &run.Failed,
		&run.DirsDeleted, &run.BytesPulled, &run.SkipRestore, &run.Status, &run.ErrorMessage,
	)
	return run, err
}

// GetRun retrieves a Run by ID
func (s *Store) GetRun(id int64) (*Run, error) {
	run, err := scanRun(s.db.QueryRow("SELECT"+runColumns+"FROM runs WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run not found: %d", id)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRuns retrieves the most recent runs first. A limit of zero returns all.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	query := "SELECT" + runColumns + "FROM runs ORDER BY start_time DESC, id DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// TargetResult Operations
// ============================================================================

// AddTargetResult inserts a TargetResult and sets its ID
func (s *Store) AddTargetResult(res *TargetResult) error {
	const query = `
		INSERT INTO target_results (
			run_id, host, db_name, stage, status, error_kind, error_message,
			artifact_path, size, cleanup_error, loaded, start_time, end_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		res.RunID, res.Host, res.DBName, res.Stage, res.Status, res.ErrorKind, res.ErrorMessage,
		res.ArtifactPath, res.Size, res.CleanupError, res.Loaded, res.StartTime, res.EndTime,
	)
	if err != nil {
		return fmt.Errorf("failed to insert target result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	res.ID = id
	return nil
}

// ListTargetResults retrieves the results recorded for a run, in insert order
func (s *Store) ListTargetResults(runID int64) ([]TargetResult, error) {
	const query = `
		SELECT id, run_id, host, db_name, stage, status, error_kind, error_message,
		       artifact_path, size, cleanup_error, loaded, start_time, end_time
		FROM target_results WHERE run_id = ? ORDER BY id
	`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query target results: %w", err)
	}
	defer rows.Close()

	var results []TargetResult
	for rows.Next() {
		var r TargetResult
		err := rows.Scan(
			&r.ID, &r.RunID, &r.Host, &r.DBName, &r.Stage, &r.Status, &r.ErrorKind, &r.ErrorMessage,
			&r.ArtifactPath, &r.Size, &r.CleanupError, &r.Loaded, &r.StartTime, &r.EndTime,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating target results: %w", err)
	}

	return results, nil
}
