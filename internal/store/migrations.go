package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					targets INTEGER DEFAULT 0,
					succeeded INTEGER DEFAULT 0,
					failed INTEGER DEFAULT 0,
					dirs_deleted INTEGER DEFAULT 0,
					bytes_pulled INTEGER DEFAULT 0,
					skip_restore BOOLEAN DEFAULT 0,
					status TEXT DEFAULT 'running',
					error_message TEXT DEFAULT ''
				);

				CREATE TABLE target_results (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					run_id INTEGER NOT NULL,
					host TEXT NOT NULL,
					db_name TEXT NOT NULL,
					stage TEXT NOT NULL,
					status TEXT NOT NULL,
					error_kind TEXT DEFAULT '',
					error_message TEXT DEFAULT '',
					artifact_path TEXT DEFAULT '',
					size INTEGER DEFAULT 0,
					cleanup_error TEXT DEFAULT '',
					loaded BOOLEAN DEFAULT 0,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					FOREIGN KEY(run_id) REFERENCES runs(id)
				);

				CREATE INDEX idx_target_results_run ON target_results(run_id);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
