package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// openDB opens the SQLite database at path, creating its directory, and
// brings the schema up to date.
func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Pragmas in the connection string apply to all pooled connections
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(path, 0o600)
	return db, nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := getUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS batches (
		  id             TEXT PRIMARY KEY,
		  source         TEXT NOT NULL,
		  content_sha256 TEXT NOT NULL,
		  row_count      INTEGER NOT NULL,
		  warning_count  INTEGER NOT NULL,
		  created_at     INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_batches_sha256 ON batches(content_sha256);

		CREATE TABLE IF NOT EXISTS visits (
		  id               TEXT PRIMARY KEY,
		  batch_id         TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
		  position         INTEGER NOT NULL,
		  visit_timestamp  TEXT NOT NULL,
		  timestamp_parsed INTEGER NOT NULL,
		  visit_kind       TEXT NOT NULL,
		  owner_name       TEXT,
		  owner_phone      TEXT,
		  owner_email      TEXT,
		  patient_name     TEXT,
		  patient_id       TEXT,
		  species          TEXT,
		  breed            TEXT,
		  sex              TEXT,
		  age              TEXT,
		  microchip_id     TEXT,
		  procedures       TEXT NOT NULL,
		  medications      TEXT NOT NULL,
		  recommendations  TEXT NOT NULL,
		  updated_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_visits_batch_position ON visits(batch_id, position);
		CREATE INDEX IF NOT EXISTS idx_visits_patient ON visits(patient_id) WHERE patient_id IS NOT NULL;
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: case-folded name columns for search. SQLite folds
	// ASCII only, so the folding happens in Go.
	if version < 2 {
		if err := migrateFoldColumns(db); err != nil {
			return fmt.Errorf("migration 2 failed: %w", err)
		}
		if err := setUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

func migrateFoldColumns(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`ALTER TABLE visits ADD COLUMN owner_name_fold TEXT`,
		`ALTER TABLE visits ADD COLUMN patient_name_fold TEXT`,
	} {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}

	rows, err := tx.Query(`SELECT id, owner_name, patient_name FROM visits`)
	if err != nil {
		return err
	}
	type pending struct {
		id             string
		owner, patient sql.NullString
	}
	var all []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.owner, &p.patient); err != nil {
			rows.Close()
			return err
		}
		all = append(all, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range all {
		if _, err := tx.Exec(`UPDATE visits SET owner_name_fold = ?, patient_name_fold = ? WHERE id = ?`,
			foldNull(p.owner), foldNull(p.patient), p.id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

func getUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
