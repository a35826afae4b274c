package db

import (
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
)

type Migration struct {
	ID          string
	Description string
	Up          func(*sql.Tx) error
	Down        func(*sql.Tx) error
}

var migrations = []Migration{
	{
		ID:          "001_initial_schema",
		Description: "Create recordings, chunks and transcripts tables",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS recordings (
					id TEXT PRIMARY KEY,
					title TEXT,
					file_path TEXT NOT NULL,
					file_size INTEGER,
					duration REAL,
					provider TEXT DEFAULT 'local',
					model TEXT DEFAULT 'base',
					language TEXT,
					created_at REAL DEFAULT (julianday('now')),
					updated_at REAL DEFAULT (julianday('now'))
				);

				CREATE TABLE IF NOT EXISTS chunks (
					id TEXT PRIMARY KEY,
					recording TEXT NOT NULL,
					chunk_index INTEGER NOT NULL,
					start_time REAL NOT NULL,
					end_time REAL NOT NULL,
					duration REAL NOT NULL,
					file_path TEXT,
					file_size INTEGER,
					text TEXT DEFAULT '',
					status TEXT DEFAULT 'pending',
					error TEXT DEFAULT '',
					retries INTEGER DEFAULT 0,
					created_at REAL DEFAULT (julianday('now')),
					updated_at REAL DEFAULT (julianday('now')),
					FOREIGN KEY (recording) REFERENCES recordings(id),
					UNIQUE (recording, chunk_index)
				);

				CREATE TABLE IF NOT EXISTS transcripts (
					recording TEXT PRIMARY KEY,
					text TEXT DEFAULT '',
					status TEXT DEFAULT 'pending',
					progress INTEGER DEFAULT 0,
					error TEXT DEFAULT '',
					created_at REAL DEFAULT (julianday('now')),
					updated_at REAL DEFAULT (julianday('now')),
					FOREIGN KEY (recording) REFERENCES recordings(id)
				);

				CREATE TABLE IF NOT EXISTS migration_history (
					id TEXT PRIMARY KEY,
					applied_at REAL DEFAULT (julianday('now'))
				);
			`)
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				DROP TABLE IF EXISTS transcripts;
				DROP TABLE IF EXISTS chunks;
				DROP TABLE IF EXISTS recordings;
				DROP TABLE IF EXISTS migration_history;
			`)
			return err
		},
	},
	{
		ID:          "002_chunk_status_index",
		Description: "Index chunks by recording and status for watchdog scans",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_chunks_recording_status
					ON chunks (recording, status);
			`)
			return err
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`DROP INDEX IF EXISTS idx_chunks_recording_status;`)
			return err
		},
	},
}

func Migrate(db *sql.DB, logger *log.Logger) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_history (
			id TEXT PRIMARY KEY,
			applied_at REAL DEFAULT (julianday('now'))
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating migration_history table: %w", err)
	}

	for _, migration := range migrations {
		var applied bool
		err := db.QueryRow("SELECT 1 FROM migration_history WHERE id = ?", migration.ID).Scan(&applied)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("error checking migration status: %w", err)
		}

		if applied {
			continue
		}

		logger.Info("Applying migration", "id", migration.ID, "description", migration.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("error starting transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("error applying migration %s: %w", migration.ID, err)
		}

		_, err = tx.Exec("INSERT INTO migration_history (id, applied_at) VALUES (?, julianday('now'))", migration.ID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("error recording migration %s: %w", migration.ID, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("error committing migration %s: %w", migration.ID, err)
		}
	}

	return nil
}
