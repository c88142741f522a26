// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
)

// migration upgrades the schema by one version. Steps only ever add
// tables, columns and indexes so unsynced rows survive an upgrade.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS questionnaires (
				id               INTEGER PRIMARY KEY,
				code             TEXT NOT NULL,
				version          TEXT NOT NULL,
				title            TEXT NOT NULL DEFAULT '',
				schema_json      TEXT NOT NULL DEFAULT '{}',
				permissions_json TEXT NOT NULL DEFAULT '[]',
				cached_at        TEXT NOT NULL,
				UNIQUE (code, version)
			)`,

			`CREATE TABLE IF NOT EXISTS submissions (
				local_id         TEXT PRIMARY KEY,
				server_id        INTEGER,
				questionnaire_id INTEGER NOT NULL,
				institution_id   INTEGER NOT NULL,
				status           TEXT NOT NULL CHECK (status IN ('draft','submitted','approved','rejected')),
				answers_json     TEXT NOT NULL DEFAULT '{}',
				synced           INTEGER NOT NULL DEFAULT 0,
				synced_at        TEXT,
				created_at       TEXT NOT NULL,
				updated_at       TEXT NOT NULL,
				modified_json    TEXT NOT NULL DEFAULT '[]'
			)`,
			`CREATE INDEX IF NOT EXISTS idx_submissions_synced ON submissions(synced)`,
			`CREATE INDEX IF NOT EXISTS idx_submissions_questionnaire ON submissions(questionnaire_id)`,

			// submission_local_id is an application-level reference, no FK
			`CREATE TABLE IF NOT EXISTS files (
				id                  TEXT PRIMARY KEY,
				submission_local_id TEXT NOT NULL,
				question_name       TEXT NOT NULL,
				file_name           TEXT NOT NULL,
				mime_type           TEXT NOT NULL DEFAULT '',
				size                INTEGER NOT NULL DEFAULT 0,
				data                BLOB,
				synced              INTEGER NOT NULL DEFAULT 0,
				server_path         TEXT NOT NULL DEFAULT '',
				created_at          TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_files_submission ON files(submission_local_id)`,

			`CREATE TABLE IF NOT EXISTS sync_queue (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				item_type       TEXT NOT NULL CHECK (item_type IN ('submission','file')),
				item_id         TEXT NOT NULL,
				priority        INTEGER NOT NULL CHECK (priority BETWEEN 1 AND 3),
				attempts        INTEGER NOT NULL DEFAULT 0,
				last_attempt_at TEXT,
				last_error      TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL,
				UNIQUE (item_type, item_id)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sync_queue_order ON sync_queue(priority, created_at, id)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`ALTER TABLE sync_queue ADD COLUMN next_attempt_at TEXT`,
			`CREATE INDEX IF NOT EXISTS idx_files_submission_synced ON files(submission_local_id, synced)`,
		},
	},
}

// SchemaVersion is the version a freshly migrated database reports
func SchemaVersion() int {
	return migrations[len(migrations)-1].version
}

// migrate applies every pending migration, each in its own transaction
func migrate(ctx context.Context, db *sql.DB, upTo int) error {
	var current int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current || m.version > upTo {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		// PRAGMA does not accept bound parameters
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record schema version %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
		current = m.version
	}
	return nil
}
