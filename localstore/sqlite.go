// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
)

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on top of an embedded SQLite database
type SQLiteStore struct {
	db      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize write operations to prevent SQLite locking issues
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (creating if needed) the database at path and migrates it
// to the latest schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}
	s, err := NewSQLiteStore(ctx, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore takes ownership of db, configures it and applies migrations
func NewSQLiteStore(ctx context.Context, db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// One connection keeps :memory: databases alive and makes the store the
	// only writer queue.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		`PRAGMA busy_timeout=5000`,
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := migrate(ctx, db, SchemaVersion()); err != nil {
		return nil, err
	}
	logger.Debug("local store ready", "schema_version", SchemaVersion())
	return &SQLiteStore{db: db, logger: logger}, nil
}

// DB exposes the underlying handle for diagnostics and tests
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withWriteTx runs fn in a transaction while holding the write lock
func (s *SQLiteStore) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ---- questionnaires ----

func (s *SQLiteStore) GetQuestionnaire(ctx context.Context, id int64) (*CachedQuestionnaire, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, code, version, title, schema_json, permissions_json, cached_at
		FROM questionnaires WHERE id = ?`, id)
	q, err := scanQuestionnaire(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

func (s *SQLiteStore) PutQuestionnaire(ctx context.Context, q *CachedQuestionnaire) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return putQuestionnaire(ctx, tx, q)
	})
}

func (s *SQLiteStore) ListQuestionnaires(ctx context.Context) ([]*CachedQuestionnaire, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, version, title, schema_json, permissions_json, cached_at
		FROM questionnaires ORDER BY code, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query questionnaires: %w", err)
	}
	defer rows.Close()

	var out []*CachedQuestionnaire
	for rows.Next() {
		q, err := scanQuestionnaire(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteQuestionnaire(ctx context.Context, id int64) error {
	return s.deleteBy(ctx, `DELETE FROM questionnaires WHERE id = ?`, id)
}

func putQuestionnaire(ctx context.Context, q querier, c *CachedQuestionnaire) error {
	perms, err := json.Marshal(c.Permissions)
	if err != nil {
		return fmt.Errorf("failed to marshal permissions: %w", err)
	}
	schema := c.Schema
	if len(schema) == 0 {
		schema = json.RawMessage(`{}`)
	}
	if c.CachedAt.IsZero() {
		c.CachedAt = time.Now()
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO questionnaires (id, code, version, title, schema_json, permissions_json, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			version = excluded.version,
			title = excluded.title,
			schema_json = excluded.schema_json,
			permissions_json = excluded.permissions_json,
			cached_at = excluded.cached_at`,
		c.ID, c.Code, c.Version, c.Title, string(schema), string(perms), formatTime(c.CachedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s@%s", ErrDuplicateQuestionnaire, c.Code, c.Version)
		}
		return fmt.Errorf("failed to put questionnaire %d: %w", c.ID, err)
	}
	return nil
}

func scanQuestionnaire(r interface{ Scan(...any) error }) (*CachedQuestionnaire, error) {
	var (
		q                     CachedQuestionnaire
		schema, perms, cached string
	)
	if err := r.Scan(&q.ID, &q.Code, &q.Version, &q.Title, &schema, &perms, &cached); err != nil {
		return nil, err
	}
	q.Schema = json.RawMessage(schema)
	if err := json.Unmarshal([]byte(perms), &q.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions for questionnaire %d: %w", q.ID, err)
	}
	q.CachedAt = parseTime(cached)
	return &q, nil
}

// ---- submissions ----

const submissionColumns = `local_id, server_id, questionnaire_id, institution_id, status,
	answers_json, synced, synced_at, created_at, updated_at, modified_json`

func (s *SQLiteStore) GetSubmission(ctx context.Context, localID string) (*OfflineSubmission, error) {
	return getSubmission(ctx, s.db, localID)
}

func getSubmission(ctx context.Context, q querier, localID string) (*OfflineSubmission, error) {
	row := q.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE local_id = ?`, localID)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (s *SQLiteStore) PutSubmission(ctx context.Context, sub *OfflineSubmission) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return putSubmission(ctx, tx, sub)
	})
}

func (s *SQLiteStore) QuerySubmissions(ctx context.Context, q SubmissionQuery) ([]*OfflineSubmission, error) {
	var (
		where []string
		args  []any
	)
	if q.Synced != nil {
		where = append(where, "synced = ?")
		args = append(args, boolToInt(*q.Synced))
	}
	if q.QuestionnaireID != 0 {
		where = append(where, "questionnaire_id = ?")
		args = append(args, q.QuestionnaireID)
	}
	query := `SELECT ` + submissionColumns + ` FROM submissions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, local_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	var out []*OfflineSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSubmission(ctx context.Context, localID string) error {
	return s.deleteBy(ctx, deleteSubmissionSQL, localID)
}

func putSubmission(ctx context.Context, q querier, sub *OfflineSubmission) error {
	if sub.LocalID == "" {
		return fmt.Errorf("submission local id is required")
	}
	stampSubmission(sub)
	answers := sub.Answers
	if answers == nil {
		answers = map[string]any{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers for %s: %w", sub.LocalID, err)
	}
	modified := sub.ModifiedQuestions
	if modified == nil {
		modified = []string{}
	}
	modifiedJSON, err := json.Marshal(modified)
	if err != nil {
		return fmt.Errorf("failed to marshal modified questions for %s: %w", sub.LocalID, err)
	}
	var serverID sql.NullInt64
	if sub.ServerID != nil {
		serverID = sql.NullInt64{Int64: *sub.ServerID, Valid: true}
	}

	// server_id is write-once: an existing value always wins
	_, err = q.ExecContext(ctx, `
		INSERT INTO submissions (`+submissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_id) DO UPDATE SET
			server_id = COALESCE(submissions.server_id, excluded.server_id),
			questionnaire_id = excluded.questionnaire_id,
			institution_id = excluded.institution_id,
			status = excluded.status,
			answers_json = excluded.answers_json,
			synced = excluded.synced,
			synced_at = excluded.synced_at,
			updated_at = excluded.updated_at,
			modified_json = excluded.modified_json`,
		sub.LocalID, serverID, sub.QuestionnaireID, sub.InstitutionID, sub.Status,
		string(answersJSON), boolToInt(sub.Synced), formatTimePtr(sub.SyncedAt),
		formatTime(sub.CreatedAt), formatTime(sub.UpdatedAt), string(modifiedJSON))
	if err != nil {
		return fmt.Errorf("failed to put submission %s: %w", sub.LocalID, err)
	}
	return nil
}

func scanSubmission(r interface{ Scan(...any) error }) (*OfflineSubmission, error) {
	var (
		sub                                 OfflineSubmission
		serverID                            sql.NullInt64
		synced                              int
		syncedAt                            sql.NullString
		answers, created, updated, modified string
	)
	if err := r.Scan(&sub.LocalID, &serverID, &sub.QuestionnaireID, &sub.InstitutionID, &sub.Status,
		&answers, &synced, &syncedAt, &created, &updated, &modified); err != nil {
		return nil, err
	}
	if serverID.Valid {
		id := serverID.Int64
		sub.ServerID = &id
	}
	sub.Synced = synced != 0
	sub.SyncedAt = parseTimePtr(syncedAt)
	sub.CreatedAt = parseTime(created)
	sub.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(answers), &sub.Answers); err != nil {
		return nil, fmt.Errorf("failed to decode answers for %s: %w", sub.LocalID, err)
	}
	if err := json.Unmarshal([]byte(modified), &sub.ModifiedQuestions); err != nil {
		return nil, fmt.Errorf("failed to decode modified questions for %s: %w", sub.LocalID, err)
	}
	return &sub, nil
}

// ---- files ----

const fileColumns = `id, submission_local_id, question_name, file_name, mime_type, size,
	data, synced, server_path, created_at`

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*OfflineFile, error) {
	return getFile(ctx, s.db, id)
}

func getFile(ctx context.Context, q querier, id string) (*OfflineFile, error) {
	row := q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id)
	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return f, err
}

func (s *SQLiteStore) PutFile(ctx context.Context, f *OfflineFile) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return putFile(ctx, tx, f)
	})
}

func (s *SQLiteStore) QueryFiles(ctx context.Context, q FileQuery) ([]*OfflineFile, error) {
	var (
		where []string
		args  []any
	)
	if q.SubmissionLocalID != "" {
		where = append(where, "submission_local_id = ?")
		args = append(args, q.SubmissionLocalID)
	}
	if q.Synced != nil {
		where = append(where, "synced = ?")
		args = append(args, boolToInt(*q.Synced))
	}
	query := `SELECT ` + fileColumns + ` FROM files`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var out []*OfflineFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteFile(ctx context.Context, id string) error {
	return s.deleteBy(ctx, deleteFileSQL, id)
}

func putFile(ctx context.Context, q querier, f *OfflineFile) error {
	if f.ID == "" {
		return fmt.Errorf("file id is required")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			submission_local_id = excluded.submission_local_id,
			question_name = excluded.question_name,
			file_name = excluded.file_name,
			mime_type = excluded.mime_type,
			size = excluded.size,
			data = excluded.data,
			synced = excluded.synced,
			server_path = excluded.server_path`,
		f.ID, f.SubmissionLocalID, f.QuestionName, f.FileName, f.MIMEType, f.Size,
		f.Data, boolToInt(f.Synced), f.ServerPath, formatTime(f.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to put file %s: %w", f.ID, err)
	}
	return nil
}

func scanFile(r interface{ Scan(...any) error }) (*OfflineFile, error) {
	var (
		f       OfflineFile
		synced  int
		created string
	)
	if err := r.Scan(&f.ID, &f.SubmissionLocalID, &f.QuestionName, &f.FileName, &f.MIMEType, &f.Size,
		&f.Data, &synced, &f.ServerPath, &created); err != nil {
		return nil, err
	}
	f.Synced = synced != 0
	f.CreatedAt = parseTime(created)
	return &f, nil
}

// ---- sync queue ----

const queueColumns = `id, item_type, item_id, priority, attempts, last_attempt_at,
	last_error, created_at, next_attempt_at`

func (s *SQLiteStore) GetQueueItem(ctx context.Context, id int64) (*SyncQueueItem, error) {
	return getQueueItem(ctx, s.db, id)
}

func getQueueItem(ctx context.Context, q querier, id int64) (*SyncQueueItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *SQLiteStore) PutQueueItem(ctx context.Context, item *SyncQueueItem) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return putQueueItem(ctx, tx, item)
	})
}

func (s *SQLiteStore) EnqueueOnce(ctx context.Context, item *SyncQueueItem) (*SyncQueueItem, bool, error) {
	var (
		stored  *SyncQueueItem
		created bool
	)
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, created, err = enqueueOnce(ctx, tx, item)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func enqueueOnce(ctx context.Context, q querier, item *SyncQueueItem) (*SyncQueueItem, bool, error) {
	existing, err := findQueueItem(ctx, q, item.Type, item.ItemID)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("failed to look up queue entry: %w", err)
	}
	c := *item
	c.ID = 0
	if err := putQueueItem(ctx, q, &c); err != nil {
		return nil, false, err
	}
	item.ID = c.ID
	item.CreatedAt = c.CreatedAt
	return &c, true, nil
}

func (s *SQLiteStore) FindQueueItem(ctx context.Context, typ ItemType, itemID string) (*SyncQueueItem, error) {
	return findQueueItem(ctx, s.db, typ, itemID)
}

func findQueueItem(ctx context.Context, q querier, typ ItemType, itemID string) (*SyncQueueItem, error) {
	row := q.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE item_type = ? AND item_id = ?`,
		string(typ), itemID)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *SQLiteStore) ListQueue(ctx context.Context) ([]*SyncQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY priority, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var out []*SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountQueue(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteQueueItem(ctx context.Context, id int64) error {
	return s.deleteBy(ctx, deleteQueueItemSQL, id)
}

func putQueueItem(ctx context.Context, q querier, item *SyncQueueItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	args := []any{string(item.Type), item.ItemID, int(item.Priority), item.Attempts,
		formatTimePtr(item.LastAttemptAt), item.LastError, formatTime(item.CreatedAt), formatTimePtr(item.NextAttemptAt)}

	var err error
	if item.ID == 0 {
		var res sql.Result
		res, err = q.ExecContext(ctx, `
			INSERT INTO sync_queue (item_type, item_id, priority, attempts, last_attempt_at, last_error, created_at, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, args...)
		if err == nil {
			item.ID, err = res.LastInsertId()
		}
	} else {
		_, err = q.ExecContext(ctx, `
			INSERT INTO sync_queue (item_type, item_id, priority, attempts, last_attempt_at, last_error, created_at, next_attempt_at, id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				item_type = excluded.item_type,
				item_id = excluded.item_id,
				priority = excluded.priority,
				attempts = excluded.attempts,
				last_attempt_at = excluded.last_attempt_at,
				last_error = excluded.last_error,
				next_attempt_at = excluded.next_attempt_at`, append(args, item.ID)...)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrDuplicateQueueItem, item.Type, item.ItemID)
		}
		return fmt.Errorf("failed to put queue entry for %s %s: %w", item.Type, item.ItemID, err)
	}
	return nil
}

func scanQueueItem(r interface{ Scan(...any) error }) (*SyncQueueItem, error) {
	var (
		item                     SyncQueueItem
		typ, created             string
		priority                 int
		lastAttempt, nextAttempt sql.NullString
	)
	if err := r.Scan(&item.ID, &typ, &item.ItemID, &priority, &item.Attempts, &lastAttempt,
		&item.LastError, &created, &nextAttempt); err != nil {
		return nil, err
	}
	item.Type = ItemType(typ)
	item.Priority = Priority(priority)
	item.LastAttemptAt = parseTimePtr(lastAttempt)
	item.NextAttemptAt = parseTimePtr(nextAttempt)
	item.CreatedAt = parseTime(created)
	return &item, nil
}

// ---- batch & maintenance ----

func (s *SQLiteStore) BulkPut(ctx context.Context, b Batch) error {
	staged := make([]*SyncQueueItem, len(b.QueueItems))
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		for _, q := range b.Questionnaires {
			if err := putQuestionnaire(ctx, tx, q); err != nil {
				return err
			}
		}
		for _, sub := range b.Submissions {
			if err := putSubmission(ctx, tx, sub); err != nil {
				return err
			}
		}
		for _, f := range b.Files {
			if err := putFile(ctx, tx, f); err != nil {
				return err
			}
		}
		for i, item := range b.QueueItems {
			c := cloneQueueItem(item)
			if err := putQueueItem(ctx, tx, c); err != nil {
				return err
			}
			staged[i] = c
		}
		return nil
	})
	if err != nil {
		return err
	}
	// assigned ids reach callers only after commit
	for i, item := range b.QueueItems {
		item.ID = staged[i].ID
		item.CreatedAt = staged[i].CreatedAt
	}
	return nil
}

func (s *SQLiteStore) PurgeSynced(ctx context.Context, cutoff time.Time) (int, error) {
	var purged int
	err := s.withWriteTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT s.local_id FROM submissions s
			WHERE s.synced = 1 AND s.synced_at IS NOT NULL AND s.synced_at < ?
			  AND NOT EXISTS (SELECT 1 FROM sync_queue q WHERE q.item_type = 'submission' AND q.item_id = s.local_id)
			  AND NOT EXISTS (SELECT 1 FROM files f WHERE f.submission_local_id = s.local_id AND f.synced = 0)`,
			formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("failed to select purge candidates: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE submission_local_id = ? AND synced = 1`, id); err != nil {
				return fmt.Errorf("failed to purge files of %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE local_id = ?`, id); err != nil {
				return fmt.Errorf("failed to purge submission %s: %w", id, err)
			}
		}
		purged = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		s.logger.Info("purged synced submissions", "count", purged, "cutoff", cutoff)
	}
	return purged, nil
}

func (s *SQLiteStore) deleteBy(ctx context.Context, query string, key any) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return deleteBy(ctx, tx, query, key)
	})
}

func deleteBy(ctx context.Context, q querier, query string, key any) error {
	res, err := q.ExecContext(ctx, query, key)
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const (
	deleteSubmissionSQL = `DELETE FROM submissions WHERE local_id = ?`
	deleteFileSQL       = `DELETE FROM files WHERE id = ?`
	deleteQueueItemSQL  = `DELETE FROM sync_queue WHERE id = ?`
)

// Update runs fn inside one write transaction; nothing fn wrote survives if it fails
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.withWriteTx(ctx, func(tx *sql.Tx) error {
		return fn(&sqliteTx{q: tx})
	})
}

// sqliteTx is the Tx handed to Update callbacks
type sqliteTx struct {
	q querier
}

func (t *sqliteTx) GetSubmission(ctx context.Context, localID string) (*OfflineSubmission, error) {
	return getSubmission(ctx, t.q, localID)
}

func (t *sqliteTx) PutSubmission(ctx context.Context, sub *OfflineSubmission) error {
	return putSubmission(ctx, t.q, sub)
}

func (t *sqliteTx) GetFile(ctx context.Context, id string) (*OfflineFile, error) {
	return getFile(ctx, t.q, id)
}

func (t *sqliteTx) PutFile(ctx context.Context, f *OfflineFile) error {
	return putFile(ctx, t.q, f)
}

func (t *sqliteTx) GetQueueItem(ctx context.Context, id int64) (*SyncQueueItem, error) {
	return getQueueItem(ctx, t.q, id)
}

func (t *sqliteTx) FindQueueItem(ctx context.Context, typ ItemType, itemID string) (*SyncQueueItem, error) {
	return findQueueItem(ctx, t.q, typ, itemID)
}

func (t *sqliteTx) PutQueueItem(ctx context.Context, item *SyncQueueItem) error {
	return putQueueItem(ctx, t.q, item)
}

func (t *sqliteTx) EnqueueOnce(ctx context.Context, item *SyncQueueItem) (*SyncQueueItem, bool, error) {
	return enqueueOnce(ctx, t.q, item)
}

func (t *sqliteTx) DeleteQueueItem(ctx context.Context, id int64) error {
	return deleteBy(ctx, t.q, deleteQueueItemSQL, id)
}

// ---- helpers ----

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// tolerate rows written by hand or by older builds
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
