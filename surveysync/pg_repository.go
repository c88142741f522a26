// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository stores submissions and attachments in PostgreSQL
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPGRepository creates the repository and makes sure its tables exist
func NewPGRepository(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PGRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &PGRepository{pool: pool, logger: logger}
	if err := r.initializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize survey schema: %w", err)
	}
	return r, nil
}

func (r *PGRepository) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS submissions (
				id               BIGSERIAL   PRIMARY KEY,
				local_id         TEXT        NOT NULL,
				questionnaire_id BIGINT      NOT NULL,
				institution_id   BIGINT      NOT NULL,
				status           TEXT        NOT NULL CHECK (status IN ('draft','submitted','approved','rejected')),
				answers          JSONB       NOT NULL DEFAULT '{}'::jsonb,
				created_by       TEXT        NOT NULL,
				created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (institution_id, local_id)
			)`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS submission_files (
				id            BIGSERIAL   PRIMARY KEY,
				submission_id BIGINT      NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
				question_name TEXT        NOT NULL,
				file_name     TEXT        NOT NULL,
				mime_type     TEXT        NOT NULL DEFAULT '',
				path          TEXT        NOT NULL UNIQUE,
				size          BIGINT      NOT NULL,
				data          BYTEA       NOT NULL,
				created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			/*language=postgresql*/ `CREATE INDEX IF NOT EXISTS submission_files_submission_idx
				ON submission_files (submission_id)`,
		}
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
		return nil
	})
}

const submissionColumns = `id, questionnaire_id, institution_id, status, answers, local_id, created_at, updated_at`

func scanSubmission(row pgx.Row) (*SubmissionResponse, error) {
	var (
		s   SubmissionResponse
		raw []byte
	)
	if err := row.Scan(&s.ID, &s.QuestionnaireID, &s.InstitutionID, &s.Status, &raw,
		&s.LocalID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Answers = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.Answers); err != nil {
			return nil, fmt.Errorf("failed to decode answers of submission %d: %w", s.ID, err)
		}
	}
	return &s, nil
}

// CreateSubmission upserts on (institution_id, local_id); xmax = 0 tells a fresh insert apart from an update
func (r *PGRepository) CreateSubmission(ctx context.Context, userID string, req *SubmissionRequest) (*SubmissionResponse, bool, error) {
	answers, err := json.Marshal(req.Answers)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode answers: %w", err)
	}
	localID := req.LocalID
	if localID == "" {
		localID = uuid.New().String()
	}

	var (
		resp    *SubmissionResponse
		created bool
	)
	err = retryTx(ctx, func() error {
		row := r.pool.QueryRow(ctx, /*language=postgresql*/ `
			INSERT INTO submissions (local_id, questionnaire_id, institution_id, status, answers, created_by)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6)
			ON CONFLICT (institution_id, local_id) DO UPDATE
			SET questionnaire_id = EXCLUDED.questionnaire_id,
			    status = EXCLUDED.status,
			    answers = EXCLUDED.answers,
			    updated_at = now()
			RETURNING `+submissionColumns+`, (xmax = 0)`,
			localID, req.QuestionnaireID, req.InstitutionID, req.Status, string(answers), userID)

		var (
			s   SubmissionResponse
			raw []byte
		)
		if err := row.Scan(&s.ID, &s.QuestionnaireID, &s.InstitutionID, &s.Status, &raw,
			&s.LocalID, &s.CreatedAt, &s.UpdatedAt, &created); err != nil {
			return err
		}
		s.Answers = map[string]any{}
		if err := json.Unmarshal(raw, &s.Answers); err != nil {
			return fmt.Errorf("failed to decode answers: %w", err)
		}
		resp = &s
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to create submission: %w", err)
	}
	r.logger.Debug("submission stored", "id", resp.ID, "local_id", resp.LocalID, "created", created)
	return resp, created, nil
}

func (r *PGRepository) UpdateSubmission(ctx context.Context, id int64, req *SubmissionRequest) (*SubmissionResponse, error) {
	answers, err := json.Marshal(req.Answers)
	if err != nil {
		return nil, fmt.Errorf("failed to encode answers: %w", err)
	}
	var resp *SubmissionResponse
	err = retryTx(ctx, func() error {
		row := r.pool.QueryRow(ctx, /*language=postgresql*/ `
			UPDATE submissions
			SET questionnaire_id = $3, status = $4, answers = $5::jsonb, updated_at = now()
			WHERE id = $1 AND institution_id = $2
			RETURNING `+submissionColumns,
			id, req.InstitutionID, req.QuestionnaireID, req.Status, string(answers))
		s, err := scanSubmission(row)
		if err != nil {
			return err
		}
		resp = s
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update submission %d: %w", id, err)
	}
	return resp, nil
}

func (r *PGRepository) GetSubmission(ctx context.Context, institutionID, id int64) (*SubmissionResponse, error) {
	row := r.pool.QueryRow(ctx, /*language=postgresql*/ `
		SELECT `+submissionColumns+` FROM submissions WHERE id = $1 AND institution_id = $2`,
		id, institutionID)
	s, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load submission %d: %w", id, err)
	}
	return s, nil
}

func (r *PGRepository) SaveFile(ctx context.Context, institutionID int64, f *FileUpload) (*FileUploadResponse, error) {
	path := filePath(f.SubmissionID, f.FileName)
	err := retryTx(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			var exists bool
			if err := tx.QueryRow(ctx, /*language=postgresql*/ `
				SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1 AND institution_id = $2 FOR SHARE)`,
				f.SubmissionID, institutionID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrSubmissionNotFound
			}
			_, err := tx.Exec(ctx, /*language=postgresql*/ `
				INSERT INTO submission_files (submission_id, question_name, file_name, mime_type, path, size, data)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				f.SubmissionID, f.QuestionName, f.FileName, f.MIMEType, path, int64(len(f.Data)), f.Data)
			return err
		})
	})
	if errors.Is(err, ErrSubmissionNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store file for submission %d: %w", f.SubmissionID, err)
	}
	return &FileUploadResponse{
		Path:         path,
		Size:         int64(len(f.Data)),
		SubmissionID: f.SubmissionID,
		QuestionName: f.QuestionName,
	}, nil
}

var (
	_ Repository = (*PGRepository)(nil)
	_ Repository = (*MemoryRepository)(nil)
)
