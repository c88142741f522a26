// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"encoding/json"
	"time"
)

// Submission workflow statuses
const (
	StatusDraft     = "draft"
	StatusSubmitted = "submitted"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
)

// ItemType names the kind of referent a sync queue entry points at
type ItemType string

const (
	ItemSubmission ItemType = "submission"
	ItemFile       ItemType = "file"
)

// Priority orders sync queue entries; lower numeral is pushed first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// PriorityForStatus maps a submission status to its queue priority.
func PriorityForStatus(status string) Priority {
	if status == StatusSubmitted {
		return PriorityHigh
	}
	return PriorityNormal
}

// ValidStatus reports whether s is one of the workflow statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// FieldPermission grants a role view or edit access to one question
type FieldPermission struct {
	QuestionName string `json:"question_name"`
	Role         string `json:"role"`
	Access       string `json:"access"` // view | edit
}

// CachedQuestionnaire is a questionnaire definition snapshot kept for offline rendering
type CachedQuestionnaire struct {
	ID          int64             `json:"id"`
	Code        string            `json:"code"`
	Version     string            `json:"version"`
	Title       string            `json:"title"`
	Schema      json.RawMessage   `json:"schema"`
	Permissions []FieldPermission `json:"permissions"`
	CachedAt    time.Time         `json:"cached_at"`
}

// OfflineSubmission is a submission that may not exist on the server yet.
// LocalID never changes once assigned; ServerID is set exactly once.
type OfflineSubmission struct {
	ServerID          *int64         `json:"server_id,omitempty"`
	LocalID           string         `json:"local_id"`
	QuestionnaireID   int64          `json:"questionnaire_id"`
	InstitutionID     int64          `json:"institution_id"`
	Status            string         `json:"status"`
	Answers           map[string]any `json:"answers"`
	Synced            bool           `json:"synced"`
	SyncedAt          *time.Time     `json:"synced_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	ModifiedQuestions []string       `json:"modified_questions"`
}

// OfflineFile is a file attachment pending upload
type OfflineFile struct {
	ID                string    `json:"id"`
	SubmissionLocalID string    `json:"submission_local_id"`
	QuestionName      string    `json:"question_name"`
	FileName          string    `json:"file_name"`
	MIMEType          string    `json:"mime_type"`
	Size              int64     `json:"size"`
	Data              []byte    `json:"-"`
	Synced            bool      `json:"synced"`
	ServerPath        string    `json:"server_path,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SyncQueueItem is one unit of pending upload work
type SyncQueueItem struct {
	ID            int64      `json:"id"`
	Type          ItemType   `json:"type"`
	ItemID        string     `json:"item_id"`
	Priority      Priority   `json:"priority"`
	Attempts      int        `json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

func stampSubmission(s *OfflineSubmission) {
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
}

func cloneSubmission(s *OfflineSubmission) *OfflineSubmission {
	c := *s
	if s.ServerID != nil {
		id := *s.ServerID
		c.ServerID = &id
	}
	if s.SyncedAt != nil {
		t := *s.SyncedAt
		c.SyncedAt = &t
	}
	if s.Answers != nil {
		c.Answers = make(map[string]any, len(s.Answers))
		for k, v := range s.Answers {
			c.Answers[k] = v
		}
	}
	c.ModifiedQuestions = append([]string(nil), s.ModifiedQuestions...)
	return &c
}

func cloneFile(f *OfflineFile) *OfflineFile {
	c := *f
	if f.Data != nil {
		c.Data = append([]byte(nil), f.Data...)
	}
	return &c
}

func cloneQueueItem(q *SyncQueueItem) *SyncQueueItem {
	c := *q
	if q.LastAttemptAt != nil {
		t := *q.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if q.NextAttemptAt != nil {
		t := *q.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

func cloneQuestionnaire(q *CachedQuestionnaire) *CachedQuestionnaire {
	c := *q
	c.Schema = append(json.RawMessage(nil), q.Schema...)
	c.Permissions = append([]FieldPermission(nil), q.Permissions...)
	return &c
}
