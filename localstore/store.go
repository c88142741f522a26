// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore is the durable, schema-versioned client-side store for
// cached questionnaires, offline submissions, pending files and the sync queue.
//
// Two implementations are provided: SQLiteStore for real clients and
// MemoryStore for tests. Both serialize their own writers; callers never
// need to lock around store calls.

package localstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get* and Delete* when the key is absent
var ErrNotFound = errors.New("localstore: not found")

// ErrClosed is returned after Close
var ErrClosed = errors.New("localstore: closed")

// ErrDuplicateQueueItem is returned when a second queue entry for the same
// (type, item id) pair would be written.
var ErrDuplicateQueueItem = errors.New("localstore: queue entry already exists for item")

// ErrDuplicateQuestionnaire is returned when (code, version) is already cached under another id
var ErrDuplicateQuestionnaire = errors.New("localstore: questionnaire code and version already cached")

// Batch is a set of records written all-or-nothing by BulkPut
type Batch struct {
	Questionnaires []*CachedQuestionnaire
	Submissions    []*OfflineSubmission
	Files          []*OfflineFile
	QueueItems     []*SyncQueueItem
}

// SubmissionQuery filters submissions; zero values match everything
type SubmissionQuery struct {
	Synced          *bool
	QuestionnaireID int64
}

// FileQuery filters files; zero values match everything
type FileQuery struct {
	SubmissionLocalID string
	Synced            *bool
}

// Tx is the subset of Store available inside Update. All calls made through
// one Tx commit together or not at all.
type Tx interface {
	GetSubmission(ctx context.Context, localID string) (*OfflineSubmission, error)
	PutSubmission(ctx context.Context, s *OfflineSubmission) error
	GetFile(ctx context.Context, id string) (*OfflineFile, error)
	PutFile(ctx context.Context, f *OfflineFile) error
	GetQueueItem(ctx context.Context, id int64) (*SyncQueueItem, error)
	FindQueueItem(ctx context.Context, typ ItemType, itemID string) (*SyncQueueItem, error)
	PutQueueItem(ctx context.Context, item *SyncQueueItem) error
	EnqueueOnce(ctx context.Context, item *SyncQueueItem) (*SyncQueueItem, bool, error)
	DeleteQueueItem(ctx context.Context, id int64) error
}

// Store is the access layer for all locally persisted entities.
// Every call blocks only the calling goroutine and is durable on return.
type Store interface {
	GetQuestionnaire(ctx context.Context, id int64) (*CachedQuestionnaire, error)
	PutQuestionnaire(ctx context.Context, q *CachedQuestionnaire) error
	ListQuestionnaires(ctx context.Context) ([]*CachedQuestionnaire, error)
	DeleteQuestionnaire(ctx context.Context, id int64) error

	GetSubmission(ctx context.Context, localID string) (*OfflineSubmission, error)
	PutSubmission(ctx context.Context, s *OfflineSubmission) error
	QuerySubmissions(ctx context.Context, q SubmissionQuery) ([]*OfflineSubmission, error)
	DeleteSubmission(ctx context.Context, localID string) error

	GetFile(ctx context.Context, id string) (*OfflineFile, error)
	PutFile(ctx context.Context, f *OfflineFile) error
	QueryFiles(ctx context.Context, q FileQuery) ([]*OfflineFile, error)
	DeleteFile(ctx context.Context, id string) error

	GetQueueItem(ctx context.Context, id int64) (*SyncQueueItem, error)
	// PutQueueItem inserts when item.ID is zero (assigning the ID) and overwrites otherwise.
	PutQueueItem(ctx context.Context, item *SyncQueueItem) error
	// EnqueueOnce inserts item unless an entry for (Type, ItemID) exists already.
	// It returns the stored entry and whether it was created by this call.
	EnqueueOnce(ctx context.Context, item *SyncQueueItem) (*SyncQueueItem, bool, error)
	FindQueueItem(ctx context.Context, typ ItemType, itemID string) (*SyncQueueItem, error)
	// ListQueue returns all entries by priority ascending, then creation order.
	ListQueue(ctx context.Context) ([]*SyncQueueItem, error)
	CountQueue(ctx context.Context) (int, error)
	DeleteQueueItem(ctx context.Context, id int64) error

	BulkPut(ctx context.Context, b Batch) error
	// Update runs a read-modify-write across entities atomically with respect
	// to every other writer of the store.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// PurgeSynced removes synced submissions (with their synced files) whose
	// SyncedAt is before cutoff and that have no queue entry. Returns the number
	// of submissions removed.
	PurgeSynced(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

func boolMatches(want *bool, got bool) bool {
	return want == nil || *want == got
}
