// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package submission implements the editing session for one survey
// submission. A session owns the in-memory answers and decides, at save time,
// whether the snapshot goes to the local store and sync queue (offline) or is
// left to the caller to send straight to the server (online).

package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
)

var (
	// ErrNoInstitution blocks saving for users without an institution
	ErrNoInstitution = errors.New("user has no institution; a submission cannot be saved without one")
	// ErrInvalidStatus rejects statuses outside the workflow
	ErrInvalidStatus = errors.New("invalid submission status")
	// ErrNotSavedLocally blocks attachments on a new submission that has no local record yet
	ErrNotSavedLocally = errors.New("submission must be saved before attaching files")
)

// Connectivity is the live reachability signal read at save time
type Connectivity interface {
	IsOnline() bool
}

// SaveTarget says where a save went
type SaveTarget int

const (
	SaveFailed SaveTarget = iota // see Session.Err
	SaveLocal                    // stored offline and queued for sync
	SaveServer                   // caller must send Snapshot to the server
)

func (t SaveTarget) String() string {
	switch t {
	case SaveLocal:
		return "local"
	case SaveServer:
		return "server"
	default:
		return "failed"
	}
}

// Options seed a session
type Options struct {
	QuestionnaireID int64
	ServerID        *int64         // existing server submission being edited, if any
	InitialAnswers  map[string]any // takes precedence over a stored local record
	Now             func() time.Time
	// OnQueued runs after every offline save or attachment that touched the
	// sync queue, typically syncengine.Engine.PendingChanged
	OnQueued func(ctx context.Context)
}

// Session is the stateful editing session for one submission. Its methods are
// safe for concurrent use; errors are kept as state and read with Err.
type Session struct {
	store    localstore.Store
	conn     Connectivity
	users    UserProvider
	logger   *slog.Logger
	now      func() time.Time
	onQueued func(ctx context.Context)

	mu              sync.Mutex
	localID         string
	questionnaireID int64
	serverID        *int64
	answers         map[string]any
	modified        []string
	modifiedSet     map[string]struct{}
	savedLocally    bool
	lastSavedAt     *time.Time
	err             error
}

// NewSession starts a session. When the identity already has a local record
// and no initial answers are given, the stored answers and modified list are resumed.
func NewSession(ctx context.Context, store localstore.Store, conn Connectivity, users UserProvider, opts Options, logger *slog.Logger) (*Session, error) {
	if store == nil || conn == nil || users == nil {
		return nil, fmt.Errorf("store, connectivity and user provider are required")
	}
	if opts.QuestionnaireID <= 0 {
		return nil, fmt.Errorf("questionnaire id must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Session{
		store:           store,
		conn:            conn,
		users:           users,
		logger:          logger,
		now:             now,
		onQueued:        opts.OnQueued,
		localID:         LocalIDFor(opts.ServerID),
		questionnaireID: opts.QuestionnaireID,
		serverID:        opts.ServerID,
		answers:         map[string]any{},
		modifiedSet:     map[string]struct{}{},
	}

	if opts.InitialAnswers != nil {
		for k, v := range opts.InitialAnswers {
			s.answers[k] = v
		}
		return s, nil
	}

	existing, err := store.GetSubmission(ctx, s.localID)
	switch {
	case errors.Is(err, localstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load local submission %s: %w", s.localID, err)
	default:
		for k, v := range existing.Answers {
			s.answers[k] = v
		}
		for _, q := range existing.ModifiedQuestions {
			s.markModified(q)
		}
		if s.serverID == nil && existing.ServerID != nil {
			id := *existing.ServerID
			s.serverID = &id
		}
		s.savedLocally = !existing.Synced
		t := existing.UpdatedAt
		s.lastSavedAt = &t
		s.logger.Debug("resumed local submission", "local_id", s.localID, "answers", len(s.answers))
	}
	return s, nil
}

func (s *Session) LocalID() string { return s.localID }

func (s *Session) QuestionnaireID() int64 { return s.questionnaireID }

// Answers returns a copy of the current answers
func (s *Session) Answers() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// ModifiedQuestions lists questions changed since the last sync, in first-change order
func (s *Session) ModifiedQuestions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.modified...)
}

func (s *Session) SavedLocally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.savedLocally
}

func (s *Session) LastSavedAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSavedAt == nil {
		return time.Time{}, false
	}
	return *s.lastSavedAt, true
}

// Err returns the last save error, nil after a successful save
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// UpdateAnswer sets one answer and records the question as modified
func (s *Session) UpdateAnswer(questionName string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[questionName] = value
	s.markModified(questionName)
}

// SetAnswersOrdered replaces all answers; the modified list becomes keys in the given order
func (s *Session) SetAnswersOrdered(keys []string, answers map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = make(map[string]any, len(answers))
	for k, v := range answers {
		s.answers[k] = v
	}
	s.modified = nil
	s.modifiedSet = map[string]struct{}{}
	for _, k := range keys {
		if _, ok := answers[k]; ok {
			s.markModified(k)
		}
	}
	// keys missing from the order list still count as modified
	var rest []string
	for k := range answers {
		if _, ok := s.modifiedSet[k]; !ok {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		s.markModified(k)
	}
}

// SetAnswers replaces all answers. Map order is not observable in Go, so the
// modified list is the sorted key set; use SetAnswersOrdered to keep an order.
func (s *Session) SetAnswers(answers map[string]any) {
	s.SetAnswersOrdered(nil, answers)
}

func (s *Session) markModified(q string) {
	if _, ok := s.modifiedSet[q]; ok {
		return
	}
	s.modifiedSet[q] = struct{}{}
	s.modified = append(s.modified, q)
}

// Snapshot builds the record a save would persist, for callers sending it to the server
func (s *Session) Snapshot(institutionID int64, status string) *localstore.OfflineSubmission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(institutionID, status, s.now())
}

func (s *Session) snapshotLocked(institutionID int64, status string, now time.Time) *localstore.OfflineSubmission {
	answers := make(map[string]any, len(s.answers))
	for k, v := range s.answers {
		answers[k] = v
	}
	var serverID *int64
	if s.serverID != nil {
		id := *s.serverID
		serverID = &id
	}
	return &localstore.OfflineSubmission{
		ServerID:          serverID,
		LocalID:           s.localID,
		QuestionnaireID:   s.questionnaireID,
		InstitutionID:     institutionID,
		Status:            status,
		Answers:           answers,
		Synced:            false,
		CreatedAt:         now,
		UpdatedAt:         now,
		ModifiedQuestions: append([]string{}, s.modified...),
	}
}

// SaveSubmission persists the session. Offline it upserts the local record
// and makes sure exactly one sync queue entry exists for it. Online it writes
// nothing and returns SaveServer. Failures return SaveFailed and are kept in Err.
func (s *Session) SaveSubmission(ctx context.Context, status string) SaveTarget {
	if !localstore.ValidStatus(status) {
		return s.fail(fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}
	user, err := s.users.CurrentUser(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("failed to resolve current user: %w", err))
	}
	if user.InstitutionID == nil {
		return s.fail(ErrNoInstitution)
	}

	if s.conn.IsOnline() {
		s.mu.Lock()
		s.err = nil
		s.mu.Unlock()
		return SaveServer
	}

	s.mu.Lock()
	now := s.now()
	snap := s.snapshotLocked(*user.InstitutionID, status, now)
	s.mu.Unlock()

	priority := localstore.PriorityForStatus(status)
	var queued *localstore.SyncQueueItem
	err = s.store.Update(ctx, func(tx localstore.Tx) error {
		if err := tx.PutSubmission(ctx, snap); err != nil {
			return err
		}
		item, created, err := tx.EnqueueOnce(ctx, &localstore.SyncQueueItem{
			Type:      localstore.ItemSubmission,
			ItemID:    snap.LocalID,
			Priority:  priority,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		// a later "submitted" save must not wait behind drafts
		if !created && priority < item.Priority {
			item.Priority = priority
			if err := tx.PutQueueItem(ctx, item); err != nil {
				return err
			}
		}
		queued = item
		return nil
	})
	if err != nil {
		return s.fail(fmt.Errorf("failed to save submission locally: %w", err))
	}

	s.mu.Lock()
	s.savedLocally = true
	s.lastSavedAt = &now
	s.err = nil
	s.mu.Unlock()

	s.logger.Info("submission saved offline",
		"local_id", snap.LocalID,
		"status", status,
		"queue_id", queued.ID,
		"priority", queued.Priority)
	s.notifyQueued(ctx)
	return SaveLocal
}

// AttachFile stores a file for question and queues it for upload at low
// priority, so its submission is pushed first within a pass. A submission
// without a server id must have been saved locally first.
func (s *Session) AttachFile(ctx context.Context, questionName, fileName, mimeType string, data []byte) (*localstore.OfflineFile, error) {
	if questionName == "" || fileName == "" {
		return nil, fmt.Errorf("question name and file name are required")
	}
	s.mu.Lock()
	known := s.serverID != nil
	s.mu.Unlock()
	now := s.now()
	f := &localstore.OfflineFile{
		ID:                uuid.New().String(),
		SubmissionLocalID: s.localID,
		QuestionName:      questionName,
		FileName:          fileName,
		MIMEType:          mimeType,
		Size:              int64(len(data)),
		Data:              append([]byte(nil), data...),
		CreatedAt:         now,
	}
	err := s.store.Update(ctx, func(tx localstore.Tx) error {
		if !known {
			_, err := tx.GetSubmission(ctx, s.localID)
			if errors.Is(err, localstore.ErrNotFound) {
				return ErrNotSavedLocally
			}
			if err != nil {
				return err
			}
		}
		if err := tx.PutFile(ctx, f); err != nil {
			return err
		}
		_, _, err := tx.EnqueueOnce(ctx, &localstore.SyncQueueItem{
			Type:      localstore.ItemFile,
			ItemID:    f.ID,
			Priority:  localstore.PriorityLow,
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		err = fmt.Errorf("failed to store attachment %s: %w", fileName, err)
		s.fail(err)
		return nil, err
	}
	s.logger.Info("attachment queued", "local_id", s.localID, "file_id", f.ID, "size", f.Size)
	s.notifyQueued(ctx)
	return f, nil
}

func (s *Session) notifyQueued(ctx context.Context) {
	if s.onQueued != nil {
		s.onQueued(ctx)
	}
}

func (s *Session) fail(err error) SaveTarget {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.logger.Warn("submission save failed", "local_id", s.localID, "error", err)
	return SaveFailed
}
