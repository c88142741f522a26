// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a map-backed Store. It keeps the same ordering and
// uniqueness rules as SQLiteStore and hands out copies, never its own records.
type MemoryStore struct {
	mu             sync.RWMutex
	closed         bool
	questionnaires map[int64]*CachedQuestionnaire
	submissions    map[string]*OfflineSubmission
	files          map[string]*OfflineFile
	queue          map[int64]*SyncQueueItem
	nextQueueID    int64
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		questionnaires: make(map[int64]*CachedQuestionnaire),
		submissions:    make(map[string]*OfflineSubmission),
		files:          make(map[string]*OfflineFile),
		queue:          make(map[int64]*SyncQueueItem),
	}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) read(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	return m.mu.RUnlock, nil
}

func (m *MemoryStore) write(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	return m.mu.Unlock, nil
}

func (m *MemoryStore) GetQuestionnaire(ctx context.Context, id int64) (*CachedQuestionnaire, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	q, ok := m.questionnaires[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQuestionnaire(q), nil
}

func (m *MemoryStore) PutQuestionnaire(ctx context.Context, q *CachedQuestionnaire) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return m.putQuestionnaire(q)
}

func (m *MemoryStore) putQuestionnaire(q *CachedQuestionnaire) error {
	for id, existing := range m.questionnaires {
		if id != q.ID && existing.Code == q.Code && existing.Version == q.Version {
			return fmt.Errorf("%w: %s@%s", ErrDuplicateQuestionnaire, q.Code, q.Version)
		}
	}
	if q.CachedAt.IsZero() {
		q.CachedAt = time.Now()
	}
	m.questionnaires[q.ID] = cloneQuestionnaire(q)
	return nil
}

func (m *MemoryStore) ListQuestionnaires(ctx context.Context) ([]*CachedQuestionnaire, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]*CachedQuestionnaire, 0, len(m.questionnaires))
	for _, q := range m.questionnaires {
		out = append(out, cloneQuestionnaire(q))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Code != out[j].Code {
			return out[i].Code < out[j].Code
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) DeleteQuestionnaire(ctx context.Context, id int64) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.questionnaires[id]; !ok {
		return ErrNotFound
	}
	delete(m.questionnaires, id)
	return nil
}

func (m *MemoryStore) GetSubmission(ctx context.Context, localID string) (*OfflineSubmission, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	s, ok := m.submissions[localID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubmission(s), nil
}

func (m *MemoryStore) PutSubmission(ctx context.Context, s *OfflineSubmission) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return m.putSubmission(s)
}

func (m *MemoryStore) putSubmission(s *OfflineSubmission) error {
	if s.LocalID == "" {
		return fmt.Errorf("submission local id is required")
	}
	stampSubmission(s)
	c := cloneSubmission(s)
	if existing, ok := m.submissions[s.LocalID]; ok {
		c.CreatedAt = existing.CreatedAt
		if existing.ServerID != nil {
			id := *existing.ServerID
			c.ServerID = &id
		}
	}
	if c.Answers == nil {
		c.Answers = map[string]any{}
	}
	m.submissions[s.LocalID] = c
	return nil
}

func (m *MemoryStore) QuerySubmissions(ctx context.Context, q SubmissionQuery) ([]*OfflineSubmission, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []*OfflineSubmission
	for _, s := range m.submissions {
		if !boolMatches(q.Synced, s.Synced) {
			continue
		}
		if q.QuestionnaireID != 0 && s.QuestionnaireID != q.QuestionnaireID {
			continue
		}
		out = append(out, cloneSubmission(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LocalID < out[j].LocalID
	})
	return out, nil
}

func (m *MemoryStore) DeleteSubmission(ctx context.Context, localID string) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.submissions[localID]; !ok {
		return ErrNotFound
	}
	delete(m.submissions, localID)
	return nil
}

func (m *MemoryStore) GetFile(ctx context.Context, id string) (*OfflineFile, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFile(f), nil
}

func (m *MemoryStore) PutFile(ctx context.Context, f *OfflineFile) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return m.putFile(f)
}

func (m *MemoryStore) putFile(f *OfflineFile) error {
	if f.ID == "" {
		return fmt.Errorf("file id is required")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	c := cloneFile(f)
	if existing, ok := m.files[f.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.files[f.ID] = c
	return nil
}

func (m *MemoryStore) QueryFiles(ctx context.Context, q FileQuery) ([]*OfflineFile, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	var out []*OfflineFile
	for _, f := range m.files {
		if q.SubmissionLocalID != "" && f.SubmissionLocalID != q.SubmissionLocalID {
			continue
		}
		if !boolMatches(q.Synced, f.Synced) {
			continue
		}
		out = append(out, cloneFile(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) DeleteFile(ctx context.Context, id string) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.files[id]; !ok {
		return ErrNotFound
	}
	delete(m.files, id)
	return nil
}

func (m *MemoryStore) GetQueueItem(ctx context.Context, id int64) (*SyncQueueItem, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	item, ok := m.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQueueItem(item), nil
}

func (m *MemoryStore) PutQueueItem(ctx context.Context, item *SyncQueueItem) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return m.putQueueItem(item)
}

func (m *MemoryStore) putQueueItem(item *SyncQueueItem) error {
	if existing := m.findQueueItem(item.Type, item.ItemID); existing != nil && existing.ID != item.ID {
		return fmt.Errorf("%w: %s %s", ErrDuplicateQueueItem, item.Type, item.ItemID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	if item.ID == 0 {
		m.nextQueueID++
		item.ID = m.nextQueueID
	} else if item.ID > m.nextQueueID {
		m.nextQueueID = item.ID
	}
	c := cloneQueueItem(item)
	if existing, ok := m.queue[item.ID]; ok {
		c.CreatedAt = existing.CreatedAt
	}
	m.queue[item.ID] = c
	return nil
}

func (m *MemoryStore) EnqueueOnce(ctx context.Context, item *SyncQueueItem) (*SyncQueueItem, bool, error) {
	unlock, err := m.write(ctx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	return m.enqueueOnce(item)
}

func (m *MemoryStore) enqueueOnce(item *SyncQueueItem) (*SyncQueueItem, bool, error) {
	if existing := m.findQueueItem(item.Type, item.ItemID); existing != nil {
		return cloneQueueItem(existing), false, nil
	}
	c := cloneQueueItem(item)
	c.ID = 0
	if err := m.putQueueItem(c); err != nil {
		return nil, false, err
	}
	item.ID = c.ID
	item.CreatedAt = c.CreatedAt
	return cloneQueueItem(c), true, nil
}

func (m *MemoryStore) FindQueueItem(ctx context.Context, typ ItemType, itemID string) (*SyncQueueItem, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	item := m.findQueueItem(typ, itemID)
	if item == nil {
		return nil, ErrNotFound
	}
	return cloneQueueItem(item), nil
}

func (m *MemoryStore) findQueueItem(typ ItemType, itemID string) *SyncQueueItem {
	for _, item := range m.queue {
		if item.Type == typ && item.ItemID == itemID {
			return item
		}
	}
	return nil
}

func (m *MemoryStore) ListQueue(ctx context.Context) ([]*SyncQueueItem, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]*SyncQueueItem, 0, len(m.queue))
	for _, item := range m.queue {
		out = append(out, cloneQueueItem(item))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (m *MemoryStore) CountQueue(ctx context.Context) (int, error) {
	unlock, err := m.read(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return len(m.queue), nil
}

func (m *MemoryStore) DeleteQueueItem(ctx context.Context, id int64) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := m.queue[id]; !ok {
		return ErrNotFound
	}
	delete(m.queue, id)
	return nil
}

// BulkPut validates the whole batch against a scratch copy first so a
// failure leaves the store untouched.
func (m *MemoryStore) BulkPut(ctx context.Context, b Batch) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	scratch := m.snapshot()
	for _, q := range b.Questionnaires {
		if err := scratch.putQuestionnaire(q); err != nil {
			return err
		}
	}
	for _, s := range b.Submissions {
		if err := scratch.putSubmission(s); err != nil {
			return err
		}
	}
	for _, f := range b.Files {
		if err := scratch.putFile(f); err != nil {
			return err
		}
	}
	// callers see assigned ids only once the batch is committed
	staged := make([]*SyncQueueItem, len(b.QueueItems))
	for i, item := range b.QueueItems {
		c := cloneQueueItem(item)
		if err := scratch.putQueueItem(c); err != nil {
			return err
		}
		staged[i] = c
	}

	m.questionnaires = scratch.questionnaires
	m.submissions = scratch.submissions
	m.files = scratch.files
	m.queue = scratch.queue
	m.nextQueueID = scratch.nextQueueID
	for i, item := range b.QueueItems {
		item.ID = staged[i].ID
		item.CreatedAt = staged[i].CreatedAt
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	unlock, err := m.write(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	scratch := m.snapshot()
	if err := fn(&memoryTx{m: scratch}); err != nil {
		return err
	}
	m.questionnaires = scratch.questionnaires
	m.submissions = scratch.submissions
	m.files = scratch.files
	m.queue = scratch.queue
	m.nextQueueID = scratch.nextQueueID
	return nil
}

// memoryTx works on an unlocked scratch copy owned by Update
type memoryTx struct {
	m *MemoryStore
}

func (t *memoryTx) GetSubmission(_ context.Context, localID string) (*OfflineSubmission, error) {
	s, ok := t.m.submissions[localID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubmission(s), nil
}

func (t *memoryTx) PutSubmission(_ context.Context, s *OfflineSubmission) error {
	return t.m.putSubmission(s)
}

func (t *memoryTx) GetFile(_ context.Context, id string) (*OfflineFile, error) {
	f, ok := t.m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneFile(f), nil
}

func (t *memoryTx) PutFile(_ context.Context, f *OfflineFile) error {
	return t.m.putFile(f)
}

func (t *memoryTx) GetQueueItem(_ context.Context, id int64) (*SyncQueueItem, error) {
	item, ok := t.m.queue[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneQueueItem(item), nil
}

func (t *memoryTx) FindQueueItem(_ context.Context, typ ItemType, itemID string) (*SyncQueueItem, error) {
	item := t.m.findQueueItem(typ, itemID)
	if item == nil {
		return nil, ErrNotFound
	}
	return cloneQueueItem(item), nil
}

func (t *memoryTx) PutQueueItem(_ context.Context, item *SyncQueueItem) error {
	return t.m.putQueueItem(item)
}

func (t *memoryTx) EnqueueOnce(_ context.Context, item *SyncQueueItem) (*SyncQueueItem, bool, error) {
	return t.m.enqueueOnce(item)
}

func (t *memoryTx) DeleteQueueItem(_ context.Context, id int64) error {
	if _, ok := t.m.queue[id]; !ok {
		return ErrNotFound
	}
	delete(t.m.queue, id)
	return nil
}

func (m *MemoryStore) snapshot() *MemoryStore {
	c := NewMemoryStore()
	for k, v := range m.questionnaires {
		c.questionnaires[k] = v
	}
	for k, v := range m.submissions {
		c.submissions[k] = v
	}
	for k, v := range m.files {
		c.files[k] = v
	}
	for k, v := range m.queue {
		c.queue[k] = v
	}
	c.nextQueueID = m.nextQueueID
	return c
}

func (m *MemoryStore) PurgeSynced(ctx context.Context, cutoff time.Time) (int, error) {
	unlock, err := m.write(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	purged := 0
	for id, s := range m.submissions {
		if !s.Synced || s.SyncedAt == nil || !s.SyncedAt.Before(cutoff) {
			continue
		}
		if m.findQueueItem(ItemSubmission, id) != nil {
			continue
		}
		pendingFile := false
		for _, f := range m.files {
			if f.SubmissionLocalID == id && !f.Synced {
				pendingFile = true
				break
			}
		}
		if pendingFile {
			continue
		}
		for fid, f := range m.files {
			if f.SubmissionLocalID == id {
				delete(m.files, fid)
			}
		}
		delete(m.submissions, id)
		purged++
	}
	return purged, nil
}
