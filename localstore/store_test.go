package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func int64Ptr(v int64) *int64 { return &v }

// storeFactories lets every contract test run against both implementations
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			s := NewMemoryStore()
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), ":memory:", nil)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func TestStore_SubmissionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		sub := &OfflineSubmission{
			LocalID:           "local-1",
			QuestionnaireID:   7,
			InstitutionID:     3,
			Status:            StatusDraft,
			Answers:           map[string]any{"q1": "a", "q2": float64(2)},
			CreatedAt:         created,
			UpdatedAt:         created,
			ModifiedQuestions: []string{"q1", "q2"},
		}
		require.NoError(t, s.PutSubmission(ctx, sub))

		got, err := s.GetSubmission(ctx, "local-1")
		require.NoError(t, err)
		require.Equal(t, "local-1", got.LocalID)
		require.Nil(t, got.ServerID)
		require.False(t, got.Synced)
		require.Equal(t, map[string]any{"q1": "a", "q2": float64(2)}, got.Answers)
		require.Equal(t, []string{"q1", "q2"}, got.ModifiedQuestions)
		require.True(t, created.Equal(got.CreatedAt))

		_, err = s.GetSubmission(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SubmissionUpsertKeepsServerIDAndCreatedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		sub := &OfflineSubmission{
			LocalID: "local-1", QuestionnaireID: 1, InstitutionID: 1, Status: StatusDraft,
			ServerID: int64Ptr(42), CreatedAt: first, UpdatedAt: first,
		}
		require.NoError(t, s.PutSubmission(ctx, sub))

		later := first.Add(time.Hour)
		require.NoError(t, s.PutSubmission(ctx, &OfflineSubmission{
			LocalID: "local-1", QuestionnaireID: 1, InstitutionID: 1, Status: StatusSubmitted,
			ServerID: int64Ptr(99), CreatedAt: later, UpdatedAt: later,
			Answers: map[string]any{"q1": "b"},
		}))

		got, err := s.GetSubmission(ctx, "local-1")
		require.NoError(t, err)
		require.NotNil(t, got.ServerID)
		require.Equal(t, int64(42), *got.ServerID)
		require.Equal(t, StatusSubmitted, got.Status)
		require.True(t, first.Equal(got.CreatedAt))
		require.True(t, later.Equal(got.UpdatedAt))

		all, err := s.QuerySubmissions(ctx, SubmissionQuery{})
		require.NoError(t, err)
		require.Len(t, all, 1)
	})
}

func TestStore_QuerySubmissionsBySynced(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		for i, synced := range []bool{false, true, false} {
			require.NoError(t, s.PutSubmission(ctx, &OfflineSubmission{
				LocalID:         string(rune('a' + i)),
				QuestionnaireID: int64(i + 1),
				InstitutionID:   1,
				Status:          StatusDraft,
				Synced:          synced,
				CreatedAt:       base.Add(time.Duration(i) * time.Minute),
			}))
		}

		pending, err := s.QuerySubmissions(ctx, SubmissionQuery{Synced: boolPtr(false)})
		require.NoError(t, err)
		require.Len(t, pending, 2)
		require.Equal(t, "a", pending[0].LocalID)
		require.Equal(t, "c", pending[1].LocalID)

		byQuestionnaire, err := s.QuerySubmissions(ctx, SubmissionQuery{QuestionnaireID: 2})
		require.NoError(t, err)
		require.Len(t, byQuestionnaire, 1)
		require.Equal(t, "b", byQuestionnaire[0].LocalID)
	})
}

func TestStore_QueueOrderingByPriorityThenAge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		entries := []struct {
			id       string
			priority Priority
		}{
			{"low", PriorityLow},
			{"high", PriorityHigh},
			{"normal", PriorityNormal},
			{"high-later", PriorityHigh},
		}
		for i, e := range entries {
			_, created, err := s.EnqueueOnce(ctx, &SyncQueueItem{
				Type:      ItemSubmission,
				ItemID:    e.id,
				Priority:  e.priority,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			})
			require.NoError(t, err)
			require.True(t, created)
		}

		items, err := s.ListQueue(ctx)
		require.NoError(t, err)
		var order []string
		for _, item := range items {
			order = append(order, item.ItemID)
		}
		require.Equal(t, []string{"high", "high-later", "normal", "low"}, order)
	})
}

func TestStore_QueueTieBreaksOnInsertionOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		same := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		for _, id := range []string{"first", "second", "third"} {
			_, _, err := s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemFile, ItemID: id, Priority: PriorityLow, CreatedAt: same})
			require.NoError(t, err)
		}
		items, err := s.ListQueue(ctx)
		require.NoError(t, err)
		require.Len(t, items, 3)
		require.Equal(t, "first", items[0].ItemID)
		require.Equal(t, "second", items[1].ItemID)
		require.Equal(t, "third", items[2].ItemID)
	})
}

func TestStore_EnqueueOnceDeduplicates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		first, created, err := s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemSubmission, ItemID: "x", Priority: PriorityNormal})
		require.NoError(t, err)
		require.True(t, created)
		require.NotZero(t, first.ID)

		second, created, err := s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemSubmission, ItemID: "x", Priority: PriorityHigh})
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, PriorityNormal, second.Priority)

		// same item id under another type is a different entry
		_, created, err = s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemFile, ItemID: "x", Priority: PriorityLow})
		require.NoError(t, err)
		require.True(t, created)

		n, err := s.CountQueue(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)

		err = s.PutQueueItem(ctx, &SyncQueueItem{Type: ItemSubmission, ItemID: "x", Priority: PriorityLow})
		require.ErrorIs(t, err, ErrDuplicateQueueItem)
	})
}

func TestStore_QueueItemRetryInPlace(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		item, _, err := s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemFile, ItemID: "f1", Priority: PriorityLow})
		require.NoError(t, err)

		now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
		next := now.Add(2 * time.Second)
		item.Attempts++
		item.LastError = "connection refused"
		item.LastAttemptAt = &now
		item.NextAttemptAt = &next
		require.NoError(t, s.PutQueueItem(ctx, item))

		got, err := s.FindQueueItem(ctx, ItemFile, "f1")
		require.NoError(t, err)
		require.Equal(t, item.ID, got.ID)
		require.Equal(t, 1, got.Attempts)
		require.Equal(t, "connection refused", got.LastError)
		require.NotNil(t, got.LastAttemptAt)
		require.True(t, now.Equal(*got.LastAttemptAt))
		require.NotNil(t, got.NextAttemptAt)
		require.True(t, next.Equal(*got.NextAttemptAt))

		require.NoError(t, s.DeleteQueueItem(ctx, item.ID))
		_, err = s.GetQueueItem(ctx, item.ID)
		require.ErrorIs(t, err, ErrNotFound)
		require.ErrorIs(t, s.DeleteQueueItem(ctx, item.ID), ErrNotFound)
	})
}

func TestStore_FilesQueryAndPayload(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutFile(ctx, &OfflineFile{
			ID: "f1", SubmissionLocalID: "sub-1", QuestionName: "photo", FileName: "a.png",
			MIMEType: "image/png", Size: 3, Data: []byte{1, 2, 3},
		}))
		require.NoError(t, s.PutFile(ctx, &OfflineFile{
			ID: "f2", SubmissionLocalID: "sub-2", QuestionName: "photo", FileName: "b.png", Synced: true,
		}))

		files, err := s.QueryFiles(ctx, FileQuery{SubmissionLocalID: "sub-1"})
		require.NoError(t, err)
		require.Len(t, files, 1)
		require.Equal(t, []byte{1, 2, 3}, files[0].Data)

		unsynced, err := s.QueryFiles(ctx, FileQuery{Synced: boolPtr(false)})
		require.NoError(t, err)
		require.Len(t, unsynced, 1)
		require.Equal(t, "f1", unsynced[0].ID)

		f := files[0]
		f.Synced = true
		f.ServerPath = "uploads/a.png"
		f.Data = nil
		require.NoError(t, s.PutFile(ctx, f))
		got, err := s.GetFile(ctx, "f1")
		require.NoError(t, err)
		require.True(t, got.Synced)
		require.Empty(t, got.Data)
		require.Equal(t, "uploads/a.png", got.ServerPath)
	})
}

func TestStore_QuestionnaireUniqueCodeVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		q := &CachedQuestionnaire{
			ID: 1, Code: "HH", Version: "1", Title: "Household",
			Schema:      json.RawMessage(`{"pages":[{"name":"p1","elements":[{"type":"text","name":"q1"}]}]}`),
			Permissions: []FieldPermission{{QuestionName: "q1", Role: "enumerator", Access: "edit"}},
		}
		require.NoError(t, s.PutQuestionnaire(ctx, q))

		got, err := s.GetQuestionnaire(ctx, 1)
		require.NoError(t, err)
		require.JSONEq(t, string(q.Schema), string(got.Schema))
		require.Equal(t, q.Permissions, got.Permissions)
		require.False(t, got.CachedAt.IsZero())

		err = s.PutQuestionnaire(ctx, &CachedQuestionnaire{ID: 2, Code: "HH", Version: "1"})
		require.ErrorIs(t, err, ErrDuplicateQuestionnaire)

		require.NoError(t, s.PutQuestionnaire(ctx, &CachedQuestionnaire{ID: 2, Code: "HH", Version: "2"}))
		all, err := s.ListQuestionnaires(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)

		require.NoError(t, s.DeleteQuestionnaire(ctx, 1))
		_, err = s.GetQuestionnaire(ctx, 1)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_BulkPutIsAllOrNothing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, _, err := s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemSubmission, ItemID: "taken", Priority: PriorityNormal})
		require.NoError(t, err)

		fresh := &SyncQueueItem{Type: ItemSubmission, ItemID: "s1", Priority: PriorityNormal}
		err = s.BulkPut(ctx, Batch{
			Submissions: []*OfflineSubmission{{LocalID: "s1", QuestionnaireID: 1, InstitutionID: 1, Status: StatusDraft}},
			QueueItems: []*SyncQueueItem{
				fresh,
				{Type: ItemSubmission, ItemID: "taken", Priority: PriorityNormal},
			},
		})
		require.ErrorIs(t, err, ErrDuplicateQueueItem)
		require.Zero(t, fresh.ID)
		require.True(t, fresh.CreatedAt.IsZero())

		_, err = s.GetSubmission(ctx, "s1")
		require.ErrorIs(t, err, ErrNotFound)
		n, err := s.CountQueue(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		require.NoError(t, s.BulkPut(ctx, Batch{
			Submissions: []*OfflineSubmission{{LocalID: "s1", QuestionnaireID: 1, InstitutionID: 1, Status: StatusDraft}},
			QueueItems:  []*SyncQueueItem{fresh},
		}))
		require.NotZero(t, fresh.ID)
		stored, err := s.GetQueueItem(ctx, fresh.ID)
		require.NoError(t, err)
		require.Equal(t, "s1", stored.ItemID)
		_, err = s.GetSubmission(ctx, "s1")
		require.NoError(t, err)
		n, err = s.CountQueue(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})
}

func TestStore_PurgeSynced(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		cutoff := old.Add(24 * time.Hour)

		put := func(id string, synced bool) {
			sub := &OfflineSubmission{LocalID: id, QuestionnaireID: 1, InstitutionID: 1, Status: StatusSubmitted, Synced: synced}
			if synced {
				sub.SyncedAt = &old
			}
			require.NoError(t, s.PutSubmission(ctx, sub))
		}
		put("done", true)
		put("pending", false)
		put("requeued", true)
		put("file-pending", true)
		_, _, err := s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemSubmission, ItemID: "requeued", Priority: PriorityNormal})
		require.NoError(t, err)
		require.NoError(t, s.PutFile(ctx, &OfflineFile{ID: "f-done", SubmissionLocalID: "done", Synced: true}))
		require.NoError(t, s.PutFile(ctx, &OfflineFile{ID: "f-pending", SubmissionLocalID: "file-pending"}))

		n, err := s.PurgeSynced(ctx, cutoff)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = s.GetSubmission(ctx, "done")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetFile(ctx, "f-done")
		require.ErrorIs(t, err, ErrNotFound)
		for _, id := range []string{"pending", "requeued", "file-pending"} {
			_, err := s.GetSubmission(ctx, id)
			require.NoError(t, err, id)
		}
	})
}

func TestStore_ClosedStoreFails(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Close())
		_, err := s.CountQueue(context.Background())
		require.Error(t, err)
	})
}

func TestSQLiteStore_MigrationPreservesUnsyncedRows(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "survey.db")

	// Build a version 1 database by hand.
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, migrate(ctx, db, 1))
	_, err = db.Exec(`INSERT INTO submissions (local_id, questionnaire_id, institution_id, status, answers_json, created_at, updated_at)
		VALUES ('legacy', 5, 9, 'draft', '{"q1":"a"}', '2025-01-01T00:00:00.000000000Z', '2025-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sync_queue (item_type, item_id, priority, attempts, created_at)
		VALUES ('submission', 'legacy', 2, 3, '2025-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)
	var version int
	require.NoError(t, db.QueryRow(`PRAGMA user_version`).Scan(&version))
	require.Equal(t, 1, version)
	require.NoError(t, db.Close())

	s, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.DB().QueryRow(`PRAGMA user_version`).Scan(&version))
	require.Equal(t, SchemaVersion(), version)

	sub, err := s.GetSubmission(ctx, "legacy")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"q1": "a"}, sub.Answers)
	require.Empty(t, sub.ModifiedQuestions)

	item, err := s.FindQueueItem(ctx, ItemSubmission, "legacy")
	require.NoError(t, err)
	require.Equal(t, 3, item.Attempts)
	require.Nil(t, item.NextAttemptAt)
}

func TestSQLiteStore_ReopenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "survey.db")

	s, err := OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s.PutSubmission(ctx, &OfflineSubmission{LocalID: "a", QuestionnaireID: 1, InstitutionID: 1, Status: StatusDraft}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(ctx, path, nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetSubmission(ctx, "a")
	require.NoError(t, err)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.PutSubmission(ctx, &OfflineSubmission{
		LocalID: "a", QuestionnaireID: 1, InstitutionID: 1, Status: StatusDraft,
		Answers: map[string]any{"q1": "a"},
	}))
	got, err := s.GetSubmission(ctx, "a")
	require.NoError(t, err)
	got.Answers["q1"] = "mutated"

	again, err := s.GetSubmission(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "a", again.Answers["q1"])
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().ListQueue(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestPriorityForStatus(t *testing.T) {
	require.Equal(t, PriorityHigh, PriorityForStatus(StatusSubmitted))
	require.Equal(t, PriorityNormal, PriorityForStatus(StatusDraft))
	require.Equal(t, PriorityNormal, PriorityForStatus(StatusRejected))
}

func TestStore_UpdateCommitsOrRollsBack(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.PutSubmission(ctx, &OfflineSubmission{LocalID: "s1", QuestionnaireID: 1, InstitutionID: 1, Status: StatusDraft}))
		item, _, err := s.EnqueueOnce(ctx, &SyncQueueItem{Type: ItemSubmission, ItemID: "s1", Priority: PriorityNormal})
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.Update(ctx, func(tx Tx) error {
			sub, err := tx.GetSubmission(ctx, "s1")
			if err != nil {
				return err
			}
			sub.Synced = true
			if err := tx.PutSubmission(ctx, sub); err != nil {
				return err
			}
			if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		sub, err := s.GetSubmission(ctx, "s1")
		require.NoError(t, err)
		require.False(t, sub.Synced)
		_, err = s.GetQueueItem(ctx, item.ID)
		require.NoError(t, err)

		require.NoError(t, s.Update(ctx, func(tx Tx) error {
			sub, err := tx.GetSubmission(ctx, "s1")
			if err != nil {
				return err
			}
			sub.Synced = true
			if err := tx.PutSubmission(ctx, sub); err != nil {
				return err
			}
			found, err := tx.FindQueueItem(ctx, ItemSubmission, "s1")
			if err != nil {
				return err
			}
			return tx.DeleteQueueItem(ctx, found.ID)
		}))

		sub, err = s.GetSubmission(ctx, "s1")
		require.NoError(t, err)
		require.True(t, sub.Synced)
		n, err := s.CountQueue(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
	})
}
