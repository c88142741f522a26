package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/internal/pubsub"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/surveysync"
	"github.com/stretchr/testify/require"
)

var errNetwork = errors.New("dial tcp: network is unreachable")

// fakeAPI records calls in order and lets tests inject failures
type fakeAPI struct {
	mu       sync.Mutex
	nextID   int64
	calls    []string
	requests map[string]*surveysync.SubmissionRequest

	submissionErr func(req *surveysync.SubmissionRequest) error
	uploadErr     func(fileName string) error
	beforeReturn  func(ctx context.Context, call string) error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{requests: map[string]*surveysync.SubmissionRequest{}}
}

func (a *fakeAPI) record(call string) {
	a.mu.Lock()
	a.calls = append(a.calls, call)
	a.mu.Unlock()
}

func (a *fakeAPI) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAPI) hook(ctx context.Context, call string) error {
	if a.beforeReturn != nil {
		return a.beforeReturn(ctx, call)
	}
	return nil
}

func (a *fakeAPI) CreateSubmission(ctx context.Context, req *surveysync.SubmissionRequest) (*surveysync.SubmissionResponse, error) {
	call := "create:" + req.LocalID
	a.record(call)
	if err := a.hook(ctx, call); err != nil {
		return nil, err
	}
	if a.submissionErr != nil {
		if err := a.submissionErr(req); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	a.requests[req.LocalID] = req
	return &surveysync.SubmissionResponse{
		ID:              a.nextID,
		QuestionnaireID: req.QuestionnaireID,
		InstitutionID:   req.InstitutionID,
		Status:          req.Status,
		Answers:         req.Answers,
		LocalID:         req.LocalID,
	}, nil
}

func (a *fakeAPI) UpdateSubmission(ctx context.Context, id int64, req *surveysync.SubmissionRequest) (*surveysync.SubmissionResponse, error) {
	call := fmt.Sprintf("update:%d", id)
	a.record(call)
	if err := a.hook(ctx, call); err != nil {
		return nil, err
	}
	if a.submissionErr != nil {
		if err := a.submissionErr(req); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests[req.LocalID] = req
	return &surveysync.SubmissionResponse{ID: id, Status: req.Status, Answers: req.Answers, LocalID: req.LocalID}, nil
}

func (a *fakeAPI) UploadFile(ctx context.Context, submissionID int64, questionName, fileName, _ string, data []byte) (*surveysync.FileUploadResponse, error) {
	call := "upload:" + fileName
	a.record(call)
	if err := a.hook(ctx, call); err != nil {
		return nil, err
	}
	if a.uploadErr != nil {
		if err := a.uploadErr(fileName); err != nil {
			return nil, err
		}
	}
	return &surveysync.FileUploadResponse{
		Path:         fmt.Sprintf("submissions/%d/%s", submissionID, fileName),
		Size:         int64(len(data)),
		SubmissionID: submissionID,
		QuestionName: questionName,
	}, nil
}

// fakeMonitor is a settable connectivity signal
type fakeMonitor struct {
	transitionMu sync.Mutex
	online       atomic.Bool
	subs         pubsub.Broadcaster[bool]
}

func (m *fakeMonitor) IsOnline() bool { return m.online.Load() }

func (m *fakeMonitor) Subscribe(fn func(bool)) func() {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	unsub := m.subs.Subscribe(fn)
	fn(m.online.Load())
	return unsub
}

func (m *fakeMonitor) Set(online bool) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if m.online.Load() == online {
		return
	}
	m.online.Store(online)
	m.subs.Publish(online)
}

func newEngine(t *testing.T, store localstore.Store, api API, mon Monitor, cfg Config) *Engine {
	t.Helper()
	e, err := New(store, api, mon, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(e.Stop)
	return e
}

var baseTime = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// putQueued stores a draft submission and its queue entry directly
func putQueued(t *testing.T, store localstore.Store, localID string, priority localstore.Priority, created time.Time) *localstore.SyncQueueItem {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.PutSubmission(ctx, &localstore.OfflineSubmission{
		LocalID:         localID,
		QuestionnaireID: 1,
		InstitutionID:   7,
		Status:          localstore.StatusDraft,
		Answers:         map[string]any{"q1": localID},
		CreatedAt:       created,
		UpdatedAt:       created,
	}))
	item := &localstore.SyncQueueItem{
		Type:      localstore.ItemSubmission,
		ItemID:    localID,
		Priority:  priority,
		CreatedAt: created,
	}
	require.NoError(t, store.PutQueueItem(ctx, item))
	return item
}
