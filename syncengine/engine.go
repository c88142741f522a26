// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine drains the local sync queue against the submission API.
// Passes never overlap; triggers arriving during a pass fold into one rerun.

package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/internal/pubsub"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/surveysync"
)

// ErrNotSyncedYet fails a file entry whose submission has no server id yet
var ErrNotSyncedYet = errors.New("submission not synced yet")

// API is the server surface the engine pushes to
type API interface {
	CreateSubmission(ctx context.Context, req *surveysync.SubmissionRequest) (*surveysync.SubmissionResponse, error)
	UpdateSubmission(ctx context.Context, id int64, req *surveysync.SubmissionRequest) (*surveysync.SubmissionResponse, error)
	UploadFile(ctx context.Context, submissionID int64, questionName, fileName, mimeType string, data []byte) (*surveysync.FileUploadResponse, error)
}

// Monitor is the connectivity signal; Subscribe must call fn once with the current status
type Monitor interface {
	IsOnline() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Config holds engine tuning
type Config struct {
	Interval    time.Duration // periodic pass while online; 0 disables the timer
	ItemTimeout time.Duration // bound on each server call
	MaxAttempts int           // entries at this many attempts are parked; 0 never parks
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		Interval:    0,
		ItemTimeout: 30 * time.Second,
		MaxAttempts: 10,
		BackoffMin:  1 * time.Second,
		BackoffMax:  5 * time.Minute,
	}
}

// Engine is the background sync worker. Construct with New, then Start.
type Engine struct {
	store   localstore.Store
	api     API
	monitor Monitor
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex // guards state, running, rerun*
	state       State
	running     bool
	rerun       bool
	rerunManual bool

	publishMu sync.Mutex // keeps published states in order
	subs      pubsub.Broadcaster[State]

	trigger chan struct{}

	lifecycleMu  sync.Mutex
	started      bool
	stopped      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	unsubMonitor func()
}

// New creates an engine. Zero durations in cfg fall back to DefaultConfig values.
func New(store localstore.Store, api API, monitor Monitor, cfg Config, logger *slog.Logger) (*Engine, error) {
	if store == nil || api == nil || monitor == nil {
		return nil, fmt.Errorf("store, api and monitor are required")
	}
	def := DefaultConfig()
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = def.BackoffMin
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = max(def.BackoffMax, cfg.BackoffMin)
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		api:     api,
		monitor: monitor,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Snapshot returns the current state
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state.clone()
	s.Online = e.monitor.IsOnline()
	return s
}

// Subscribe calls fn with the current state, then on every change. Callbacks
// run synchronously and must not call SyncNow, RefreshPending or Retry.
func (e *Engine) Subscribe(fn func(State)) (unsubscribe func()) {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	unsubscribe = e.subs.Subscribe(fn)
	fn(e.Snapshot())
	return unsubscribe
}

func (e *Engine) publish() {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()
	e.subs.Publish(e.Snapshot())
}

func (e *Engine) update(fn func(s *State)) {
	e.mu.Lock()
	fn(&e.state)
	e.mu.Unlock()
	e.publish()
}

// RefreshPending recomputes PendingCount from the store
func (e *Engine) RefreshPending(ctx context.Context) (int, error) {
	n, err := e.store.CountQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	e.update(func(s *State) { s.PendingCount = n })
	return n, nil
}

// PendingChanged refreshes PendingCount after a local write to the queue.
// Failures are logged; the next pass recomputes the count anyway.
func (e *Engine) PendingChanged(ctx context.Context) {
	if _, err := e.RefreshPending(ctx); err != nil {
		e.logger.Warn("failed to refresh pending count", "error", err)
	}
}

// Start subscribes to connectivity and launches the trigger loop. A pass runs
// right away when the monitor already reports online. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)

	if _, err := e.RefreshPending(ctx); err != nil {
		e.logger.Warn("failed to load pending count", "error", err)
	}
	e.unsubMonitor = e.monitor.Subscribe(e.onConnectivity)

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop cancels any running pass, waits for the loop to exit and drops subscribers
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	if e.stopped {
		e.lifecycleMu.Unlock()
		return
	}
	e.stopped = true
	cancel, unsub := e.cancel, e.unsubMonitor
	e.lifecycleMu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.subs.Close()
}

// onConnectivity runs inside the monitor's notification; it only signals the loop
func (e *Engine) onConnectivity(online bool) {
	e.update(func(s *State) { s.Online = online })
	if online {
		e.kick()
	}
}

func (e *Engine) kick() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.cfg.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		case <-tick:
		}
		if !e.monitor.IsOnline() {
			continue
		}
		res, err := e.run(ctx, false)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("sync pass failed", "error", err)
		} else if !res.Coalesced {
			e.logger.Debug("sync pass finished", "succeeded", res.Succeeded, "failed", res.Failed)
		}
	}
}

// SyncNow runs a pass on demand, ignoring per-entry backoff. If a pass is
// already running it returns at once with Coalesced set, and the running pass
// loops once more when it ends. Offline, every item simply fails.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	return e.run(ctx, true)
}

func (e *Engine) run(ctx context.Context, manual bool) (Result, error) {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.rerunManual = e.rerunManual || manual
		e.mu.Unlock()
		return Result{Coalesced: true}, nil
	}
	e.running = true
	e.state.IsSyncing = true
	e.mu.Unlock()
	e.publish()

	var (
		total Result
		err   error
	)
	for {
		var res Result
		res, err = e.pass(ctx, manual)
		total.add(res)

		e.mu.Lock()
		again := err == nil && e.rerun && ctx.Err() == nil
		manual = e.rerunManual
		e.rerun, e.rerunManual = false, false
		if !again {
			e.running = false
			e.state.IsSyncing = false
			e.state.Progress.Current = nil
			r := total
			e.state.LastResult = &r
		}
		e.mu.Unlock()
		if !again {
			break
		}
	}
	e.publish()
	return total, err
}

func (e *Engine) parked(item *localstore.SyncQueueItem) bool {
	return e.cfg.MaxAttempts > 0 && item.Attempts >= e.cfg.MaxAttempts
}

func (e *Engine) pass(ctx context.Context, manual bool) (Result, error) {
	res := Result{Passes: 1}
	items, err := e.store.ListQueue(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read sync queue: %w", err)
	}

	now := e.now()
	work := make([]*localstore.SyncQueueItem, 0, len(items))
	for _, item := range items {
		if e.parked(item) {
			res.Skipped++
			continue
		}
		if !manual && item.NextAttemptAt != nil && item.NextAttemptAt.After(now) {
			res.Skipped++
			continue
		}
		work = append(work, item)
	}

	e.update(func(s *State) {
		s.Progress = Progress{Total: len(work)}
	})
	if len(work) > 0 {
		e.logger.Info("sync pass started", "items", len(work), "skipped", res.Skipped, "manual", manual)
	}

	for i, item := range work {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cur := &CurrentItem{Type: item.Type, ItemID: item.ItemID, Status: ItemSyncing}
		e.update(func(s *State) { s.Progress.Current = cur })

		res.Attempted++
		orphan, itemErr := e.processItem(ctx, item)
		switch {
		case itemErr != nil && ctx.Err() != nil:
			// shutdown, not an item failure
			return res, ctx.Err()
		case itemErr != nil:
			res.Failed++
			e.recordFailure(ctx, item, itemErr)
			cur = &CurrentItem{Type: item.Type, ItemID: item.ItemID, Status: ItemError, Error: itemErr.Error()}
		case orphan:
			res.Removed++
			cur = &CurrentItem{Type: item.Type, ItemID: item.ItemID, Status: ItemSuccess}
		default:
			res.Succeeded++
			cur = &CurrentItem{Type: item.Type, ItemID: item.ItemID, Status: ItemSuccess}
		}
		completed := i + 1
		e.update(func(s *State) {
			s.Progress.Completed = completed
			s.Progress.Current = cur
		})
	}

	pending, err := e.store.CountQueue(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to count sync queue: %w", err)
	}
	finished := e.now()
	e.update(func(s *State) {
		s.PendingCount = pending
		s.LastSyncAt = &finished
	})
	if len(work) > 0 {
		e.logger.Info("sync pass complete",
			"succeeded", res.Succeeded,
			"failed", res.Failed,
			"removed", res.Removed,
			"pending", pending)
	}
	return res, nil
}

func (e *Engine) processItem(ctx context.Context, item *localstore.SyncQueueItem) (orphan bool, err error) {
	switch item.Type {
	case localstore.ItemSubmission:
		return e.syncSubmission(ctx, item)
	case localstore.ItemFile:
		return e.syncFile(ctx, item)
	default:
		e.logger.Warn("dropping queue entry of unknown type", "queue_id", item.ID, "type", item.Type)
		return true, e.dropEntry(ctx, item.ID)
	}
}

func (e *Engine) dropEntry(ctx context.Context, id int64) error {
	err := e.store.DeleteQueueItem(ctx, id)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("failed to delete queue entry %d: %w", id, err)
	}
	return nil
}

func deleteEntryTx(ctx context.Context, tx localstore.Tx, id int64) error {
	err := tx.DeleteQueueItem(ctx, id)
	if err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return err
	}
	return nil
}

func (e *Engine) syncSubmission(ctx context.Context, item *localstore.SyncQueueItem) (bool, error) {
	sub, err := e.store.GetSubmission(ctx, item.ItemID)
	if errors.Is(err, localstore.ErrNotFound) {
		e.logger.Info("removing orphaned queue entry", "queue_id", item.ID, "local_id", item.ItemID)
		return true, e.dropEntry(ctx, item.ID)
	}
	if err != nil {
		return false, err
	}

	req := &surveysync.SubmissionRequest{
		QuestionnaireID: sub.QuestionnaireID,
		InstitutionID:   sub.InstitutionID,
		Status:          sub.Status,
		Answers:         sub.Answers,
		LocalID:         sub.LocalID,
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
	var resp *surveysync.SubmissionResponse
	if sub.ServerID != nil {
		resp, err = e.api.UpdateSubmission(callCtx, *sub.ServerID, req)
	} else {
		resp, err = e.api.CreateSubmission(callCtx, req)
	}
	cancel()
	if err != nil {
		return false, err
	}

	syncedAt := e.now()
	var edited bool
	err = e.store.Update(ctx, func(tx localstore.Tx) error {
		cur, err := tx.GetSubmission(ctx, sub.LocalID)
		if errors.Is(err, localstore.ErrNotFound) {
			return deleteEntryTx(ctx, tx, item.ID)
		}
		if err != nil {
			return err
		}
		serverID := resp.ID
		cur.ServerID = &serverID
		if !cur.UpdatedAt.Equal(sub.UpdatedAt) {
			// saved again while the request was in flight; the entry stays for the newer answers
			edited = true
			return tx.PutSubmission(ctx, cur)
		}
		cur.Synced = true
		cur.SyncedAt = &syncedAt
		cur.ModifiedQuestions = nil
		if err := tx.PutSubmission(ctx, cur); err != nil {
			return err
		}
		return deleteEntryTx(ctx, tx, item.ID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to record sync of %s: %w", sub.LocalID, err)
	}
	e.logger.Debug("submission synced", "local_id", sub.LocalID, "server_id", resp.ID, "edited_in_flight", edited)
	return false, nil
}

func (e *Engine) syncFile(ctx context.Context, item *localstore.SyncQueueItem) (bool, error) {
	f, err := e.store.GetFile(ctx, item.ItemID)
	if errors.Is(err, localstore.ErrNotFound) {
		e.logger.Info("removing orphaned queue entry", "queue_id", item.ID, "file_id", item.ItemID)
		return true, e.dropEntry(ctx, item.ID)
	}
	if err != nil {
		return false, err
	}
	if f.Synced {
		return false, e.dropEntry(ctx, item.ID)
	}

	serverID, err := e.ownerServerID(ctx, f)
	if err != nil {
		return false, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ItemTimeout)
	resp, err := e.api.UploadFile(callCtx, serverID, f.QuestionName, f.FileName, f.MIMEType, f.Data)
	cancel()
	if err != nil {
		return false, err
	}

	err = e.store.Update(ctx, func(tx localstore.Tx) error {
		cur, err := tx.GetFile(ctx, f.ID)
		if errors.Is(err, localstore.ErrNotFound) {
			return deleteEntryTx(ctx, tx, item.ID)
		}
		if err != nil {
			return err
		}
		cur.ServerPath = resp.Path
		cur.Synced = true
		cur.Data = nil
		if err := tx.PutFile(ctx, cur); err != nil {
			return err
		}
		return deleteEntryTx(ctx, tx, item.ID)
	})
	if err != nil {
		return false, fmt.Errorf("failed to record upload of file %s: %w", f.ID, err)
	}
	e.logger.Debug("file uploaded", "file_id", f.ID, "path", resp.Path)
	return false, nil
}

// ownerServerID resolves the server submission a file belongs to. Submissions
// opened from the server carry their id in the local id, so they need no
// local record; one saved online never gets one.
func (e *Engine) ownerServerID(ctx context.Context, f *localstore.OfflineFile) (int64, error) {
	owner, err := e.store.GetSubmission(ctx, f.SubmissionLocalID)
	switch {
	case err == nil && owner.ServerID != nil:
		return *owner.ServerID, nil
	case err != nil && !errors.Is(err, localstore.ErrNotFound):
		return 0, err
	}
	if id, ok := localstore.ParseServerLocalID(f.SubmissionLocalID); ok {
		return id, nil
	}
	if err != nil {
		return 0, fmt.Errorf("submission %s of file %s: %w", f.SubmissionLocalID, f.ID, err)
	}
	return 0, fmt.Errorf("file %s: %w", f.ID, ErrNotSyncedYet)
}

// recordFailure bumps the entry in place; it never creates a second entry
func (e *Engine) recordFailure(ctx context.Context, item *localstore.SyncQueueItem, cause error) {
	now := e.now()
	var attempts int
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		cur, err := tx.GetQueueItem(ctx, item.ID)
		if errors.Is(err, localstore.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur.Attempts++
		cur.LastError = cause.Error()
		cur.LastAttemptAt = &now
		next := now.Add(e.backoff(cur.Attempts))
		cur.NextAttemptAt = &next
		attempts = cur.Attempts
		return tx.PutQueueItem(ctx, cur)
	})
	if err != nil {
		e.logger.Error("failed to record sync failure", "queue_id", item.ID, "error", err)
		return
	}
	logArgs := []any{"queue_id", item.ID, "type", item.Type, "item_id", item.ItemID, "attempts", attempts, "error", cause}
	if e.cfg.MaxAttempts > 0 && attempts >= e.cfg.MaxAttempts {
		e.logger.Warn("sync entry parked after repeated failures", logArgs...)
		return
	}
	e.logger.Warn("sync item failed", logArgs...)
}

// backoff doubles from BackoffMin per attempt, capped at BackoffMax
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.cfg.BackoffMin
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	return d
}

// Parked lists entries that reached MaxAttempts and are skipped by passes
func (e *Engine) Parked(ctx context.Context) ([]*localstore.SyncQueueItem, error) {
	items, err := e.store.ListQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync queue: %w", err)
	}
	var out []*localstore.SyncQueueItem
	for _, item := range items {
		if e.parked(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Retry re-arms a queue entry: attempts and backoff are reset, the last error is kept
func (e *Engine) Retry(ctx context.Context, queueID int64) error {
	err := e.store.Update(ctx, func(tx localstore.Tx) error {
		item, err := tx.GetQueueItem(ctx, queueID)
		if err != nil {
			return err
		}
		item.Attempts = 0
		item.NextAttemptAt = nil
		return tx.PutQueueItem(ctx, item)
	})
	if err != nil {
		return fmt.Errorf("failed to re-arm queue entry %d: %w", queueID, err)
	}
	e.logger.Info("queue entry re-armed", "queue_id", queueID)
	if e.monitor.IsOnline() {
		e.kick()
	}
	return nil
}
