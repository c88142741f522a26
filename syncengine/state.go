// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"time"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
)

// ItemStatus is the state of the entry a pass is working on
type ItemStatus string

const (
	ItemSyncing ItemStatus = "syncing"
	ItemSuccess ItemStatus = "success"
	ItemError   ItemStatus = "error"
)

// CurrentItem describes the queue entry being processed
type CurrentItem struct {
	Type   localstore.ItemType `json:"type"`
	ItemID string              `json:"item_id"`
	Status ItemStatus          `json:"status"`
	Error  string              `json:"error,omitempty"`
}

// Progress of the running pass. Total counts only entries the pass will attempt.
type Progress struct {
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Current   *CurrentItem `json:"current,omitempty"`
}

// Result summarizes one SyncNow call, including coalesced reruns
type Result struct {
	Passes    int  `json:"passes"`
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"`
	Removed   int  `json:"removed"` // orphaned entries dropped
	Skipped   int  `json:"skipped"` // parked or still backing off
	Coalesced bool `json:"coalesced"`
}

func (r *Result) add(o Result) {
	r.Passes += o.Passes
	r.Attempted += o.Attempted
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Removed += o.Removed
	r.Skipped += o.Skipped
}

// State is the observable engine state
type State struct {
	Online       bool       `json:"online"`
	IsSyncing    bool       `json:"is_syncing"`
	PendingCount int        `json:"pending_count"`
	Progress     Progress   `json:"progress"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	LastResult   *Result    `json:"last_result,omitempty"`
}

func (s State) clone() State {
	c := s
	if s.Progress.Current != nil {
		cur := *s.Progress.Current
		c.Progress.Current = &cur
	}
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		c.LastSyncAt = &t
	}
	if s.LastResult != nil {
		r := *s.LastResult
		c.LastResult = &r
	}
	return c
}
