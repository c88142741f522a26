// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package submission

import (
	"github.com/google/uuid"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/localstore"
)

// NewLocalID returns a fresh random identity for a submission that has never reached the server
func NewLocalID() string {
	return uuid.New().String()
}

// ServerLocalID is the deterministic local identity of server submission id
func ServerLocalID(serverID int64) string {
	return localstore.ServerLocalID(serverID)
}

// ParseServerLocalID reverses ServerLocalID
func ParseServerLocalID(localID string) (int64, bool) {
	return localstore.ParseServerLocalID(localID)
}

// LocalIDFor picks the identity for a session: derived when serverID is known, random otherwise
func LocalIDFor(serverID *int64) string {
	if serverID != nil {
		return ServerLocalID(*serverID)
	}
	return NewLocalID()
}
