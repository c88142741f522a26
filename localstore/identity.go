// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"strconv"
	"strings"
)

const serverLocalIDPrefix = "server-"

// ServerLocalID is the deterministic local identity of server submission id
func ServerLocalID(serverID int64) string {
	return serverLocalIDPrefix + strconv.FormatInt(serverID, 10)
}

// ParseServerLocalID reverses ServerLocalID
func ParseServerLocalID(localID string) (int64, bool) {
	rest, ok := strings.CutPrefix(localID, serverLocalIDPrefix)
	if !ok || rest == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
