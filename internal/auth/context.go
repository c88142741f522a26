// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey        contextKey = "user_id"
	institutionIDKey contextKey = "institution_id"
)

// SetUserID sets the user ID in the context
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the user ID from the context
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetInstitutionID sets the caller's institution in the context
func SetInstitutionID(ctx context.Context, institutionID int64) context.Context {
	return context.WithValue(ctx, institutionIDKey, institutionID)
}

// GetInstitutionID retrieves the caller's institution from the context
func GetInstitutionID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(institutionIDKey).(int64)
	return id, ok
}

// SetAuthContext sets both user and institution in context
func SetAuthContext(ctx context.Context, userID string, institutionID int64) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetInstitutionID(ctx, institutionID)
	return ctx
}
