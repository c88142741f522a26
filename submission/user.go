// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package submission

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// User is the authenticated person filling in a submission
type User struct {
	ID            string
	InstitutionID *int64
}

// UserProvider exposes the active user's profile
type UserProvider interface {
	CurrentUser(ctx context.Context) (User, error)
}

// StaticUser always returns the same user
type StaticUser User

func (u StaticUser) CurrentUser(context.Context) (User, error) {
	return User(u), nil
}

// userClaims mirrors the claims the survey server puts in its tokens
type userClaims struct {
	InstitutionID *int64 `json:"iid,omitempty"`
	jwt.RegisteredClaims
}

// TokenUser reads the user from the session JWT. The signature is not checked
// here; the server verifies every request carrying the same token.
type TokenUser struct {
	Token func(ctx context.Context) (string, error)
}

func (t TokenUser) CurrentUser(ctx context.Context) (User, error) {
	if t.Token == nil {
		return User{}, fmt.Errorf("token source is not configured")
	}
	raw, err := t.Token(ctx)
	if err != nil {
		return User{}, fmt.Errorf("failed to get session token: %w", err)
	}
	var claims userClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return User{}, fmt.Errorf("failed to parse session token: %w", err)
	}
	return User{ID: claims.Subject, InstitutionID: claims.InstitutionID}, nil
}
