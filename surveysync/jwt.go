// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/internal/auth"
)

// JWTAuth handles JWT authentication
type JWTAuth struct {
	secret []byte
	logger *slog.Logger
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{
		secret: []byte(secret),
		logger: slog.Default(),
	}
}

// JWTClaims carries the user (sub) and the institution (iid) the user acts for
type JWTClaims struct {
	InstitutionID *int64 `json:"iid,omitempty"`
	jwt.RegisteredClaims
}

// GenerateToken generates a token for userID acting on behalf of institutionID
func (j *JWTAuth) GenerateToken(userID string, institutionID int64, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		InstitutionID: &institutionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "qi-survey",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		if claims.InstitutionID == nil || *claims.InstitutionID <= 0 {
			return nil, fmt.Errorf("missing iid (institution ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// Middleware authenticates the bearer token and stores user and institution in the request context
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authorization header required")
			return
		}

		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			// Safely log token prefix (max 20 chars)
			tokenPrefix := tokenString
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			j.logger.Warn("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid token")
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, *claims.InstitutionID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
