// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

// API routes
const (
	RoutePing        = "/ping"
	RouteSubmissions = "/submissions"
	RouteSubmission  = "/submissions/{id}"
	RouteFiles       = "/submissions/{id}/files"
)

// Multipart field names for file uploads
const (
	FormFieldQuestionName = "question_name"
	FormFieldFile         = "file"
)

// Error codes carried in ErrorResponse.Error
const (
	ErrCodeInvalidRequest  = "invalid_request"
	ErrCodeValidation      = "validation_failed"
	ErrCodeUnauthorized    = "authentication_failed"
	ErrCodeForbidden       = "forbidden"
	ErrCodeNotFound        = "not_found"
	ErrCodePayloadTooLarge = "payload_too_large"
	ErrCodeInternal        = "internal_error"
)

// Limits
const (
	DefaultMaxUploadBytes = 25 << 20
	DefaultMaxBodyBytes   = 4 << 20
)
