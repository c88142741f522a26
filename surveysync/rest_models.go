// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

import "time"

// SubmissionRequest is the body of create and update calls. LocalID makes a
// retried create idempotent for the same institution.
type SubmissionRequest struct {
	QuestionnaireID int64          `json:"questionnaire_id" validate:"required,gt=0"`
	InstitutionID   int64          `json:"institution_id" validate:"required,gt=0"`
	Status          string         `json:"status" validate:"required,oneof=draft submitted approved rejected"`
	Answers         map[string]any `json:"answers" validate:"required"`
	LocalID         string         `json:"local_id,omitempty" validate:"omitempty,max=64"`
}

// SubmissionResponse is the server view of a stored submission
type SubmissionResponse struct {
	ID              int64          `json:"id"`
	QuestionnaireID int64          `json:"questionnaire_id"`
	InstitutionID   int64          `json:"institution_id"`
	Status          string         `json:"status"`
	Answers         map[string]any `json:"answers"`
	LocalID         string         `json:"local_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// FileUploadResponse reports where an uploaded attachment was stored
type FileUploadResponse struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	SubmissionID int64  `json:"submission_id"`
	QuestionName string `json:"question_name"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// PingResponse is returned by the health endpoint
type PingResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}
