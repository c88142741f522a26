// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"errors"
)

// ErrSubmissionNotFound is returned when the submission does not exist for the caller's institution
var ErrSubmissionNotFound = errors.New("submission not found")

// FileUpload is an attachment received by the upload endpoint
type FileUpload struct {
	SubmissionID int64
	QuestionName string
	FileName     string
	MIMEType     string
	Data         []byte
}

// Repository persists submissions scoped by institution
type Repository interface {
	// CreateSubmission stores req, or updates the submission previously created
	// with the same LocalID. created is false in the latter case.
	CreateSubmission(ctx context.Context, userID string, req *SubmissionRequest) (resp *SubmissionResponse, created bool, err error)
	UpdateSubmission(ctx context.Context, id int64, req *SubmissionRequest) (*SubmissionResponse, error)
	GetSubmission(ctx context.Context, institutionID, id int64) (*SubmissionResponse, error)
	SaveFile(ctx context.Context, institutionID int64, f *FileUpload) (*FileUploadResponse, error)
}
