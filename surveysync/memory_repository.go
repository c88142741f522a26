// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps submissions in process memory. It backs tests and
// the offline flow simulator.
type MemoryRepository struct {
	mu          sync.Mutex
	nextID      int64
	submissions map[int64]*SubmissionResponse
	byLocalID   map[string]int64
	files       map[string][]byte
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		submissions: make(map[int64]*SubmissionResponse),
		byLocalID:   make(map[string]int64),
		files:       make(map[string][]byte),
	}
}

func localKey(institutionID int64, localID string) string {
	return fmt.Sprintf("%d/%s", institutionID, localID)
}

func (r *MemoryRepository) CreateSubmission(_ context.Context, _ string, req *SubmissionRequest) (*SubmissionResponse, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	localID := req.LocalID
	if localID == "" {
		localID = uuid.New().String()
	}
	key := localKey(req.InstitutionID, localID)
	if id, ok := r.byLocalID[key]; ok {
		sub := r.submissions[id]
		sub.QuestionnaireID = req.QuestionnaireID
		sub.Status = req.Status
		sub.Answers = copyAnswers(req.Answers)
		sub.UpdatedAt = now
		return cloneResponse(sub), false, nil
	}

	r.nextID++
	sub := &SubmissionResponse{
		ID:              r.nextID,
		QuestionnaireID: req.QuestionnaireID,
		InstitutionID:   req.InstitutionID,
		Status:          req.Status,
		Answers:         copyAnswers(req.Answers),
		LocalID:         localID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.submissions[sub.ID] = sub
	r.byLocalID[key] = sub.ID
	return cloneResponse(sub), true, nil
}

func (r *MemoryRepository) UpdateSubmission(_ context.Context, id int64, req *SubmissionRequest) (*SubmissionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.submissions[id]
	if !ok || sub.InstitutionID != req.InstitutionID {
		return nil, ErrSubmissionNotFound
	}
	sub.QuestionnaireID = req.QuestionnaireID
	sub.Status = req.Status
	sub.Answers = copyAnswers(req.Answers)
	sub.UpdatedAt = time.Now().UTC()
	return cloneResponse(sub), nil
}

func (r *MemoryRepository) GetSubmission(_ context.Context, institutionID, id int64) (*SubmissionResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.submissions[id]
	if !ok || sub.InstitutionID != institutionID {
		return nil, ErrSubmissionNotFound
	}
	return cloneResponse(sub), nil
}

func (r *MemoryRepository) SaveFile(_ context.Context, institutionID int64, f *FileUpload) (*FileUploadResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.submissions[f.SubmissionID]
	if !ok || sub.InstitutionID != institutionID {
		return nil, ErrSubmissionNotFound
	}
	path := filePath(f.SubmissionID, f.FileName)
	r.files[path] = append([]byte(nil), f.Data...)
	return &FileUploadResponse{
		Path:         path,
		Size:         int64(len(f.Data)),
		SubmissionID: f.SubmissionID,
		QuestionName: f.QuestionName,
	}, nil
}

// File returns a stored attachment by path
func (r *MemoryRepository) File(path string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[path]
	return data, ok
}

// Count reports how many submissions are stored
func (r *MemoryRepository) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submissions)
}

func filePath(submissionID int64, fileName string) string {
	return fmt.Sprintf("submissions/%d/%s-%s", submissionID, uuid.New().String(), fileName)
}

func copyAnswers(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneResponse(s *SubmissionResponse) *SubmissionResponse {
	c := *s
	c.Answers = copyAnswers(s.Answers)
	return &c
}
