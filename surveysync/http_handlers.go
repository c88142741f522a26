// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

package surveysync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/souphaphone-lao/qi-survey-webapp-sub001/internal/auth"
)

// HandlerConfig tunes request limits; zero values fall back to the defaults
type HandlerConfig struct {
	MaxBodyBytes   int64
	MaxUploadBytes int64
}

// Handlers serves the submission API
type Handlers struct {
	repo      Repository
	validator *Validator
	logger    *slog.Logger
	cfg       HandlerConfig
}

// NewHandlers creates a new instance of submission handlers
func NewHandlers(repo Repository, cfg HandlerConfig, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &Handlers{
		repo:      repo,
		validator: NewValidator(),
		logger:    logger,
		cfg:       cfg,
	}
}

// NewRouter mounts the public ping route and the authenticated submission routes
func NewRouter(h *Handlers, jwtAuth *JWTAuth) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(RoutePing, h.HandlePing)

	r.Group(func(r chi.Router) {
		r.Use(jwtAuth.Middleware)
		r.Post(RouteSubmissions, h.HandleCreateSubmission)
		r.Get(RouteSubmission, h.HandleGetSubmission)
		r.Put(RouteSubmission, h.HandleUpdateSubmission)
		r.Post(RouteFiles, h.HandleUploadFile)
	})
	return r
}

// HandlePing answers connectivity probes
func (h *Handlers) HandlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PingResponse{Status: "ok", Time: time.Now().UTC()})
}

// HandleCreateSubmission creates a submission, or updates the one already
// created with the same local_id (200 instead of 201).
func (h *Handlers) HandleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	userID, institutionID, ok := h.caller(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeSubmission(w, r, institutionID)
	if !ok {
		return
	}

	resp, created, err := h.repo.CreateSubmission(r.Context(), userID, req)
	if err != nil {
		h.logger.Error("Failed to create submission", "error", err, "user_id", userID, "local_id", req.LocalID)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to create submission")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (h *Handlers) HandleGetSubmission(w http.ResponseWriter, r *http.Request) {
	_, institutionID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := submissionIDParam(w, r)
	if !ok {
		return
	}
	resp, err := h.repo.GetSubmission(r.Context(), institutionID, id)
	if errors.Is(err, ErrSubmissionNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Submission not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load submission", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to load submission")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUpdateSubmission replaces status and answers of an existing submission
func (h *Handlers) HandleUpdateSubmission(w http.ResponseWriter, r *http.Request) {
	userID, institutionID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := submissionIDParam(w, r)
	if !ok {
		return
	}
	req, ok := h.decodeSubmission(w, r, institutionID)
	if !ok {
		return
	}

	resp, err := h.repo.UpdateSubmission(r.Context(), id, req)
	if errors.Is(err, ErrSubmissionNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Submission not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to update submission", "error", err, "id", id, "user_id", userID)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to update submission")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUploadFile stores one multipart attachment for a submission
func (h *Handlers) HandleUploadFile(w http.ResponseWriter, r *http.Request) {
	_, institutionID, ok := h.caller(w, r)
	if !ok {
		return
	}
	id, ok := submissionIDParam(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "File exceeds upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Failed to parse multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	question := r.FormValue(FormFieldQuestionName)
	if question == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "question_name is required")
		return
	}
	file, header, err := r.FormFile(FormFieldFile)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Failed to read file")
		return
	}

	resp, err := h.repo.SaveFile(r.Context(), institutionID, &FileUpload{
		SubmissionID: id,
		QuestionName: question,
		FileName:     header.Filename,
		MIMEType:     header.Header.Get("Content-Type"),
		Data:         data,
	})
	if errors.Is(err, ErrSubmissionNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Submission not found")
		return
	}
	if err != nil {
		h.logger.Error("Failed to store file", "error", err, "submission_id", id)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "Failed to store file")
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handlers) caller(w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok || userID == "" {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing user identity")
		return "", 0, false
	}
	institutionID, ok := auth.GetInstitutionID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing institution")
		return "", 0, false
	}
	return userID, institutionID, true
}

// decodeSubmission parses and validates the body; the body's institution must be the caller's
func (h *Handlers) decodeSubmission(w http.ResponseWriter, r *http.Request, institutionID int64) (*SubmissionRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes)
	var req SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Failed to parse submission")
		return nil, false
	}
	if err := h.validator.Struct(&req); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   ErrCodeValidation,
				Message: "Submission is invalid",
				Fields:  verr.Fields,
			})
			return nil, false
		}
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return nil, false
	}
	if req.InstitutionID != institutionID {
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "institution_id does not match the authenticated institution")
		return nil, false
	}
	return &req, true
}

func submissionIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a standardized error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}
