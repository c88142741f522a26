// Copyright 2025 The QI Survey Authors
// SPDX-License-Identifier: Apache-2.0

// Package surveyclient is the HTTP client for the survey submission API.

package surveyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/souphaphone-lao/qi-survey-webapp-sub001/surveysync"
)

const maxErrorBody = 4 << 10

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}

// ErrorCode extracts the error code of a JSON ErrorResponse body, if any
func (e *StatusError) ErrorCode() string {
	var er surveysync.ErrorResponse
	if json.Unmarshal([]byte(e.Body), &er) != nil {
		return ""
	}
	return er.Error
}

// Client talks to the submission API
type Client struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns JWT; nil sends no Authorization header
	HTTP    *http.Client
	logger  *slog.Logger
}

// New creates a client; a nil httpClient uses http.DefaultClient
func New(baseURL string, token func(context.Context) (string, error), httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    httpClient,
		logger:  logger,
	}
}

// StaticToken returns a Token func that always yields token
func StaticToken(token string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return token, nil }
}

// Ping checks that the server is reachable
func (c *Client) Ping(ctx context.Context) error {
	var out surveysync.PingResponse
	return c.do(ctx, http.MethodGet, surveysync.RoutePing, nil, "", &out, false)
}

// CreateSubmission posts a new submission. Retrying with the same LocalID returns the same server record.
func (c *Client) CreateSubmission(ctx context.Context, req *surveysync.SubmissionRequest) (*surveysync.SubmissionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	var out surveysync.SubmissionResponse
	if err := c.do(ctx, http.MethodPost, surveysync.RouteSubmissions, bytes.NewReader(body), "application/json", &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSubmission replaces an existing server submission
func (c *Client) UpdateSubmission(ctx context.Context, id int64, req *surveysync.SubmissionRequest) (*surveysync.SubmissionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submission: %w", err)
	}
	var out surveysync.SubmissionResponse
	path := fmt.Sprintf("/submissions/%d", id)
	if err := c.do(ctx, http.MethodPut, path, bytes.NewReader(body), "application/json", &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadFile sends one attachment as multipart form data
func (c *Client) UploadFile(ctx context.Context, submissionID int64, questionName, fileName, mimeType string, data []byte) (*surveysync.FileUploadResponse, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField(surveysync.FormFieldQuestionName, questionName); err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, surveysync.FormFieldFile, fileName))
	h.Set("Content-Type", mimeType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out surveysync.FileUploadResponse
	path := fmt.Sprintf("/submissions/%d/files", submissionID)
	if err := c.do(ctx, http.MethodPost, path, &buf, mw.FormDataContentType(), &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any, authenticated bool) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if authenticated && c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode)
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
