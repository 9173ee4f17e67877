// Package synthesis provides the HTTP client for the external speech
// synthesis engine.
//
// The engine is asynchronous: a started task is queued, the audio object is
// written by the engine under the requested output prefix, and a completion
// notification is published on the requested subject. GetTask is the
// authoritative status query; completion notifications are only hints.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/book-expert/text-reader/internal/core"
)

// API endpoints and paths.
const (
	apiTasks  = "/v1/synthesis/tasks"
	apiHealth = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Static errors.
var (
	ErrTextEmpty   = errors.New("text cannot be empty")
	ErrTaskIDEmpty = errors.New("task id cannot be empty")
	ErrNoTaskID    = errors.New("engine response carries no task id")
)

// Client is an HTTP client for the synthesis engine API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// startTaskRequest is the JSON payload for task submission.
type startTaskRequest struct {
	Text            string `json:"text"`
	Voice           string `json:"voice"`
	Engine          string `json:"engine"`
	OutputFormat    string `json:"output_format"`
	OutputBucket    string `json:"output_bucket"`
	OutputKeyPrefix string `json:"output_key_prefix"`
	NotifySubject   string `json:"notify_subject,omitempty"`
}

// taskResponse is the engine's representation of one task.
type taskResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	OutputKey     string `json:"output_key,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// errorResponse is a structured error from the engine.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// New creates a client for the engine at baseURL. The timeout applies to all
// HTTP requests made by this client.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StartTask submits one synthesis request and returns the engine's task record.
func (c *Client) StartTask(ctx context.Context, req core.TaskRequest) (*core.Task, error) {
	if req.Text == "" {
		return nil, ErrTextEmpty
	}

	payload := startTaskRequest{
		Text:            req.Text,
		Voice:           req.Voice,
		Engine:          req.Engine,
		OutputFormat:    req.OutputFormat,
		OutputBucket:    req.OutputBucket,
		OutputKeyPrefix: req.OutputKeyPrefix,
		NotifySubject:   req.NotifySubject,
	}

	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal start task request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+apiTasks,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create start task request: %w", err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, contentTypeJSON)

	task, err := c.doTaskRequest(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to start synthesis task: %w", err)
	}

	return task, nil
}

// GetTask queries the engine for the current state of one task.
func (c *Client) GetTask(ctx context.Context, taskID string) (*core.Task, error) {
	if taskID == "" {
		return nil, ErrTaskIDEmpty
	}

	httpReq, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		c.baseURL+apiTasks+"/"+url.PathEscape(taskID),
		http.NoBody,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create get task request: %w", err)
	}

	httpReq.Header.Set(headerAccept, contentTypeJSON)

	task, err := c.doTaskRequest(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to query synthesis task '%s': %w", taskID, err)
	}

	return task, nil
}

// HealthCheck verifies that the engine is reachable and reports healthy.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for engine at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// doTaskRequest executes the request and decodes a task response.
func (c *Client) doTaskRequest(httpReq *http.Request) (*core.Task, error) {
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach engine at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var task taskResponse

	err = json.NewDecoder(resp.Body).Decode(&task)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task response: %w", err)
	}

	if task.TaskID == "" {
		return nil, ErrNoTaskID
	}

	return &core.Task{
		ID:            task.TaskID,
		Status:        core.TaskStatus(task.Status),
		OutputKey:     task.OutputKey,
		FailureReason: task.FailureReason,
	}, nil
}

// parseErrorResponse attempts to decode a structured JSON error from the
// engine, falling back to the raw response body so diagnostics are preserved.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errorResp errorResponse

	err := json.NewDecoder(resp.Body).Decode(&errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf("engine error (%s): %s (code: %s)",
			resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	body, _ := io.ReadAll(resp.Body)

	return fmt.Errorf("engine returned non-OK status: %s, body: %s", resp.Status, string(body))
}
