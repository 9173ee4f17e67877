// Package synthesis_test tests the synthesis engine HTTP client.
package synthesis_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/text-reader/internal/core"
	"github.com/book-expert/text-reader/internal/synthesis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func TestStartTask_Success(t *testing.T) {
	t.Parallel()

	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/synthesis/tasks", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"task_id":"task-abc","status":"scheduled"}`))
	}))
	defer server.Close()

	client := synthesis.New(server.URL, testTimeout)

	task, err := client.StartTask(context.Background(), core.TaskRequest{
		Text:            "<speak>hello</speak>",
		Voice:           "Takumi",
		Engine:          "neural",
		OutputFormat:    "mp3",
		OutputBucket:    "FILES",
		OutputKeyPrefix: "files/audio/job-123/",
		NotifySubject:   "tts.task.completed",
	})
	require.NoError(t, err)

	assert.Equal(t, "task-abc", task.ID)
	assert.Equal(t, core.TaskScheduled, task.Status)

	assert.Equal(t, "<speak>hello</speak>", received["text"])
	assert.Equal(t, "Takumi", received["voice"])
	assert.Equal(t, "files/audio/job-123/", received["output_key_prefix"])
	assert.Equal(t, "tts.task.completed", received["notify_subject"])
}

func TestStartTask_EmptyText(t *testing.T) {
	t.Parallel()

	client := synthesis.New("http://127.0.0.1:0", testTimeout)

	_, err := client.StartTask(context.Background(), core.TaskRequest{Voice: "Takumi"})
	require.ErrorIs(t, err, synthesis.ErrTextEmpty)
}

func TestStartTask_StructuredEngineError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"text too long","error_code":"TEXT_LENGTH"}`))
	}))
	defer server.Close()

	client := synthesis.New(server.URL, testTimeout)

	_, err := client.StartTask(context.Background(), core.TaskRequest{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "text too long")
	assert.Contains(t, err.Error(), "TEXT_LENGTH")
}

func TestStartTask_MissingTaskID(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"scheduled"}`))
	}))
	defer server.Close()

	client := synthesis.New(server.URL, testTimeout)

	_, err := client.StartTask(context.Background(), core.TaskRequest{Text: "x"})
	require.ErrorIs(t, err, synthesis.ErrNoTaskID)
}

func TestGetTask_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/synthesis/tasks/task-abc", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(
			`{"task_id":"task-abc","status":"completed","output_key":"files/audio/job-123/task-abc.mp3"}`,
		))
	}))
	defer server.Close()

	client := synthesis.New(server.URL, testTimeout)

	task, err := client.GetTask(context.Background(), "task-abc")
	require.NoError(t, err)

	assert.Equal(t, core.TaskCompleted, task.Status)
	assert.Equal(t, "files/audio/job-123/task-abc.mp3", task.OutputKey)
	assert.True(t, task.Status.Terminal())
}

func TestGetTask_FailureReason(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"task_id":"task-abc","status":"failed","failure_reason":"engine error"}`))
	}))
	defer server.Close()

	client := synthesis.New(server.URL, testTimeout)

	task, err := client.GetTask(context.Background(), "task-abc")
	require.NoError(t, err)

	assert.Equal(t, core.TaskFailed, task.Status)
	assert.Equal(t, "engine error", task.FailureReason)
}

func TestGetTask_EmptyTaskID(t *testing.T) {
	t.Parallel()

	client := synthesis.New("http://127.0.0.1:0", testTimeout)

	_, err := client.GetTask(context.Background(), "")
	require.ErrorIs(t, err, synthesis.ErrTaskIDEmpty)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	client := synthesis.New(healthy.URL, testTimeout)
	require.NoError(t, client.HealthCheck(context.Background()))

	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	client = synthesis.New(unhealthy.URL, testTimeout)
	require.Error(t, client.HealthCheck(context.Background()))
}
