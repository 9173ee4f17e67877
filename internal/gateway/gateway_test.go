// Package gateway_test tests the upload/download gateway over live stores.
package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/text-reader/internal/core"
	"github.com/book-expert/text-reader/internal/gateway"
	"github.com/book-expert/text-reader/internal/jobstore"
	"github.com/book-expert/text-reader/internal/objectstore"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingPublisher records published trigger events.
type capturingPublisher struct {
	mu     sync.Mutex
	events []core.ObjectCreatedEvent
}

func (p *capturingPublisher) PublishObjectCreated(_ context.Context, event core.ObjectCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturingPublisher) published() []core.ObjectCreatedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]core.ObjectCreatedEvent(nil), p.events...)
}

type testEnv struct {
	server    *httptest.Server
	jobs      *jobstore.NatsJobStore
	objects   *objectstore.NatsObjectStore
	publisher *capturingPublisher
}

func setupTest(t *testing.T, tokenTTL time.Duration) *testEnv {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	objects, err := objectstore.New(jetstreamContext, "FILES")
	require.NoError(t, err)

	jobs, err := jobstore.New(jetstreamContext, "JOBS")
	require.NoError(t, err)

	testLogger, err := logger.New(t.TempDir(), "test-log.log")
	require.NoError(t, err)

	publisher := &capturingPublisher{}

	gw := gateway.New(objects, jobs, publisher, gateway.Options{
		UploadPrefix: "files/uploaded/",
		FilesBucket:  "FILES",
		TokenSecret:  "test-secret",
		TokenTTL:     tokenTTL,
	}, testLogger)

	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)

	return &testEnv{
		server:    server,
		jobs:      jobs,
		objects:   objects,
		publisher: publisher,
	}
}

func createJob(t *testing.T, env *testEnv, owner, filename string) (jobID, uploadURL, uploadKey string) {
	t.Helper()

	body := bytes.NewBufferString(`{"filename":"` + filename + `"}`)

	req, err := http.NewRequestWithContext(
		context.Background(), http.MethodPost, env.server.URL+"/v1/jobs", body,
	)
	require.NoError(t, err)
	req.Header.Set("X-Owner", owner)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		JobID     string `json:"job_id"`
		UploadKey string `json:"upload_key"`
		UploadURL string `json:"upload_url"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	return created.JobID, created.UploadURL, created.UploadKey
}

func doRequest(t *testing.T, method, url, owner string, body []byte) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	require.NoError(t, err)

	if owner != "" {
		req.Header.Set("X-Owner", owner)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	return resp
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	owner := uuid.NewString()

	jobID, uploadURL, uploadKey := createJob(t, env, owner, "essay.txt")

	assert.Equal(t, "files/uploaded/"+jobID+"/essay.txt", uploadKey)
	assert.Contains(t, uploadURL, "/v1/objects/"+uploadKey+"?token=")

	job, err := env.jobs.Get(context.Background(), owner, jobID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCreated, job.Status)
	assert.Equal(t, "essay.txt", job.Filename)
}

func TestCreateJob_RequiresOwner(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)

	resp := doRequest(t, http.MethodPost, env.server.URL+"/v1/jobs", "", []byte(`{"filename":"a.txt"}`))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateJob_SanitizesFilename(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	owner := uuid.NewString()

	jobID, _, uploadKey := createJob(t, env, owner, "..\\\\evil")

	assert.NotContains(t, uploadKey[len("files/uploaded/"+jobID+"/"):], "\\")
	assert.NotContains(t, uploadKey[len("files/uploaded/"+jobID+"/"):], "/")
}

func TestUpload_StoresObjectAndPublishesTrigger(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	owner := uuid.NewString()

	_, uploadURL, uploadKey := createJob(t, env, owner, "essay.txt")

	resp := doRequest(t, http.MethodPut, env.server.URL+uploadURL, "", []byte("LLM is great"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	data, err := env.objects.Download(context.Background(), uploadKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("LLM is great"), data)

	events := env.publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, uploadKey, events[0].Key)
	assert.Equal(t, "FILES", events[0].Bucket)
	assert.NotEmpty(t, events[0].Header.EventID)
}

func TestUpload_RejectsBadToken(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)

	url := env.server.URL + "/v1/objects/files/uploaded/job-1/essay.txt?token=123.bogus"

	resp := doRequest(t, http.MethodPut, url, "", []byte("text"))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, env.publisher.published())
}

func TestUpload_RejectsExpiredToken(t *testing.T) {
	t.Parallel()

	env := setupTest(t, -time.Minute)
	owner := uuid.NewString()

	_, uploadURL, _ := createJob(t, env, owner, "essay.txt")

	resp := doRequest(t, http.MethodPut, env.server.URL+uploadURL, "", []byte("text"))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetJob_ReturnsDownloadHandleOnceAudioExists(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	ctx := context.Background()
	owner := uuid.NewString()

	jobID, _, _ := createJob(t, env, owner, "essay.txt")

	audioKey := "files/audio/" + jobID + "/task-abc.mp3"
	require.NoError(t, env.objects.Upload(ctx, audioKey, []byte("mp3 bytes")))
	require.NoError(t, env.jobs.MarkSubmitted(ctx, owner, jobID, "task-abc", "files/audio/"+jobID+"/", time.Now().UTC()))
	require.NoError(t, env.jobs.MarkCompleted(ctx, owner, jobID, "task-abc", audioKey, time.Now().UTC()))

	resp := doRequest(t, http.MethodGet, env.server.URL+"/v1/jobs/"+owner+"/"+jobID, owner, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got struct {
		Job         *core.Job `json:"job"`
		DownloadURL string    `json:"download_url"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, core.StatusCompleted, got.Job.Status)
	require.NotEmpty(t, got.DownloadURL)

	// The handle must actually serve the audio object.
	download := doRequest(t, http.MethodGet, env.server.URL+got.DownloadURL, "", nil)
	defer download.Body.Close()
	require.Equal(t, http.StatusOK, download.StatusCode)
	assert.Equal(t, "audio/mpeg", download.Header.Get("Content-Type"))

	body, err := io.ReadAll(download.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3 bytes"), body)
}

func TestGetJob_OwnerMismatch(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	owner := uuid.NewString()
	jobID, _, _ := createJob(t, env, owner, "essay.txt")

	resp := doRequest(t, http.MethodGet, env.server.URL+"/v1/jobs/"+owner+"/"+jobID, "someone-else", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetJob_NotFound(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	owner := uuid.NewString()

	resp := doRequest(t, http.MethodGet, env.server.URL+"/v1/jobs/"+owner+"/no-such-job", owner, nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSaveDictionary(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	owner := uuid.NewString()
	jobID, _, _ := createJob(t, env, owner, "essay.txt")

	url := env.server.URL + "/v1/jobs/" + owner + "/" + jobID + "/dictionary"

	resp := doRequest(t, http.MethodPut, url, owner, []byte(`{"LLM":"エルエルエム"}`))
	defer resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	job, err := env.jobs.Get(context.Background(), owner, jobID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"LLM": "エルエルエム"}, job.Dictionary)
}

func TestSaveDictionary_RejectsEmptyAlias(t *testing.T) {
	t.Parallel()

	env := setupTest(t, time.Minute)
	owner := uuid.NewString()
	jobID, _, _ := createJob(t, env, owner, "essay.txt")

	url := env.server.URL + "/v1/jobs/" + owner + "/" + jobID + "/dictionary"

	resp := doRequest(t, http.MethodPut, url, owner, []byte(`{"LLM":""}`))
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
