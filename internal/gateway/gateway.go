// Package gateway provides the thin external-facing layer of the pipeline:
// job registration, dictionary editing, and time-limited upload/download
// handles for direct blob access. Authentication happens outside this
// service; the caller's identity arrives in the X-Owner header.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/text-reader/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	headerOwner = "X-Owner"

	// maxUploadBytes bounds one uploaded document body. The transform limit
	// is far below this; the bound only protects the buffer.
	maxUploadBytes = 4 << 20

	objectsPathPrefix = "/v1/objects/"
)

// EventPublisher publishes the object-created trigger after an upload lands.
type EventPublisher interface {
	PublishObjectCreated(ctx context.Context, event core.ObjectCreatedEvent) error
}

// NatsPublisher publishes trigger events to a JetStream subject.
type NatsPublisher struct {
	jetstreamContext nats.JetStreamContext
	subject          string
}

// NewNatsPublisher creates a publisher for the object-created subject.
func NewNatsPublisher(jetstreamContext nats.JetStreamContext, subject string) *NatsPublisher {
	return &NatsPublisher{jetstreamContext: jetstreamContext, subject: subject}
}

// PublishObjectCreated publishes one trigger event.
func (p *NatsPublisher) PublishObjectCreated(_ context.Context, event core.ObjectCreatedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal object-created event: %w", err)
	}

	_, err = p.jetstreamContext.Publish(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish object-created event to %s: %w", p.subject, err)
	}

	return nil
}

// Options carries the gateway's fixed settings.
type Options struct {
	UploadPrefix string
	FilesBucket  string
	TokenSecret  string
	TokenTTL     time.Duration
}

// Gateway is the HTTP front of the pipeline.
type Gateway struct {
	objects   core.ObjectStore
	jobs      core.JobStore
	publisher EventPublisher
	signer    *signer
	opts      Options
	log       *logger.Logger
}

// New creates a gateway over the given stores and trigger publisher.
func New(
	objects core.ObjectStore,
	jobs core.JobStore,
	publisher EventPublisher,
	opts Options,
	log *logger.Logger,
) *Gateway {
	return &Gateway{
		objects:   objects,
		jobs:      jobs,
		publisher: publisher,
		signer:    newSigner(opts.TokenSecret),
		opts:      opts,
		log:       log,
	}
}

// Handler returns the gateway's HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/jobs", g.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs/{owner}/{id}", g.handleGetJob)
	mux.HandleFunc("PUT /v1/jobs/{owner}/{id}/dictionary", g.handleSaveDictionary)
	mux.HandleFunc("PUT "+objectsPathPrefix+"{key...}", g.handleUploadObject)
	mux.HandleFunc("GET "+objectsPathPrefix+"{key...}", g.handleDownloadObject)

	return mux
}

type createJobRequest struct {
	Filename string `json:"filename"`
}

type createJobResponse struct {
	JobID     string `json:"job_id"`
	UploadKey string `json:"upload_key"`
	UploadURL string `json:"upload_url"`
	ExpiresAt int64  `json:"expires_at"`
}

// handleCreateJob registers a job record and issues the upload handle for its
// document.
func (g *Gateway) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(headerOwner)
	if owner == "" {
		http.Error(w, "missing owner identity", http.StatusUnauthorized)

		return
	}

	var req createJobRequest

	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil || req.Filename == "" {
		http.Error(w, "filename is required", http.StatusBadRequest)

		return
	}

	filename := sanitizeFilename(req.Filename)
	jobID := uuid.NewString()
	uploadKey := g.opts.UploadPrefix + jobID + "/" + filename

	job := &core.Job{
		Owner:     owner,
		ID:        jobID,
		Filename:  filename,
		UploadKey: uploadKey,
	}

	err = g.jobs.Create(r.Context(), job)
	if err != nil {
		g.log.Error("Failed to create job for owner '%s': %v", owner, err)
		http.Error(w, "failed to create job", http.StatusInternalServerError)

		return
	}

	expiresAt := time.Now().Add(g.opts.TokenTTL)

	g.log.Info("Created job '%s' for owner '%s' (upload key '%s')", jobID, owner, uploadKey)

	g.writeJSON(w, http.StatusCreated, createJobResponse{
		JobID:     jobID,
		UploadKey: uploadKey,
		UploadURL: g.handleURL(http.MethodPut, uploadKey, expiresAt),
		ExpiresAt: expiresAt.Unix(),
	})
}

type getJobResponse struct {
	Job         *core.Job `json:"job"`
	DownloadURL string    `json:"download_url,omitempty"`
}

// handleGetJob returns the job record and, once audio exists, a download
// handle for it.
func (g *Gateway) handleGetJob(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.authorizeOwner(w, r)
	if !ok {
		return
	}

	job, err := g.jobs.Get(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)

			return
		}

		g.log.Error("Failed to load job '%s': %v", r.PathValue("id"), err)
		http.Error(w, "failed to load job", http.StatusInternalServerError)

		return
	}

	resp := getJobResponse{Job: job}

	if job.AudioKey != "" {
		exists, existsErr := g.objects.Exists(r.Context(), job.AudioKey)
		if existsErr != nil {
			g.log.Warn("Failed to stat audio object '%s': %v", job.AudioKey, existsErr)
		}

		if exists {
			resp.DownloadURL = g.handleURL(http.MethodGet, job.AudioKey, time.Now().Add(g.opts.TokenTTL))
		}
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// handleSaveDictionary replaces the job's pronunciation dictionary.
func (g *Gateway) handleSaveDictionary(w http.ResponseWriter, r *http.Request) {
	owner, ok := g.authorizeOwner(w, r)
	if !ok {
		return
	}

	var dict map[string]string

	err := json.NewDecoder(r.Body).Decode(&dict)
	if err != nil {
		http.Error(w, "dictionary must be a JSON object of phrase to alias", http.StatusBadRequest)

		return
	}

	err = g.jobs.SaveDictionary(r.Context(), owner, r.PathValue("id"), dict)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrEmptyDictionaryKey), errors.Is(err, core.ErrEmptyDictionaryAlias):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, core.ErrJobNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		default:
			g.log.Error("Failed to save dictionary for job '%s': %v", r.PathValue("id"), err)
			http.Error(w, "failed to save dictionary", http.StatusInternalServerError)
		}

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleUploadObject spends an upload handle: the body is stored and the
// object-created trigger published.
func (g *Gateway) handleUploadObject(w http.ResponseWriter, r *http.Request) {
	key, ok := g.verifyHandle(w, r, http.MethodPut)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "failed to read upload body", http.StatusRequestEntityTooLarge)

		return
	}

	err = g.objects.Upload(r.Context(), key, body)
	if err != nil {
		g.log.Error("Failed to store upload '%s': %v", key, err)
		http.Error(w, "failed to store object", http.StatusInternalServerError)

		return
	}

	event := core.ObjectCreatedEvent{
		Header: events.EventHeader{
			Timestamp: time.Now().UTC(),
			EventID:   uuid.NewString(),
		},
		Bucket: g.opts.FilesBucket,
		Key:    key,
	}

	err = g.publisher.PublishObjectCreated(r.Context(), event)
	if err != nil {
		// The blob landed but the trigger did not. Surfacing the failure lets
		// the client retry the upload, which republishes.
		g.log.Error("Failed to publish trigger for '%s': %v", key, err)
		http.Error(w, "failed to announce upload", http.StatusInternalServerError)

		return
	}

	g.log.Info("Stored upload '%s' (%d bytes)", key, len(body))
	w.WriteHeader(http.StatusNoContent)
}

// handleDownloadObject spends a download handle.
func (g *Gateway) handleDownloadObject(w http.ResponseWriter, r *http.Request) {
	key, ok := g.verifyHandle(w, r, http.MethodGet)
	if !ok {
		return
	}

	data, err := g.objects.Download(r.Context(), key)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			http.Error(w, "object not found", http.StatusNotFound)

			return
		}

		g.log.Error("Failed to read object '%s': %v", key, err)
		http.Error(w, "failed to read object", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", contentTypeForKey(key))
	_, _ = w.Write(data)
}

// authorizeOwner requires the identity header to match the owner in the path.
func (g *Gateway) authorizeOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get(headerOwner)
	if owner == "" {
		http.Error(w, "missing owner identity", http.StatusUnauthorized)

		return "", false
	}

	if owner != r.PathValue("owner") {
		http.Error(w, "owner mismatch", http.StatusForbidden)

		return "", false
	}

	return owner, true
}

// verifyHandle checks the access token for the object key in the path.
func (g *Gateway) verifyHandle(w http.ResponseWriter, r *http.Request, method string) (string, bool) {
	key := r.PathValue("key")
	token := r.URL.Query().Get("token")

	err := g.signer.Verify(method, key, token)
	if err != nil {
		g.log.Warn("Rejected %s handle for '%s': %v", method, key, err)
		http.Error(w, "invalid access token", http.StatusForbidden)

		return "", false
	}

	return key, true
}

func (g *Gateway) handleURL(method, key string, expiresAt time.Time) string {
	token := g.signer.Sign(method, key, expiresAt)

	return objectsPathPrefix + key + "?token=" + url.QueryEscape(token)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(payload)
	if err != nil {
		g.log.Warn("Failed to encode response: %v", err)
	}
}

func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_")

	return replacer.Replace(name)
}

func contentTypeForKey(key string) string {
	switch {
	case strings.HasSuffix(key, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(key, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
