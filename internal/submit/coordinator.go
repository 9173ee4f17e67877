// Package submit provides the synthesis submission coordinator: the worker
// that turns an uploaded document into a pending synthesis task.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/text-reader/internal/core"
	"github.com/book-expert/text-reader/internal/ssml"
	"github.com/nats-io/nats.go"
)

// MaxMarkupLength is the upper bound, in text units, on one transformed
// document. Oversized documents fail terminally instead of being retried by
// the trigger channel.
const MaxMarkupLength = 200_000

const handleMessageTimeout = 60 * time.Second

// Options carries the fixed submission parameters shared by all jobs.
type Options struct {
	UploadPrefix  string
	OutputPrefix  string
	OutputBucket  string
	Voice         string
	Engine        string
	OutputFormat  string
	NotifySubject string
}

// Coordinator consumes object-created events and submits synthesis tasks.
// It is stateless; all cross-invocation coordination happens through the
// conditioned writes of the job store.
type Coordinator struct {
	jetstreamContext nats.JetStreamContext
	subject          string
	durableName      string
	objects          core.ObjectStore
	jobs             core.JobStore
	engine           core.SynthesisEngine
	opts             Options
	log              *logger.Logger
}

// NewCoordinator creates a submission coordinator bound to the object-created
// subject.
func NewCoordinator(
	jetstreamContext nats.JetStreamContext,
	subject, durableName string,
	objects core.ObjectStore,
	jobs core.JobStore,
	engine core.SynthesisEngine,
	opts Options,
	log *logger.Logger,
) *Coordinator {
	return &Coordinator{
		jetstreamContext: jetstreamContext,
		subject:          subject,
		durableName:      durableName,
		objects:          objects,
		jobs:             jobs,
		engine:           engine,
		opts:             opts,
		log:              log,
	}
}

// Run subscribes to the trigger subject and blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	sub, err := c.jetstreamContext.Subscribe(
		c.subject,
		c.handleMessage,
		nats.Durable(c.durableName),
		nats.ManualAck(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", c.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// handleMessage processes one trigger delivery. A nil processing error acks
// the message; skips and handled business failures are nil on purpose, so
// only transient store or transport failures trigger redelivery.
func (c *Coordinator) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var event core.ObjectCreatedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		c.log.Warn("Dropping unparseable object-created event: %v", err)
		c.ack(msg)

		return
	}

	processErr := c.Process(ctx, event.Key)
	if processErr != nil {
		c.log.Error("Submission for object '%s' will be redelivered: %v", event.Key, processErr)
		c.nak(msg)

		return
	}

	c.ack(msg)
}

// Process runs the submission sequence for one uploaded object key. The
// returned error is non-nil only for transient conditions where redelivery is
// the intended recovery; every permanently-unresolvable condition is logged
// and swallowed.
func (c *Coordinator) Process(ctx context.Context, objectKey string) error {
	jobID, filename, ok := c.parseUploadKey(objectKey)
	if !ok {
		return nil
	}

	job, found, err := c.resolveJob(ctx, objectKey, jobID)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	text, readErr := c.readDocument(ctx, objectKey)
	if readErr != nil {
		return readErr
	}

	if text == nil {
		return nil
	}

	markup := ssml.Transform(string(text), job.Dictionary)

	if ssml.Length(markup) > MaxMarkupLength {
		c.log.Warn("Job '%s': transformed document has %d units, limit is %d; failing without submission",
			job.ID, ssml.Length(markup), MaxMarkupLength)

		message := fmt.Sprintf("transformed document length %d exceeds the %d unit limit",
			ssml.Length(markup), MaxMarkupLength)

		return c.failJob(ctx, job, message)
	}

	return c.submit(ctx, job, filename, markup)
}

// parseUploadKey extracts the job id and original filename from an upload
// key of the form "<uploadPrefix><jobID>/<filename>". Keys outside the upload
// namespace or with a different shape are skipped, not failed.
func (c *Coordinator) parseUploadKey(objectKey string) (jobID, filename string, ok bool) {
	if !strings.HasPrefix(objectKey, c.opts.UploadPrefix) {
		c.log.Info("Skipping object '%s' outside upload prefix '%s'", objectKey, c.opts.UploadPrefix)

		return "", "", false
	}

	rest := strings.TrimPrefix(objectKey, c.opts.UploadPrefix)

	jobID, filename, found := strings.Cut(rest, "/")
	if !found || jobID == "" || filename == "" || strings.Contains(filename, "/") {
		c.log.Warn("Skipping malformed upload key '%s'", objectKey)

		return "", "", false
	}

	return jobID, filename, true
}

// resolveJob performs the forward lookup. Zero matches is a skip; more than
// one is a data anomaly resolved by taking the first.
func (c *Coordinator) resolveJob(ctx context.Context, objectKey, jobID string) (*core.Job, bool, error) {
	jobs, err := c.jobs.FindByJobID(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("forward lookup for job '%s' failed: %w", jobID, err)
	}

	if len(jobs) == 0 {
		c.log.Warn("No job record for upload '%s' (job id '%s'); skipping", objectKey, jobID)

		return nil, false, nil
	}

	if len(jobs) > 1 {
		c.log.Warn("Job id '%s' resolves to %d records; using the first", jobID, len(jobs))
	}

	return jobs[0], true, nil
}

// readDocument loads the uploaded object fully into memory. A missing object
// means the upload was deleted or lost a race with creation; that is a skip.
func (c *Coordinator) readDocument(ctx context.Context, objectKey string) ([]byte, error) {
	data, err := c.objects.Download(ctx, objectKey)
	if err != nil {
		if errors.Is(err, nats.ErrObjectNotFound) {
			c.log.Warn("Uploaded object '%s' no longer exists; skipping", objectKey)

			return nil, nil
		}

		return nil, fmt.Errorf("failed to read uploaded object '%s': %w", objectKey, err)
	}

	return data, nil
}

// submit sends the markup to the engine and records the pending state. An
// engine rejection is a handled outcome that fails the job terminally; only
// the ledger writes themselves propagate for redelivery.
func (c *Coordinator) submit(ctx context.Context, job *core.Job, filename, markup string) error {
	outputPrefix := c.opts.OutputPrefix + job.ID + "/"

	task, err := c.engine.StartTask(ctx, core.TaskRequest{
		Text:            markup,
		Voice:           c.opts.Voice,
		Engine:          c.opts.Engine,
		OutputFormat:    c.opts.OutputFormat,
		OutputBucket:    c.opts.OutputBucket,
		OutputKeyPrefix: outputPrefix,
		NotifySubject:   c.opts.NotifySubject,
	})
	if err != nil {
		c.log.Error("Engine rejected submission for job '%s' (%s): %v", job.ID, filename, err)

		return c.failJob(ctx, job, fmt.Sprintf("synthesis submission failed: %v", err))
	}

	markErr := c.jobs.MarkSubmitted(ctx, job.Owner, job.ID, task.ID, outputPrefix, time.Now().UTC())
	if markErr != nil {
		return fmt.Errorf("failed to record submission of job '%s' (task '%s'): %w",
			job.ID, task.ID, markErr)
	}

	c.log.Info("Job '%s' submitted as task '%s' (output prefix '%s')", job.ID, task.ID, outputPrefix)

	return nil
}

// failJob writes the pre-submission terminal failure, conditioned only on
// record existence.
func (c *Coordinator) failJob(ctx context.Context, job *core.Job, message string) error {
	err := c.jobs.MarkFailed(ctx, job.Owner, job.ID, "", message)
	if err != nil {
		if errors.Is(err, core.ErrJobNotFound) {
			c.log.Warn("Job '%s' vanished before failure could be recorded", job.ID)

			return nil
		}

		return fmt.Errorf("failed to record failure of job '%s': %w", job.ID, err)
	}

	c.log.Info("Job '%s' failed: %s", job.ID, message)

	return nil
}

func (c *Coordinator) ack(msg *nats.Msg) {
	err := msg.Ack()
	if err != nil {
		c.log.Warn("Failed to ack trigger message: %v", err)
	}
}

func (c *Coordinator) nak(msg *nats.Msg) {
	err := msg.Nak()
	if err != nil {
		c.log.Warn("Failed to nak trigger message: %v", err)
	}
}
