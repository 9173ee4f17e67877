// Package reconcile provides the completion reconciler: the worker that
// resolves engine completion notifications back to job records and applies
// the conditioned terminal transition.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/text-reader/internal/core"
	"github.com/nats-io/nats.go"
)

const (
	fetchBatchSize = 16
	fetchMaxWait   = 2 * time.Second
	handleTimeout  = 30 * time.Second
)

// Reconciler consumes completion envelopes from a pull consumer and applies
// terminal job transitions. Envelopes in a batch are processed independently:
// one failing envelope naks only itself.
type Reconciler struct {
	jetstreamContext nats.JetStreamContext
	subject          string
	durableName      string
	jobs             core.JobStore
	engine           core.SynthesisEngine
	outputFormat     string
	outputPrefix     string
	log              *logger.Logger
}

// NewReconciler creates a reconciler bound to the completion subject.
func NewReconciler(
	jetstreamContext nats.JetStreamContext,
	subject, durableName string,
	jobs core.JobStore,
	engine core.SynthesisEngine,
	outputFormat, outputPrefix string,
	log *logger.Logger,
) *Reconciler {
	return &Reconciler{
		jetstreamContext: jetstreamContext,
		subject:          subject,
		durableName:      durableName,
		jobs:             jobs,
		engine:           engine,
		outputFormat:     outputFormat,
		outputPrefix:     outputPrefix,
		log:              log,
	}
}

// Run fetches envelope batches until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	sub, err := r.jetstreamContext.PullSubscribe(r.subject, r.durableName)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", r.subject, err)
	}

	defer func() {
		unsubErr := sub.Unsubscribe()
		if unsubErr != nil {
			r.log.Warn("Failed to unsubscribe reconciler: %v", unsubErr)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, fetchErr := sub.Fetch(fetchBatchSize, nats.MaxWait(fetchMaxWait))
		if fetchErr != nil {
			if errors.Is(fetchErr, nats.ErrTimeout) || errors.Is(fetchErr, context.DeadlineExceeded) {
				continue
			}

			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("failed to fetch completion envelopes: %w", fetchErr)
		}

		for _, msg := range msgs {
			r.handleMessage(msg)
		}
	}
}

// handleMessage reconciles one envelope. Skips ack; only transient store or
// engine errors nak, so the transport redelivers exactly the envelopes whose
// terminal state was never durably recorded.
func (r *Reconciler) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	envelope, parseErr := ParseEnvelope(msg.Data)
	if parseErr != nil {
		r.log.Warn("Dropping completion notification without task id: %v", parseErr)
		r.ack(msg)

		return
	}

	err := r.Reconcile(ctx, envelope)
	if err != nil {
		r.log.Error("Reconciliation of task '%s' will be redelivered: %v", envelope.TaskID, err)
		r.nak(msg)

		return
	}

	r.ack(msg)
}

// Reconcile applies one completion envelope. The returned error is non-nil
// only when redelivery is the intended recovery.
func (r *Reconciler) Reconcile(ctx context.Context, envelope Envelope) error {
	job, found, err := r.resolveJob(ctx, envelope.TaskID)
	if err != nil {
		return err
	}

	if !found {
		return nil
	}

	if job.SubmittedAt.IsZero() {
		r.log.Warn("Job '%s' (task '%s') has no submission timestamp; skipping inconsistent record",
			job.ID, envelope.TaskID)

		return nil
	}

	// The envelope status is only a hint: replayed or forged notifications
	// must not decide the persisted state. The engine query is authoritative.
	task, err := r.engine.GetTask(ctx, envelope.TaskID)
	if err != nil {
		return fmt.Errorf("authoritative status query for task '%s' failed: %w", envelope.TaskID, err)
	}

	if !task.Status.Terminal() {
		r.log.Info("Task '%s' for job '%s' still %s; awaiting next notification",
			task.ID, job.ID, task.Status)

		return nil
	}

	if task.Status == core.TaskCompleted {
		return r.complete(ctx, job, envelope, task)
	}

	return r.fail(ctx, job, task)
}

// resolveJob performs the reverse lookup. Zero matches means the task is
// already handled, stale, or foreign; more than one is an anomaly resolved by
// taking the first.
func (r *Reconciler) resolveJob(ctx context.Context, taskID string) (*core.Job, bool, error) {
	jobs, err := r.jobs.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, false, fmt.Errorf("reverse lookup for task '%s' failed: %w", taskID, err)
	}

	if len(jobs) == 0 {
		r.log.Warn("Task '%s' is unknown to the ledger; skipping", taskID)

		return nil, false, nil
	}

	if len(jobs) > 1 {
		r.log.Warn("Task '%s' resolves to %d records; using the first", taskID, len(jobs))
	}

	return jobs[0], true, nil
}

func (r *Reconciler) complete(ctx context.Context, job *core.Job, envelope Envelope, task *core.Task) error {
	audioKey := r.resolveAudioKey(job, envelope, task)
	now := time.Now().UTC()

	err := r.jobs.MarkCompleted(ctx, job.Owner, job.ID, task.ID, audioKey, now)
	if err != nil {
		if errors.Is(err, core.ErrTaskIDMismatch) {
			// The job was resubmitted under a new task id after this
			// notification was emitted. Dropping the write is the designed
			// duplicate suppression, not an error.
			r.log.Info("Task '%s' no longer owns job '%s'; dropping stale completion", task.ID, job.ID)

			return nil
		}

		return fmt.Errorf("failed to record completion of job '%s' (task '%s'): %w",
			job.ID, task.ID, err)
	}

	r.log.Info("Job '%s' completed (task '%s', audio '%s')", job.ID, task.ID, audioKey)

	return nil
}

func (r *Reconciler) fail(ctx context.Context, job *core.Job, task *core.Task) error {
	reason := task.FailureReason
	if reason == "" {
		reason = "speech synthesis failed"
	}

	err := r.jobs.MarkFailed(ctx, job.Owner, job.ID, task.ID, reason)
	if err != nil {
		if errors.Is(err, core.ErrTaskIDMismatch) {
			r.log.Info("Task '%s' no longer owns job '%s'; dropping stale failure", task.ID, job.ID)

			return nil
		}

		return fmt.Errorf("failed to record failure of job '%s' (task '%s'): %w",
			job.ID, task.ID, err)
	}

	r.log.Info("Job '%s' failed (task '%s'): %s", job.ID, task.ID, reason)

	return nil
}

// resolveAudioKey derives the final audio object key through an ordered
// fallback chain: the engine's own reported location, then the stored output
// prefix with the task id, then a key synthesized from the job id and the
// submission timestamp.
func (r *Reconciler) resolveAudioKey(job *core.Job, envelope Envelope, task *core.Task) string {
	resolvers := []func() string{
		func() string { return keyFromLocation(task.OutputKey) },
		func() string { return envelope.OutputKey },
		func() string {
			if job.OutputPrefix == "" {
				return ""
			}

			return job.OutputPrefix + task.ID + "." + r.outputFormat
		},
		func() string {
			millis := strconv.FormatInt(job.SubmittedAt.UnixMilli(), 10)

			return r.outputPrefix + job.ID + "/" + millis + "." + r.outputFormat
		},
	}

	for _, resolve := range resolvers {
		key := resolve()
		if key != "" {
			return key
		}
	}

	return ""
}

func (r *Reconciler) ack(msg *nats.Msg) {
	err := msg.Ack()
	if err != nil {
		r.log.Warn("Failed to ack completion envelope: %v", err)
	}
}

func (r *Reconciler) nak(msg *nats.Msg) {
	err := msg.Nak()
	if err != nil {
		r.log.Warn("Failed to nak completion envelope: %v", err)
	}
}
