// Package jobstore provides the durable job ledger backed by a NATS JetStream
// key-value bucket.
//
// Records are keyed "<owner>.<job id>". All state transitions are optimistic:
// the record is read, the transition's precondition is checked against the
// decoded job, and the write is a compare-and-set on the entry revision. A
// concurrent writer triggers a bounded re-read; a failed precondition is
// reported through the core sentinels and never retried.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/text-reader/internal/core"
	"github.com/nats-io/nats.go"
)

// casAttempts bounds the re-read loop on revision conflicts.
const casAttempts = 3

const keySeparator = "."

// Static errors.
var (
	// ErrJobExists indicates that a job with the same owner and id is already persisted.
	ErrJobExists = errors.New("job already exists")
	// ErrConcurrentUpdate indicates that the CAS loop lost to concurrent writers
	// on every attempt.
	ErrConcurrentUpdate = errors.New("job record changed concurrently")
)

// NatsJobStore implements core.JobStore on a JetStream key-value bucket.
type NatsJobStore struct {
	bucket string
	kv     nats.KeyValue
}

// New creates the key-value bucket if needed, or binds to it when it already
// exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string) (*NatsJobStore, error) {
	kv, err := jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Job ledger for the %s bucket.", bucketName),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create job ledger bucket '%s': %w", bucketName, err)
		}

		kv, err = jetstreamContext.KeyValue(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing job ledger bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsJobStore{
		bucket: bucketName,
		kv:     kv,
	}, nil
}

// Get returns the job stored under the composite (owner, job id) key.
func (s *NatsJobStore) Get(_ context.Context, owner, jobID string) (*core.Job, error) {
	job, _, err := s.getWithRevision(owner, jobID)

	return job, err
}

// FindByJobID returns every job whose id segment matches, regardless of owner.
// More than one match is a data anomaly the caller is expected to warn about.
func (s *NatsJobStore) FindByJobID(_ context.Context, jobID string) ([]*core.Job, error) {
	return s.scan(func(key string, _ *core.Job) bool {
		return strings.HasSuffix(key, keySeparator+jobID)
	})
}

// FindByTaskID returns every job holding the given synthesis task id.
func (s *NatsJobStore) FindByTaskID(_ context.Context, taskID string) ([]*core.Job, error) {
	if taskID == "" {
		return nil, nil
	}

	return s.scan(func(_ string, job *core.Job) bool {
		return job.TaskID == taskID
	})
}

// Create persists a new job in StatusCreated. The write is insert-only; an
// existing record under the same key is reported as ErrJobExists.
func (s *NatsJobStore) Create(_ context.Context, job *core.Job) error {
	validateErr := job.Validate()
	if validateErr != nil {
		return fmt.Errorf("invalid job record: %w", validateErr)
	}

	now := time.Now().UTC()
	job.Status = core.StatusCreated

	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job '%s': %w", job.ID, err)
	}

	_, err = s.kv.Create(s.key(job.Owner, job.ID), data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return fmt.Errorf("job '%s' for owner '%s': %w", job.ID, job.Owner, ErrJobExists)
		}

		return fmt.Errorf("failed to create job '%s': %w", job.ID, err)
	}

	return nil
}

// SaveDictionary validates and replaces the job's pronunciation dictionary.
// Entries with empty phrases or aliases never reach the ledger.
func (s *NatsJobStore) SaveDictionary(_ context.Context, owner, jobID string, dict map[string]string) error {
	validateErr := core.ValidateDictionary(dict)
	if validateErr != nil {
		return fmt.Errorf("invalid dictionary for job '%s': %w", jobID, validateErr)
	}

	return s.transition(owner, jobID, func(job *core.Job) error {
		job.Dictionary = dict

		return nil
	})
}

// MarkSubmitted transitions the job to StatusSubmitted, storing the synthesis
// task id, the output location prefix, and the submission timestamp. The only
// precondition is record existence; a duplicate trigger that resubmits the job
// overwrites the previous task id, which is the documented recovery point for
// stale completion notifications.
func (s *NatsJobStore) MarkSubmitted(
	_ context.Context,
	owner, jobID, taskID, outputPrefix string,
	submittedAt time.Time,
) error {
	return s.transition(owner, jobID, func(job *core.Job) error {
		job.Status = core.StatusSubmitted
		job.TaskID = taskID
		job.OutputPrefix = outputPrefix
		job.SubmittedAt = submittedAt
		job.ErrorMessage = ""

		return nil
	})
}

// MarkCompleted transitions the job to StatusCompleted, conditioned on the
// stored task id still equalling taskID. A mismatch returns
// core.ErrTaskIDMismatch; a repeat delivery against an already terminal record
// is a no-op.
func (s *NatsJobStore) MarkCompleted(
	_ context.Context,
	owner, jobID, taskID, audioKey string,
	audioCreatedAt time.Time,
) error {
	return s.transition(owner, jobID, func(job *core.Job) error {
		conditionErr := checkTaskCondition(job, taskID)
		if conditionErr != nil {
			return conditionErr
		}

		job.Status = core.StatusCompleted
		job.AudioKey = audioKey
		job.AudioCreatedAt = audioCreatedAt
		job.ErrorMessage = ""

		return nil
	})
}

// MarkFailed transitions the job to StatusFailed with an error message. With a
// non-empty taskID the stored task id must still match; an empty taskID keeps
// only the existence condition, for failures before any task id was obtained.
func (s *NatsJobStore) MarkFailed(_ context.Context, owner, jobID, taskID, message string) error {
	return s.transition(owner, jobID, func(job *core.Job) error {
		if taskID != "" {
			conditionErr := checkTaskCondition(job, taskID)
			if conditionErr != nil {
				return conditionErr
			}
		} else if job.Status.Terminal() {
			return errSkipWrite
		}

		job.Status = core.StatusFailed
		job.ErrorMessage = message

		return nil
	})
}

// errSkipWrite signals from a transition func that the precondition passed but
// no write should happen (duplicate terminal delivery).
var errSkipWrite = errors.New("skip write")

// checkTaskCondition applies the shared terminal-write precondition.
func checkTaskCondition(job *core.Job, taskID string) error {
	if job.TaskID != taskID {
		return fmt.Errorf("job '%s' holds task '%s', not '%s': %w",
			job.ID, job.TaskID, taskID, core.ErrTaskIDMismatch)
	}

	if job.Status.Terminal() {
		return errSkipWrite
	}

	return nil
}

// transition runs the read, check, compare-and-set cycle for one mutation.
func (s *NatsJobStore) transition(owner, jobID string, apply func(*core.Job) error) error {
	var lastErr error

	for range casAttempts {
		job, revision, err := s.getWithRevision(owner, jobID)
		if err != nil {
			return err
		}

		applyErr := apply(job)
		if applyErr != nil {
			if errors.Is(applyErr, errSkipWrite) {
				return nil
			}

			return applyErr
		}

		job.UpdatedAt = time.Now().UTC()

		data, marshalErr := json.Marshal(job)
		if marshalErr != nil {
			return fmt.Errorf("failed to encode job '%s': %w", jobID, marshalErr)
		}

		_, updateErr := s.kv.Update(s.key(owner, jobID), data, revision)
		if updateErr == nil {
			return nil
		}

		lastErr = updateErr
	}

	return fmt.Errorf("failed to update job '%s' after %d attempts: %w (%w)",
		jobID, casAttempts, ErrConcurrentUpdate, lastErr)
}

func (s *NatsJobStore) getWithRevision(owner, jobID string) (*core.Job, uint64, error) {
	entry, err := s.kv.Get(s.key(owner, jobID))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("job '%s' for owner '%s': %w", jobID, owner, core.ErrJobNotFound)
		}

		return nil, 0, fmt.Errorf("failed to read job '%s': %w", jobID, err)
	}

	job, decodeErr := decodeJob(entry.Value())
	if decodeErr != nil {
		return nil, 0, fmt.Errorf("failed to decode job '%s': %w", jobID, decodeErr)
	}

	return job, entry.Revision(), nil
}

// scan walks every record in the bucket. The ledger holds one record per
// conversion request, so a full scan stands in for the secondary indexes of a
// larger store.
func (s *NatsJobStore) scan(match func(key string, job *core.Job) bool) ([]*core.Job, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list job ledger keys: %w", err)
	}

	sort.Strings(keys)

	var jobs []*core.Job

	for _, key := range keys {
		entry, getErr := s.kv.Get(key)
		if getErr != nil {
			if errors.Is(getErr, nats.ErrKeyNotFound) {
				continue // Deleted between Keys and Get.
			}

			return nil, fmt.Errorf("failed to read job ledger key '%s': %w", key, getErr)
		}

		job, decodeErr := decodeJob(entry.Value())
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to decode job ledger key '%s': %w", key, decodeErr)
		}

		if match(key, job) {
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func (s *NatsJobStore) key(owner, jobID string) string {
	return owner + keySeparator + jobID
}

func decodeJob(data []byte) (*core.Job, error) {
	var job core.Job

	err := json.Unmarshal(data, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job record: %w", err)
	}

	return &job, nil
}
