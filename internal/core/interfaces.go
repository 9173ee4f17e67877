package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// JobStore is the durable job ledger. Every mutation is a conditioned write:
// MarkSubmitted requires the record to exist, and the terminal transitions
// require the stored task id to still equal the caller's task id (an empty
// task id relaxes the condition to record existence, for failures that happen
// before a task id was ever obtained). A failed condition is reported as
// ErrTaskIDMismatch and carries no other side effect.
type JobStore interface {
	// Get returns the job for the composite (owner, job id) key.
	Get(ctx context.Context, owner, jobID string) (*Job, error)
	// FindByJobID is the forward lookup: all jobs with the given job id,
	// regardless of owner.
	FindByJobID(ctx context.Context, jobID string) ([]*Job, error)
	// FindByTaskID is the reverse lookup: all jobs holding the given
	// synthesis task id.
	FindByTaskID(ctx context.Context, taskID string) ([]*Job, error)
	// Create persists a new job in StatusCreated.
	Create(ctx context.Context, job *Job) error
	// SaveDictionary validates and replaces the job's pronunciation dictionary.
	SaveDictionary(ctx context.Context, owner, jobID string, dict map[string]string) error
	// MarkSubmitted transitions the job to StatusSubmitted, recording the
	// task id, the output location prefix, and the submission timestamp.
	MarkSubmitted(ctx context.Context, owner, jobID, taskID, outputPrefix string, submittedAt time.Time) error
	// MarkCompleted transitions the job to StatusCompleted with the resolved
	// audio key, conditioned on the stored task id.
	MarkCompleted(ctx context.Context, owner, jobID, taskID, audioKey string, audioCreatedAt time.Time) error
	// MarkFailed transitions the job to StatusFailed with an error message,
	// conditioned on the stored task id when taskID is non-empty.
	MarkFailed(ctx context.Context, owner, jobID, taskID, message string) error
}

// TaskStatus is the synthesis engine's view of one submitted task.
type TaskStatus string

// Task statuses reported by the synthesis engine.
const (
	TaskScheduled  TaskStatus = "scheduled"
	TaskInProgress TaskStatus = "inProgress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the engine will make no further progress on the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskRequest describes one synthesis submission to the external engine.
type TaskRequest struct {
	Text            string
	Voice           string
	Engine          string
	OutputFormat    string
	OutputBucket    string
	OutputKeyPrefix string
	NotifySubject   string
}

// Task is the engine's record of one synthesis request.
type Task struct {
	ID            string
	Status        TaskStatus
	OutputKey     string
	FailureReason string
}

// SynthesisEngine defines the interface to the external speech synthesis
// service. StartTask is asynchronous: the engine writes the audio object under
// the requested prefix and publishes a completion notification on the
// requested subject. GetTask is the authoritative status query used during
// reconciliation.
type SynthesisEngine interface {
	StartTask(ctx context.Context, req TaskRequest) (*Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
}
