// Package core defines the job model and the interfaces shared by the
// text-reader pipeline components.
package core

import (
	"errors"
	"time"
)

// Status is the lifecycle status of a Job.
type Status string

// Job lifecycle statuses. Completed and Failed are terminal.
const (
	StatusCreated   Status = "CREATED"
	StatusSubmitted Status = "SUBMITTED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Static errors shared by job store implementations.
var (
	// ErrJobNotFound indicates that no job record exists for the given key.
	ErrJobNotFound = errors.New("job not found")
	// ErrTaskIDMismatch indicates that a conditioned write was rejected because
	// the stored synthesis task id no longer matches the caller's task id.
	ErrTaskIDMismatch = errors.New("stored task id does not match")
	// ErrEmptyDictionaryKey indicates a dictionary entry with an empty source phrase.
	ErrEmptyDictionaryKey = errors.New("dictionary key cannot be empty")
	// ErrEmptyDictionaryAlias indicates a dictionary entry with an empty spoken alias.
	ErrEmptyDictionaryAlias = errors.New("dictionary alias cannot be empty")
	// ErrOwnerEmpty indicates a job record without an owner identifier.
	ErrOwnerEmpty = errors.New("job owner cannot be empty")
	// ErrJobIDEmpty indicates a job record without a job identifier.
	ErrJobIDEmpty = errors.New("job id cannot be empty")
)

// Job is one user-initiated text-to-speech conversion request and its
// lifecycle state. It is keyed by (Owner, ID); TaskID names the engine task
// that currently owns the job's outcome, set on each submission.
type Job struct {
	Owner          string            `json:"owner"`
	ID             string            `json:"id"`
	Filename       string            `json:"filename"`
	UploadKey      string            `json:"upload_key"`
	Status         Status            `json:"status"`
	Dictionary     map[string]string `json:"dictionary,omitempty"`
	TaskID         string            `json:"task_id,omitempty"`
	OutputPrefix   string            `json:"output_prefix,omitempty"`
	AudioKey       string            `json:"audio_key,omitempty"`
	AudioCreatedAt time.Time         `json:"audio_created_at,omitzero"`
	SubmittedAt    time.Time         `json:"submitted_at,omitzero"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Validate checks the identity fields required before a job may be persisted.
func (j *Job) Validate() error {
	if j.Owner == "" {
		return ErrOwnerEmpty
	}

	if j.ID == "" {
		return ErrJobIDEmpty
	}

	return ValidateDictionary(j.Dictionary)
}

// ValidateDictionary rejects pronunciation entries that would be meaningless
// at substitution time: empty source phrases and empty aliases.
func ValidateDictionary(dict map[string]string) error {
	for phrase, alias := range dict {
		if phrase == "" {
			return ErrEmptyDictionaryKey
		}

		if alias == "" {
			return ErrEmptyDictionaryAlias
		}
	}

	return nil
}
