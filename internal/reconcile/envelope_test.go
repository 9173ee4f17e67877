// Package reconcile_test tests completion envelope parsing.
package reconcile_test

import (
	"testing"

	"github.com/book-expert/text-reader/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope_Flat(t *testing.T) {
	t.Parallel()

	payload := `{"task_id":"task-abc","status":"failed","reason":"engine error"}`

	envelope, err := reconcile.ParseEnvelope([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "task-abc", envelope.TaskID)
	assert.Equal(t, "failed", envelope.Status)
	assert.Equal(t, "engine error", envelope.Reason)
}

func TestParseEnvelope_FlatWithOutputKey(t *testing.T) {
	t.Parallel()

	payload := `{"task_id":"task-abc","status":"completed","output_key":"files/audio/job-1/task-abc.mp3"}`

	envelope, err := reconcile.ParseEnvelope([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "files/audio/job-1/task-abc.mp3", envelope.OutputKey)
}

func TestParseEnvelope_WrappedTransportForm(t *testing.T) {
	t.Parallel()

	payload := `{"message":"{\"task_id\":\"task-abc\",\"status\":\"completed\"}"}`

	envelope, err := reconcile.ParseEnvelope([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "task-abc", envelope.TaskID)
	assert.Equal(t, "completed", envelope.Status)
}

func TestParseEnvelope_TaskIDRecoveredFromOutputURI(t *testing.T) {
	t.Parallel()

	payload := `{"status":"completed","output_uri":"nats://FILES/files/audio/job-1/task-xyz.mp3"}`

	envelope, err := reconcile.ParseEnvelope([]byte(payload))
	require.NoError(t, err)

	assert.Equal(t, "task-xyz", envelope.TaskID)
	assert.Equal(t, "files/audio/job-1/task-xyz.mp3", envelope.OutputKey)
}

func TestParseEnvelope_Unparseable(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{
		"not json at all",
		"{}",
		`{"status":"completed"}`,
		`{"message":"not json either"}`,
		`{"message":""}`,
	} {
		_, err := reconcile.ParseEnvelope([]byte(payload))
		require.ErrorIs(t, err, reconcile.ErrNoTaskID, "payload: %s", payload)
	}
}
