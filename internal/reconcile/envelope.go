package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Envelope is one inbound completion notification, reduced to the fields the
// reconciler acts on. It is ephemeral and never persisted.
type Envelope struct {
	TaskID    string
	Status    string
	OutputKey string
	Reason    string
}

// ErrNoTaskID indicates that no task identifier could be recovered from any
// recognized payload shape.
var ErrNoTaskID = errors.New("notification carries no task id")

// rawEnvelope covers the flat notification shape published by the engine.
type rawEnvelope struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	OutputKey string `json:"output_key"`
	OutputURI string `json:"output_uri"`
	Reason    string `json:"reason"`
}

// wrappedEnvelope covers the transport form where the engine payload arrives
// as a JSON string inside a delivery wrapper.
type wrappedEnvelope struct {
	Message string `json:"message"`
}

// ParseEnvelope decodes a notification payload into an Envelope. The payload
// shape is loosely specified, so decoding is an ordered chain of resolvers:
// the flat engine envelope first, then the wrapped transport form. Within a
// shape, the task id itself falls back from the explicit field to the output
// location. The first resolver producing a task id wins.
func ParseEnvelope(data []byte) (Envelope, error) {
	resolvers := []func([]byte) (Envelope, bool){
		parseFlat,
		parseWrapped,
	}

	for _, resolve := range resolvers {
		envelope, ok := resolve(data)
		if ok {
			return envelope, nil
		}
	}

	return Envelope{}, fmt.Errorf("unrecognized notification payload: %w", ErrNoTaskID)
}

func parseFlat(data []byte) (Envelope, bool) {
	var raw rawEnvelope

	err := json.Unmarshal(data, &raw)
	if err != nil {
		return Envelope{}, false
	}

	return fromRaw(raw)
}

func parseWrapped(data []byte) (Envelope, bool) {
	var wrapped wrappedEnvelope

	err := json.Unmarshal(data, &wrapped)
	if err != nil || wrapped.Message == "" {
		return Envelope{}, false
	}

	var raw rawEnvelope

	err = json.Unmarshal([]byte(wrapped.Message), &raw)
	if err != nil {
		return Envelope{}, false
	}

	return fromRaw(raw)
}

func fromRaw(raw rawEnvelope) (Envelope, bool) {
	outputKey := raw.OutputKey
	if outputKey == "" && raw.OutputURI != "" {
		outputKey = keyFromLocation(raw.OutputURI)
	}

	taskID := raw.TaskID
	if taskID == "" {
		taskID = taskIDFromOutputKey(outputKey)
	}

	if taskID == "" {
		return Envelope{}, false
	}

	return Envelope{
		TaskID:    taskID,
		Status:    raw.Status,
		OutputKey: outputKey,
		Reason:    raw.Reason,
	}, true
}

// keyFromLocation reduces an output location to a bare object key. A plain
// key passes through; a URI form keeps only the path, dropping the leading
// bucket segment the engine reports.
func keyFromLocation(location string) string {
	if !strings.Contains(location, "://") {
		return location
	}

	parsed, err := url.Parse(location)
	if err != nil {
		return ""
	}

	key := strings.TrimPrefix(parsed.Path, "/")

	// host-less URIs put the bucket in the first path segment
	if parsed.Host == "" {
		_, rest, found := strings.Cut(key, "/")
		if found {
			return rest
		}
	}

	return key
}

// taskIDFromOutputKey recovers the task id from an output key of the form
// "<prefix>/<taskID>.<format>".
func taskIDFromOutputKey(outputKey string) string {
	if outputKey == "" {
		return ""
	}

	base := path.Base(outputKey)

	return strings.TrimSuffix(base, path.Ext(base))
}
