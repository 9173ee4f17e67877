package core

import "github.com/book-expert/events"

// ObjectCreatedEvent announces that a blob was written under the upload
// namespace. The gateway publishes it once per completed upload; delivery to
// the submission coordinator is at-least-once, so duplicates are possible.
type ObjectCreatedEvent struct {
	Header events.EventHeader `json:"header"`
	Bucket string             `json:"bucket"`
	Key    string             `json:"key"`
}
