package orchestrator

import (
	"time"

	"imagegen/internal/domain"
	"imagegen/internal/providers/image"
)

// EventKind names a step of a submission as seen by the caller.
type EventKind string

const (
	EventQueued     EventKind = "queued"
	EventPosition   EventKind = "position"
	EventEnhancing  EventKind = "enhancing"
	EventGenerating EventKind = "generating"
	EventCompleted  EventKind = "completed"
	EventFailed     EventKind = "failed"
)

// Terminal reports whether no further event follows k.
func (k EventKind) Terminal() bool {
	return k == EventCompleted || k == EventFailed
}

// Event is one status update. Message is always safe to show to the caller.
// Artifact and Prompt are set on EventCompleted; ErrorKind and RetryAfter on
// EventFailed.
type Event struct {
	Kind       EventKind
	RequestID  string
	Backend    domain.Backend
	Position   int
	Message    string
	Prompt     string
	Artifact   *image.Artifact
	ErrorKind  domain.ErrorKind
	RetryAfter time.Duration
	At         time.Time
}
