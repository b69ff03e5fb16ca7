package engine

import (
	"context"
	"time"

	"github.com/franksops/gridconveyor/failure"
	"github.com/franksops/gridconveyor/store"
)

// EventKind names a point in a descriptor's life reported to listeners.
type EventKind string

const (
	EventStarted      EventKind = "started"
	EventProgress     EventKind = "progress"
	EventFileComplete EventKind = "file-complete"
	EventCompleted    EventKind = "completed"
	EventRetrying     EventKind = "retrying"
	EventFailed       EventKind = "failed"
	EventPaused       EventKind = "paused"
	EventCancelled    EventKind = "cancelled"
)

// StatusEvent is delivered to every registered listener, in order, on the
// executor goroutine.
type StatusEvent struct {
	Kind       EventKind
	Descriptor store.Descriptor
	At         time.Time

	// File is the unit the event refers to, for progress and file-complete.
	File string
	// InFlightBytes counts bytes of the current file not yet confirmed.
	InFlightBytes int64

	ErrKind failure.Kind
	Message string
}

// StatusListener receives status events. Errors and panics are logged and
// otherwise ignored.
type StatusListener interface {
	OnStatus(ctx context.Context, ev StatusEvent) error
}

// StatusListenerFunc adapts a function to StatusListener.
type StatusListenerFunc func(ctx context.Context, ev StatusEvent) error

func (f StatusListenerFunc) OnStatus(ctx context.Context, ev StatusEvent) error {
	return f(ctx, ev)
}
