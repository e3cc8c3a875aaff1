package playback

import (
	"context"
	"time"
)

// EventKind classifies element notifications.
type EventKind int

const (
	EventProgress EventKind = iota
	EventEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventEnded:
		return "ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ElementEvent is emitted by an Element. LoadID echoes the id passed to the
// Load that produced the current source so the engine can ignore events
// from a source it has already replaced.
type ElementEvent struct {
	Kind     EventKind
	LoadID   uint64
	Position time.Duration
	Duration time.Duration
	Err      error
}

// Element is the single underlying playback primitive the engine drives.
// Implementations must tolerate Pause and Rewind with nothing loaded.
type Element interface {
	// Load fetches and prepares url, blocking until it can play or ctx ends.
	Load(ctx context.Context, id uint64, url string) error
	Play() error
	Pause() error
	Rewind() error
	Events() <-chan ElementEvent
	// Level is the current output level in [0,1].
	Level() float64
	Close() error
}
