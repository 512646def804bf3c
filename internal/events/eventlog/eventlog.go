// Package eventlog provides the durable, replayable event log backing the
// coordinator's registries. Streams are append-only and per-stream ordered;
// appends return only after durable acknowledgement.
package eventlog

import (
	"context"
	"errors"

	"github.com/agentcoord/agentcoord/internal/events"
)

// Common errors
var (
	// ErrUnavailable is returned when the log cannot be reached within the
	// append timeout. Callers treat it as transient.
	ErrUnavailable = errors.New("event log unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("event log closed")
)

// Handler processes one event from a stream.
type Handler func(ctx context.Context, event *events.Event) error

// Subscription represents an active live subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Log is the capability interface over the streaming bus. JetStream provides
// the production implementation; the in-memory log serves tests and
// bus-less dev mode.
type Log interface {
	// Append durably writes the event to a stream and returns its sequence number.
	Append(ctx context.Context, stream string, event *events.Event) (uint64, error)

	// Replay invokes the handler for every stored event with seq >= fromSeq,
	// in order, and returns the last sequence seen.
	Replay(ctx context.Context, stream string, fromSeq uint64, handler Handler) (uint64, error)

	// Subscribe delivers live events appended after the subscription is made.
	Subscribe(stream string, handler Handler) (Subscription, error)

	// Close releases the underlying connection.
	Close()
}
