package engine

import (
	"context"
	"time"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// eventBuffer absorbs bursts without blocking step execution on a slow
// consumer.
const eventBuffer = 128

// Stream is the ordered per-task progress stream. Events are published
// in step execution order; a full buffer blocks the publisher until the
// consumer catches up or the task context ends.
type Stream struct {
	ch chan schemas.Event
}

func NewStream() *Stream {
	return &Stream{ch: make(chan schemas.Event, eventBuffer)}
}

// Events is the consumer side. The channel closes when the task is done.
func (s *Stream) Events() <-chan schemas.Event { return s.ch }

// Publish sends one event, giving up if the context ends first.
func (s *Stream) Publish(ctx context.Context, ev schemas.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. Publish must not be called afterwards.
func (s *Stream) Close() { close(s.ch) }
