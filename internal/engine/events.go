package engine

import (
	"context"
	"sync"

	"github.com/brycewcole/capsule-agents-sub000/internal/a2a"
)

// Event is one item of a turn's stream. Exactly one field is set. Err marks
// a fatal abort before any task existed; it is distinct from a final status.
type Event struct {
	Task     *a2a.Task
	Status   *a2a.TaskStatusUpdateEvent
	Artifact *a2a.TaskArtifactUpdateEvent
	Message  *a2a.Message
	Err      error
}

// Final reports whether ev ends the stream.
func (ev Event) Final() bool {
	switch {
	case ev.Err != nil, ev.Message != nil:
		return true
	case ev.Status != nil:
		return ev.Status.Final
	}
	return false
}

// Result returns the protocol object carried by ev, or nil for Err.
func (ev Event) Result() any {
	switch {
	case ev.Task != nil:
		return ev.Task
	case ev.Status != nil:
		return ev.Status
	case ev.Artifact != nil:
		return ev.Artifact
	case ev.Message != nil:
		return ev.Message
	}
	return nil
}

// sink serializes emission onto a turn's unbuffered channel. After the final
// event (or close) every emit is refused, so a late heartbeat can never
// follow a terminal status.
type sink struct {
	turnCtx context.Context
	out     chan Event

	mu   sync.Mutex
	done bool
}

func newSink(turnCtx context.Context) *sink {
	return &sink{turnCtx: turnCtx, out: make(chan Event)}
}

// emit blocks until the consumer takes ev, ctx ends, or the turn's consumer
// goes away. It reports whether ev was delivered.
func (s *sink) emit(ctx context.Context, ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if ev.Final() {
		s.done = true
	}
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-s.turnCtx.Done():
		return false
	}
}

func (s *sink) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *sink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	close(s.out)
}
