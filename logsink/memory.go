package logsink

import (
	"context"
	"sync"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

// MemorySink is an in-memory interfaces.LogSink for tests and debug
// runs without AWS access.
type MemorySink struct {
	mu     sync.Mutex
	events []interfaces.LogEvent
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write appends the event.
func (s *MemorySink) Write(_ context.Context, event interfaces.LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []interfaces.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]interfaces.LogEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Stream returns the messages written to one stream, in order.
func (s *MemorySink) Stream(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if e.Stream == name {
			out = append(out, e.Message)
		}
	}
	return out
}
