package interfaces

import "context"

// LogSink is an append-only log destination with named streams.
// Implementations must serialize writes per stream; ordering within a
// stream is monotonic by timestamp. Writes are best effort after the
// implementation's internal retry: a returned error is diagnostic and
// must never abort the session that produced the event.
type LogSink interface {
	// Write appends one event to its stream.
	Write(ctx context.Context, event LogEvent) error
}

// StatusRegister is a key -> string status side channel polled by
// external orchestration. Best effort, not a source of truth.
type StatusRegister interface {
	// Set updates the status value for an enclave.
	Set(ctx context.Context, id EnclaveID, status string) error
}
