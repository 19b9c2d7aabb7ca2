// Package parent implements the host side of the enclave runtime
// bridge: the transport listener, the per-connection log/attestation
// relay, and the egress forwarders for permitted AWS services.
//
// The listener binds the wildcard vsock context before any enclave
// exists and accepts sessions for the lifetime of the instance. Each
// accepted connection is owned exclusively by its handler goroutine;
// a malformed message, a stalled peer, or a protocol violation closes
// that connection only and never disturbs the accept loop or sibling
// connections.
//
// The relay turns wire messages into structured records: attestation
// registers (accepted only in the fixed submission order), log events
// mirrored into the log sink, buffered workload output replayed on
// request with an explicit terminal marker, heartbeats projected into
// the status register, and HTTP/KMS egress requests forwarded on the
// enclave's behalf.
package parent
