// Package logsink implements the append-only log destination for the
// bridge.
//
// The production implementation writes to CloudWatch Logs: one log
// group per enclave (/aws/ec2/enclave/<id>) with named streams for
// supervisor output, workload stdout/stderr, attestation evidence, and
// health reports.
//
// CloudWatch rejects a PutLogEvents call that presents a stale upload
// sequence token, so the token is the one piece of shared, serialized
// state in the system. Each stream is owned by a single serialized
// writer holding the current token; concurrent writers to the same
// stream queue on that writer's lock, while different streams proceed
// independently. A stale-token rejection refreshes the token (from the
// rejection itself, or DescribeLogStreams) and retries exactly once;
// a second failure drops the event with interfaces.ErrLogWriteFailed.
// Logging failures never abort the session that produced the event.
package logsink
