// Package interfaces defines the core types and contracts shared by the
// enclave runtime bridge components. It provides the contract between the
// parent (host) side and the enclave (guest) side without implementation
// details.
//
// # Core Types
//
// EnclaveID identifies a single enclave across the bridge, the log sink,
// and the status register:
//
//	type EnclaveID string
//
// WorkloadManifest is the boot-time configuration describing what the
// enclave runs and how it is supervised. It is resolved exactly once at
// boot, from environment variables injected by the provisioning layer or
// from a YAML manifest file, and is read-only afterwards.
//
// WorkloadState is the supervisor-owned lifecycle state machine:
//
//	BOOTING -> STARTING -> RUNNING -> {HEALTHY, UNHEALTHY, EXITED, FAILED}
//
// AttestationRecord carries the ordered measurement register digests
// (PCR0, PCR1, PCR2) presented by an enclave as attestation evidence.
// The bridge records and forwards evidence; verification is delegated to
// the downstream key-release policy.
//
// # Contracts
//
// LogSink is the append-only, per-stream log destination (CloudWatch
// Logs in production). StatusRegister is the best-effort key/value
// lifecycle register polled by external orchestration (SSM Parameter
// Store in production). Both have in-memory implementations for tests.
package interfaces
