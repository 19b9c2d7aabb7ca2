package interfaces

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Sentinel errors surfaced across component boundaries.
var (
	// ErrPortBound indicates the listener port is already bound. Fatal:
	// the enclave dials a fixed, pre-agreed port, so the listener must
	// never silently move to another one.
	ErrPortBound = errors.New("listener port already bound")

	// ErrLogWriteFailed indicates a log sink write failed after the
	// stale-token retry. Non-fatal; the event is dropped.
	ErrLogWriteFailed = errors.New("log sink write failed")

	// ErrRetryBudgetExhausted indicates the agent spent its connect
	// retry budget without reaching the parent. Fatal for the enclave.
	ErrRetryBudgetExhausted = errors.New("connect retry budget exhausted")

	// ErrNoUserCommand indicates the manifest resolved without a user
	// command. There is nothing to supervise, so the supervisor fails
	// fast.
	ErrNoUserCommand = errors.New("no user command configured")

	// ErrMalformedMessage indicates a wire message that could not be
	// decoded. Closes the offending connection only.
	ErrMalformedMessage = errors.New("malformed wire message")

	// ErrHandshakeRequired indicates a peer sent protocol messages
	// before completing the handshake.
	ErrHandshakeRequired = errors.New("handshake required before other messages")
)

var enclaveIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// EnclaveID identifies a single enclave. It names the CloudWatch log
// group and the status register key, so it is restricted to a safe
// token alphabet.
type EnclaveID string

// NewEnclaveID validates and returns an enclave identifier.
func NewEnclaveID(s string) (EnclaveID, error) {
	if s == "" {
		return "", errors.New("enclave id must not be empty")
	}
	if !enclaveIDPattern.MatchString(s) {
		return "", fmt.Errorf("invalid enclave id %q: must match %s", s, enclaveIDPattern)
	}
	return EnclaveID(s), nil
}

func (id EnclaveID) String() string { return string(id) }

// MeasurementRegisters is the fixed, well-known submission order for
// attestation evidence. The relay enforces this order per connection.
var MeasurementRegisters = []string{"PCR0", "PCR1", "PCR2"}

// DigestHexLen is the length of a measurement register digest in hex
// characters (SHA-384, the Nitro PCR width).
const DigestHexLen = 96

var digestPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// ValidDigest reports whether s is a well-formed measurement digest.
func ValidDigest(s string) bool {
	return len(s) == DigestHexLen && digestPattern.MatchString(s)
}

// RegisterIndex returns the position of a register name in the fixed
// submission order, or -1 if the name is unknown.
func RegisterIndex(name string) int {
	for i, r := range MeasurementRegisters {
		if r == name {
			return i
		}
	}
	return -1
}

// AttestationRecord is the evidence presented by one enclave over one
// connection. Immutable once complete; never retried or mutated.
type AttestationRecord struct {
	EnclaveID  EnclaveID
	Digests    []string // one per register, in MeasurementRegisters order
	CapturedAt time.Time
}

// Complete reports whether every register has been recorded.
func (r *AttestationRecord) Complete() bool {
	return len(r.Digests) == len(MeasurementRegisters)
}

// LogEvent is a single append-only, timestamped message for a named
// stream of the log sink.
type LogEvent struct {
	Stream    string
	Timestamp time.Time
	Message   string
}

// Well-known log sink stream names.
const (
	StreamSystem      = "system"
	StreamApplication = "application"
	StreamAttestation = "attestation"
	StreamHealth      = "health"
	StreamErrors      = "errors"
)

// ApplicationTag prefixes workload output lines mirrored into the log
// sink during an output transfer.
const ApplicationTag = "[APPLICATION]"

// WorkloadState is the supervisor-owned lifecycle state.
type WorkloadState int

const (
	StateBooting WorkloadState = iota
	StateStarting
	StateRunning
	StateHealthy
	StateUnhealthy
	StateExited
	StateFailed
)

var stateNames = map[WorkloadState]string{
	StateBooting:   "BOOTING",
	StateStarting:  "STARTING",
	StateRunning:   "RUNNING",
	StateHealthy:   "HEALTHY",
	StateUnhealthy: "UNHEALTHY",
	StateExited:    "EXITED",
	StateFailed:    "FAILED",
}

func (s WorkloadState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("WorkloadState(%d)", int(s))
}

// Terminal reports whether no further transitions are possible.
func (s WorkloadState) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// WorkloadType describes how the supervisor treats the user command.
type WorkloadType string

const (
	// WorkloadBatch runs to completion; exit 0 is EXITED, non-zero is
	// FAILED, never restarted.
	WorkloadBatch WorkloadType = "batch"

	// WorkloadService is health-checked over HTTP and restarted within
	// a bounded budget before being declared FAILED.
	WorkloadService WorkloadType = "service"

	// WorkloadDaemon is liveness-monitored only and restarted
	// indefinitely with exponential backoff.
	WorkloadDaemon WorkloadType = "daemon"
)

// ParseWorkloadType validates a workload type string.
func ParseWorkloadType(s string) (WorkloadType, error) {
	switch WorkloadType(strings.ToLower(strings.TrimSpace(s))) {
	case WorkloadBatch:
		return WorkloadBatch, nil
	case WorkloadService:
		return WorkloadService, nil
	case WorkloadDaemon:
		return WorkloadDaemon, nil
	default:
		return "", fmt.Errorf("unknown workload type %q", s)
	}
}
