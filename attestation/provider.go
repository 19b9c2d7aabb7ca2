// Package attestation provides measurement register sources for the
// bridge.
//
// Evidence here is the ordered set of Nitro PCR digests (PCR0-PCR2)
// establishing what code the enclave booted. The bridge records and
// forwards evidence; verifying it is delegated to the downstream
// key-release policy.
package attestation

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

// Provider supplies measurement register digests in the fixed
// submission order (interfaces.MeasurementRegisters).
type Provider interface {
	// Measurements returns one digest per register, in order.
	Measurements() ([]string, error)
}

// StaticProvider returns fixed digests. Used in tests and debug runs.
type StaticProvider struct {
	Digests []string
}

func (p StaticProvider) Measurements() ([]string, error) {
	if len(p.Digests) != len(interfaces.MeasurementRegisters) {
		return nil, fmt.Errorf("expected %d digests, have %d",
			len(interfaces.MeasurementRegisters), len(p.Digests))
	}
	for i, d := range p.Digests {
		if !interfaces.ValidDigest(d) {
			return nil, fmt.Errorf("invalid digest for %s", interfaces.MeasurementRegisters[i])
		}
	}
	return p.Digests, nil
}

// EnvProvider reads digests injected by the provisioning layer as
// TREZA_PCR0..TREZA_PCR2 boot environment variables.
type EnvProvider struct{}

func (EnvProvider) Measurements() ([]string, error) {
	digests := make([]string, 0, len(interfaces.MeasurementRegisters))
	for _, register := range interfaces.MeasurementRegisters {
		v := os.Getenv("TREZA_" + register)
		if !interfaces.ValidDigest(v) {
			return nil, fmt.Errorf("missing or invalid TREZA_%s in boot environment", register)
		}
		digests = append(digests, v)
	}
	return digests, nil
}

// NitroCLIProvider reads measurements from nitro-cli on the parent
// instance. Used host-side for operator visibility, never as the
// enclave's own evidence.
type NitroCLIProvider struct {
	// Path to the nitro-cli binary; defaults to /usr/bin/nitro-cli.
	Path string

	// Timeout for the describe-enclaves call; defaults to 30s.
	Timeout time.Duration
}

// describeEnclave is the subset of nitro-cli describe-enclaves output
// the provider consumes.
type describeEnclave struct {
	Measurements map[string]string `json:"Measurements"`
}

func (p NitroCLIProvider) Measurements() ([]string, error) {
	path := p.Path
	if path == "" {
		path = "/usr/bin/nitro-cli"
	}
	timeout := p.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	cmd := exec.Command(path, "describe-enclaves")
	done := make(chan struct{})
	var out []byte
	var runErr error
	go func() {
		out, runErr = cmd.Output()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("nitro-cli describe-enclaves timed out after %s", timeout)
	}
	if runErr != nil {
		return nil, fmt.Errorf("nitro-cli describe-enclaves: %w", runErr)
	}

	var enclaves []describeEnclave
	if err := json.Unmarshal(out, &enclaves); err != nil {
		return nil, fmt.Errorf("parsing nitro-cli output: %w", err)
	}
	if len(enclaves) == 0 {
		return nil, fmt.Errorf("no running enclaves reported by nitro-cli")
	}

	digests := make([]string, 0, len(interfaces.MeasurementRegisters))
	for _, register := range interfaces.MeasurementRegisters {
		d, ok := enclaves[0].Measurements[register]
		if !ok || !interfaces.ValidDigest(d) {
			return nil, fmt.Errorf("nitro-cli reported no usable %s", register)
		}
		digests = append(digests, d)
	}
	return digests, nil
}
