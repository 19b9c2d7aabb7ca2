package paramstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

// ParameterName returns the status register key for an enclave.
func ParameterName(id interfaces.EnclaveID) string {
	return fmt.Sprintf("/treza/enclave/%s/status", id)
}

// SSMRegister writes enclave status values to SSM Parameter Store.
// Implements interfaces.StatusRegister.
type SSMRegister struct {
	client ssmiface.SSMAPI
	log    *slog.Logger
}

// NewSSMRegister creates a register backed by the given SSM client.
func NewSSMRegister(client ssmiface.SSMAPI, log *slog.Logger) *SSMRegister {
	return &SSMRegister{client: client, log: log.With("component", "paramstore")}
}

// NewClient builds the production SSM client for a region.
func NewClient(region string) (*ssm.SSM, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return ssm.New(sess), nil
}

// Set overwrites the enclave's status value.
func (r *SSMRegister) Set(ctx context.Context, id interfaces.EnclaveID, status string) error {
	_, err := r.client.PutParameterWithContext(ctx, &ssm.PutParameterInput{
		Name:      aws.String(ParameterName(id)),
		Value:     aws.String(status),
		Type:      aws.String(ssm.ParameterTypeString),
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		r.log.Warn("Status register write failed", "enclave", id, "status", status, "err", err)
		return fmt.Errorf("writing status parameter: %w", err)
	}
	r.log.Debug("Status updated", "enclave", id, "status", status)
	return nil
}

// MemoryRegister is an in-memory interfaces.StatusRegister for tests.
type MemoryRegister struct {
	mu      sync.Mutex
	current map[interfaces.EnclaveID]string
	history map[interfaces.EnclaveID][]string
}

// NewMemoryRegister creates an empty in-memory register.
func NewMemoryRegister() *MemoryRegister {
	return &MemoryRegister{
		current: make(map[interfaces.EnclaveID]string),
		history: make(map[interfaces.EnclaveID][]string),
	}
}

// Set records the status value.
func (r *MemoryRegister) Set(_ context.Context, id interfaces.EnclaveID, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current[id] = status
	r.history[id] = append(r.history[id], status)
	return nil
}

// Get returns the latest status for an enclave.
func (r *MemoryRegister) Get(id interfaces.EnclaveID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current[id]
}

// History returns every status written for an enclave, in order.
func (r *MemoryRegister) History(id interfaces.EnclaveID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.history[id]))
	copy(out, r.history[id])
	return out
}
