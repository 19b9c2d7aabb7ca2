package paramstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

type fakeSSM struct {
	ssmiface.SSMAPI

	mu     sync.Mutex
	params map[string]string
	calls  int
	fail   bool
}

func (f *fakeSSM) PutParameterWithContext(_ aws.Context, input *ssm.PutParameterInput, _ ...request.Option) (*ssm.PutParameterOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("throttled")
	}
	if f.params == nil {
		f.params = make(map[string]string)
	}
	f.params[aws.StringValue(input.Name)] = aws.StringValue(input.Value)
	return &ssm.PutParameterOutput{}, nil
}

func TestSSMRegisterSet(t *testing.T) {
	fake := &fakeSSM{}
	reg := NewSSMRegister(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	id := interfaces.EnclaveID("enclave-7f3a")
	require.NoError(t, reg.Set(context.Background(), id, "RUNNING"))
	require.NoError(t, reg.Set(context.Background(), id, "HEALTHY"))

	assert.Equal(t, "HEALTHY", fake.params["/treza/enclave/enclave-7f3a/status"])
	assert.Equal(t, 2, fake.calls)
}

func TestSSMRegisterSetError(t *testing.T) {
	fake := &fakeSSM{fail: true}
	reg := NewSSMRegister(fake, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := reg.Set(context.Background(), interfaces.EnclaveID("e1"), "RUNNING")
	assert.Error(t, err)
}

func TestParameterName(t *testing.T) {
	assert.Equal(t, "/treza/enclave/e1/status", ParameterName(interfaces.EnclaveID("e1")))
}

func TestMemoryRegisterHistory(t *testing.T) {
	reg := NewMemoryRegister()
	id := interfaces.EnclaveID("e1")

	ctx := context.Background()
	require.NoError(t, reg.Set(ctx, id, "STARTING"))
	require.NoError(t, reg.Set(ctx, id, "RUNNING"))
	require.NoError(t, reg.Set(ctx, id, "EXITED"))

	assert.Equal(t, "EXITED", reg.Get(id))
	assert.Equal(t, []string{"STARTING", "RUNNING", "EXITED"}, reg.History(id))
}
