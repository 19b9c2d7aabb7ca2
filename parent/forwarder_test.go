package parent

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treza-labs/enclave-bridge/wire"
)

type fakeKMS struct {
	kmsiface.KMSAPI
}

func (fakeKMS) DecryptWithContext(_ aws.Context, input *kms.DecryptInput, _ ...request.Option) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{
		KeyId:     aws.String("key-1"),
		Plaintext: []byte("secret"),
	}, nil
}

func (fakeKMS) GenerateDataKeyWithContext(_ aws.Context, input *kms.GenerateDataKeyInput, _ ...request.Option) (*kms.GenerateDataKeyOutput, error) {
	return &kms.GenerateDataKeyOutput{
		KeyId:          input.KeyId,
		Plaintext:      []byte("datakey"),
		CiphertextBlob: []byte("wrapped"),
	}, nil
}

func newTestForwarder(allowed []string) *Forwarder {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewForwarder(nil, fakeKMS{}, allowed, log)
}

func TestForwardHTTPDeniesNonAWSEndpoints(t *testing.T) {
	f := newTestForwarder([]string{"s3"})

	tests := []struct {
		name string
		url  string
	}{
		{"arbitrary host", "https://example.com/data"},
		{"lookalike domain", "https://s3.amazonaws.com.evil.io/"},
		{"service not in set", "https://dynamodb.us-west-2.amazonaws.com/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.ForwardHTTP(context.Background(), wire.HTTPRequestPayload{
				Method: http.MethodGet, URL: tt.url,
			})
			assert.Equal(t, http.StatusForbidden, resp.Status)
		})
	}
}

func TestForwardHTTPEmptySetDeniesEverything(t *testing.T) {
	f := newTestForwarder(nil)
	resp := f.ForwardHTTP(context.Background(), wire.HTTPRequestPayload{
		Method: http.MethodGet, URL: "https://s3.us-west-2.amazonaws.com/bucket",
	})
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestForwardKMSDecrypt(t *testing.T) {
	f := newTestForwarder([]string{"kms"})

	resp := f.ForwardKMS(context.Background(), wire.KMSRequestPayload{
		Operation:  wire.KMSOpDecrypt,
		Ciphertext: hex.EncodeToString([]byte("wrapped")),
	})
	require.Empty(t, resp.Error)
	assert.Equal(t, "key-1", resp.KeyID)
	assert.Equal(t, hex.EncodeToString([]byte("secret")), resp.Plaintext)
}

func TestForwardKMSGenerateDataKeyDefaultsSpec(t *testing.T) {
	f := newTestForwarder([]string{"kms"})

	resp := f.ForwardKMS(context.Background(), wire.KMSRequestPayload{
		Operation: wire.KMSOpGenerateDataKey,
		KeyID:     "alias/app",
	})
	require.Empty(t, resp.Error)
	assert.Equal(t, "alias/app", resp.KeyID)
	assert.NotEmpty(t, resp.Plaintext)
	assert.NotEmpty(t, resp.CiphertextBlob)
}

func TestForwardKMSRequiresPermission(t *testing.T) {
	f := newTestForwarder([]string{"s3"})
	resp := f.ForwardKMS(context.Background(), wire.KMSRequestPayload{
		Operation: wire.KMSOpDecrypt, Ciphertext: "00",
	})
	assert.Contains(t, resp.Error, "egress denied")
}

func TestForwardKMSRejectsBadInput(t *testing.T) {
	f := newTestForwarder([]string{"kms"})

	resp := f.ForwardKMS(context.Background(), wire.KMSRequestPayload{
		Operation: wire.KMSOpDecrypt, Ciphertext: "not-hex",
	})
	assert.Contains(t, resp.Error, "invalid ciphertext")

	resp = f.ForwardKMS(context.Background(), wire.KMSRequestPayload{
		Operation: "sign",
	})
	assert.Contains(t, resp.Error, "Unsupported KMS operation")
}
