package wire

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

const testDigest = "0f3a1b2c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"

func TestEncodeDecodePrefixes(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		line string
	}{
		{
			name: "hello",
			msg:  Hello(interfaces.EnclaveID("enclave-7f3a"), "registry/app:v1"),
			line: "HELLO enclave-7f3a registry/app:v1",
		},
		{
			name: "hello ack",
			msg:  HelloAck("2.0"),
			line: "HELLO_ACK 2.0",
		},
		{
			name: "measurement",
			msg:  Measurement("PCR0", testDigest),
			line: "MEASUREMENT PCR0: " + testDigest,
		},
		{
			name: "measurement ack",
			msg:  MeasurementAck("PCR2", testDigest),
			line: "MEASUREMENT_ACK PCR2: " + testDigest,
		},
		{
			name: "transfer request",
			msg:  TransferRequest(),
			line: "REQUEST_OUTPUT",
		},
		{
			name: "output line",
			msg:  OutputLine("result: 42"),
			line: "OUTPUT result: 42",
		},
		{
			name: "transfer complete",
			msg:  TransferComplete(),
			line: "TRANSFER_COMPLETE",
		},
		{
			name: "transfer truncated",
			msg:  TransferTruncated(20),
			line: "TRANSFER_TRUNCATED 20",
		},
		{
			name: "log",
			msg:  Log("app", "listening on :8080"),
			line: "LOG app listening on :8080",
		},
		{
			name: "heartbeat",
			msg:  Heartbeat("HEALTHY"),
			line: "HEARTBEAT HEALTHY",
		},
		{
			name: "completed",
			msg:  Completed(),
			line: "ALL_OPERATIONS_COMPLETED",
		},
		{
			name: "error",
			msg:  ProtocolError("unknown prefix"),
			line: "ERROR unknown prefix",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, tt.line, line)

			decoded, err := Decode(line)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeRejectsMalformedLines(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty line", ""},
		{"unknown prefix", "BOGUS something"},
		{"hello without id", "HELLO"},
		{"measurement without register", "MEASUREMENT "},
		{"measurement short digest", "MEASUREMENT PCR0: abc123"},
		{"measurement non-hex digest", "MEASUREMENT PCR0: " + strings.Repeat("z", 96)},
		{"log without level", "LOG"},
		{"truncation without count", "TRANSFER_TRUNCATED x"},
		{"http request without payload", "HTTP_REQUEST"},
		{"http request bad base64", "HTTP_REQUEST req-1 !!!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.line)
			require.Error(t, err)
			assert.ErrorIs(t, err, interfaces.ErrMalformedMessage)
		})
	}
}

func TestCorrelatedPayloadRoundTrip(t *testing.T) {
	req := HTTPRequestPayload{
		Method:  "POST",
		URL:     "https://kms.us-west-2.amazonaws.com/",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    `{"KeyId":"alias/app"}`,
	}

	msg, err := NewHTTPRequest("req-7", req)
	require.NoError(t, err)

	line, err := Encode(msg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "HTTP_REQUEST req-7 "))

	decoded, err := Decode(line)
	require.NoError(t, err)
	assert.Equal(t, KindHTTPRequest, decoded.Kind)
	assert.Equal(t, "req-7", decoded.ID)

	var got HTTPRequestPayload
	require.NoError(t, decoded.UnmarshalPayload(&got))
	assert.Equal(t, req, got)
}

func TestKMSPayloadCarriesOperation(t *testing.T) {
	msg, err := NewKMSRequest("req-3", KMSRequestPayload{
		Operation:  KMSOpDecrypt,
		Ciphertext: "deadbeef",
	})
	require.NoError(t, err)

	decoded, err := Decode(mustEncode(t, msg))
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(decoded.Payload, &payload))
	assert.Equal(t, KMSOpDecrypt, payload["operation"])
}

func TestReaderStreamsMessages(t *testing.T) {
	input := "HELLO enclave-1 img\nHEARTBEAT RUNNING\nALL_OPERATIONS_COMPLETED\n"
	r := NewReader(strings.NewReader(input), 0)

	msg, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, KindHello, msg.Kind)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, KindHeartbeat, msg.Kind)
	assert.Equal(t, "RUNNING", msg.State)

	msg, err = r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, KindCompleted, msg.Kind)

	_, err = r.ReadMessage()
	assert.Equal(t, io.EOF, err)
}

func TestReaderRejectsOversizedLine(t *testing.T) {
	line := "LOG app " + strings.Repeat("x", 4096) + "\n"
	r := NewReader(strings.NewReader(line), 128)

	_, err := r.ReadMessage()
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrMalformedMessage))
}

func TestWriterAppendsNewline(t *testing.T) {
	var sb strings.Builder
	w := NewWriter(&sb)
	require.NoError(t, w.WriteMessage(Heartbeat("HEALTHY")))
	require.NoError(t, w.WriteMessage(Completed()))
	assert.Equal(t, "HEARTBEAT HEALTHY\nALL_OPERATIONS_COMPLETED\n", sb.String())
}

func mustEncode(t *testing.T, m Message) string {
	t.Helper()
	line, err := Encode(m)
	require.NoError(t, err)
	return line
}
