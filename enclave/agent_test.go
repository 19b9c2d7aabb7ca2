package enclave

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treza-labs/enclave-bridge/attestation"
	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDigests() []string {
	return []string{
		strings.Repeat("a", interfaces.DigestHexLen),
		strings.Repeat("b", interfaces.DigestHexLen),
		strings.Repeat("c", interfaces.DigestHexLen),
	}
}

func newTestAgent(t *testing.T, dialer func() (net.Conn, error), attempts int) *Agent {
	t.Helper()
	agent, err := NewAgent(AgentConfig{
		EnclaveID:         interfaces.EnclaveID("enclave-1"),
		ImageRef:          "img:v1",
		Dialer:            dialer,
		MaxAttempts:       attempts,
		RetryBackoff:      time.Millisecond,
		RequestTimeout:    2 * time.Second,
		TransferTimeout:   2 * time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		Log:               testLogger(),
	})
	require.NoError(t, err)
	return agent
}

func TestConnectExhaustsRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	dialer := func() (net.Conn, error) {
		attempts.Add(1)
		return nil, errors.New("connection refused")
	}

	agent := newTestAgent(t, dialer, 5)
	err := agent.Connect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrRetryBudgetExhausted)
	assert.Equal(t, int32(5), attempts.Load())
	assert.False(t, agent.Connected())
}

func TestConnectSucceedsWithinBudget(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	var attempts atomic.Int32
	dialer := func() (net.Conn, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return client, nil
	}

	agent := newTestAgent(t, dialer, 5)
	require.NoError(t, agent.Connect(context.Background()))
	assert.Equal(t, int32(3), attempts.Load())
	assert.True(t, agent.Connected())
}

func TestConnectHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dialer := func() (net.Conn, error) {
		cancel()
		return nil, errors.New("connection refused")
	}

	agent := newTestAgent(t, dialer, 1000)
	err := agent.Connect(ctx)
	require.Error(t, err)
}

// connectedAgent returns an agent wired to the far end of a pipe the
// test scripts with its own reader and writer.
func connectedAgent(t *testing.T) (*Agent, *wire.Reader, *wire.Writer) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	agent := newTestAgent(t, func() (net.Conn, error) { return client, nil }, 1)
	require.NoError(t, agent.Connect(context.Background()))
	return agent, wire.NewReader(server, 0), wire.NewWriter(server)
}

func TestHandshakeSubmitsMeasurementsInOrder(t *testing.T) {
	agent, r, w := connectedAgent(t)
	digests := testDigests()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- func() error {
			msg, err := r.ReadMessage()
			if err != nil {
				return err
			}
			if msg.Kind != wire.KindHello || msg.EnclaveID != "enclave-1" {
				return errors.New("unexpected opening frame")
			}
			if err := w.WriteMessage(wire.HelloAck("2.0")); err != nil {
				return err
			}
			for i, register := range interfaces.MeasurementRegisters {
				msg, err := r.ReadMessage()
				if err != nil {
					return err
				}
				if msg.Kind != wire.KindMeasurement || msg.Register != register || msg.Digest != digests[i] {
					return errors.New("measurement out of order")
				}
				if err := w.WriteMessage(wire.MeasurementAck(msg.Register, msg.Digest)); err != nil {
					return err
				}
			}
			return nil
		}()
	}()

	err := agent.Handshake(context.Background(), attestation.StaticProvider{Digests: digests})
	require.NoError(t, err)
	require.NoError(t, <-serverErr)
}

func TestHandshakeRejectsBadAck(t *testing.T) {
	agent, r, w := connectedAgent(t)
	digests := testDigests()

	go func() {
		_, _ = r.ReadMessage()
		_ = w.WriteMessage(wire.HelloAck("2.0"))
		msg, _ := r.ReadMessage()
		// Echo a different digest than the one submitted.
		_ = w.WriteMessage(wire.MeasurementAck(msg.Register, strings.Repeat("f", interfaces.DigestHexLen)))
	}()

	err := agent.Handshake(context.Background(), attestation.StaticProvider{Digests: digests})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad ack")
}

func TestRunCorrelatesResponsesAndHeartbeats(t *testing.T) {
	agent, r, w := connectedAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	heartbeats := make(chan string, 16)
	go func() {
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				return
			}
			switch msg.Kind {
			case wire.KindHeartbeat:
				select {
				case heartbeats <- msg.State:
				default:
				}
			case wire.KindHTTPRequest:
				resp, _ := wire.NewHTTPResponse(msg.ID, wire.HTTPResponsePayload{
					Status: 200, Body: "pong",
				})
				_ = w.WriteMessage(resp)
			}
		}
	}()

	go agent.Run(ctx, func() string { return "RUNNING" })

	resp, err := agent.RequestHTTP(ctx, wire.HTTPRequestPayload{
		Method: "GET", URL: "https://s3.us-west-2.amazonaws.com/ping",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "pong", resp.Body)

	select {
	case state := <-heartbeats:
		assert.Equal(t, "RUNNING", state)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestTransferOutputCollectsUntilTerminal(t *testing.T) {
	agent, r, w := connectedAgent(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			msg, err := r.ReadMessage()
			if err != nil {
				return
			}
			if msg.Kind == wire.KindTransferRequest {
				_ = w.WriteMessage(wire.OutputLine("a"))
				_ = w.WriteMessage(wire.OutputLine("b"))
				_ = w.WriteMessage(wire.TransferTruncated(2))
			}
		}
	}()

	go agent.Run(ctx, func() string { return "RUNNING" })

	lines, truncated, err := agent.TransferOutput(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, lines)
	assert.True(t, truncated)
}

func TestRequestTimesOutWithoutResponse(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	agent, err := NewAgent(AgentConfig{
		EnclaveID:      interfaces.EnclaveID("enclave-1"),
		Dialer:         func() (net.Conn, error) { return client, nil },
		MaxAttempts:    1,
		RequestTimeout: 50 * time.Millisecond,
		Log:            testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, agent.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Server reads the request but never answers.
	go func() {
		r := wire.NewReader(server, 0)
		for {
			if _, err := r.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go agent.Run(ctx, func() string { return "RUNNING" })

	_, err = agent.RequestHTTP(ctx, wire.HTTPRequestPayload{Method: "GET", URL: "https://x.amazonaws.com/"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
