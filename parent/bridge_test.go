package parent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/logsink"
	"github.com/treza-labs/enclave-bridge/paramstore"
	"github.com/treza-labs/enclave-bridge/wire"
)

func testDigest(prefix byte) string {
	return strings.Repeat(string(prefix), interfaces.DigestHexLen)
}

type bridgeFixture struct {
	addr   string
	sink   *logsink.MemorySink
	status *paramstore.MemoryRegister
	bridge *Bridge
	cancel context.CancelFunc
}

func startBridge(t *testing.T, mutate func(*Config)) *bridgeFixture {
	t.Helper()

	sink := logsink.NewMemorySink()
	status := paramstore.NewMemoryRegister()
	cfg := Config{
		EnclaveID:   interfaces.EnclaveID("enclave-1"),
		ReadTimeout: 2 * time.Second,
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sink:        sink,
		Status:      status,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	bridge, err := New(cfg)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	bridge.ListenerForTest(ln)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = bridge.Serve(ctx) }()

	f := &bridgeFixture{
		addr:   ln.Addr().String(),
		sink:   sink,
		status: status,
		bridge: bridge,
		cancel: cancel,
	}
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = bridge.Shutdown(shutdownCtx)
	})
	return f
}

type testClient struct {
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer
}

func dialBridge(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &testClient{conn: conn, r: wire.NewReader(conn, 0), w: wire.NewWriter(conn)}
}

func (c *testClient) send(t *testing.T, m wire.Message) {
	t.Helper()
	require.NoError(t, c.w.WriteMessage(m))
}

func (c *testClient) recv(t *testing.T) wire.Message {
	t.Helper()
	msg, err := c.r.ReadMessage()
	require.NoError(t, err)
	return msg
}

func (c *testClient) handshake(t *testing.T, id string) {
	t.Helper()
	c.send(t, wire.Hello(interfaces.EnclaveID(id), "img:v1"))
	ack := c.recv(t)
	require.Equal(t, wire.KindHelloAck, ack.Kind)
	require.Equal(t, HostVersion, ack.HostVersion)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSessionHandshakeAndMeasurements(t *testing.T) {
	f := startBridge(t, nil)
	c := dialBridge(t, f.addr)

	c.handshake(t, "enclave-1")

	digests := []string{testDigest('a'), testDigest('b'), testDigest('c')}
	for i, register := range interfaces.MeasurementRegisters {
		c.send(t, wire.Measurement(register, digests[i]))
		ack := c.recv(t)
		assert.Equal(t, wire.KindMeasurementAck, ack.Kind)
		assert.Equal(t, register, ack.Register)
		assert.Equal(t, digests[i], ack.Digest)
	}

	waitFor(t, func() bool {
		return len(f.sink.Stream(interfaces.StreamAttestation)) == 3
	})
	attestation := f.sink.Stream(interfaces.StreamAttestation)
	assert.Equal(t, "PCR0: "+digests[0], attestation[0])
	assert.Equal(t, "PCR1: "+digests[1], attestation[1])
	assert.Equal(t, "PCR2: "+digests[2], attestation[2])
}

func TestMeasurementOutOfOrderClosesConnection(t *testing.T) {
	f := startBridge(t, nil)
	c := dialBridge(t, f.addr)
	c.handshake(t, "enclave-1")

	// PCR1 before PCR0 violates the fixed submission order.
	c.send(t, wire.Measurement("PCR1", testDigest('b')))

	msg := c.recv(t)
	assert.Equal(t, wire.KindError, msg.Kind)

	_, err := c.r.ReadMessage()
	assert.Error(t, err) // connection closed

	waitFor(t, func() bool {
		return len(f.sink.Stream(interfaces.StreamErrors)) > 0
	})
}

func TestMessagesBeforeHandshakeRejected(t *testing.T) {
	f := startBridge(t, nil)
	c := dialBridge(t, f.addr)

	c.send(t, wire.Heartbeat("RUNNING"))
	msg := c.recv(t)
	assert.Equal(t, wire.KindError, msg.Kind)

	_, err := c.r.ReadMessage()
	assert.Error(t, err)
	_ = f
}

func TestOutputTransferRoundTrip(t *testing.T) {
	f := startBridge(t, nil)
	c := dialBridge(t, f.addr)
	c.handshake(t, "enclave-1")

	for _, line := range []string{"a", "b", "c"} {
		c.send(t, wire.Log("app", line))
	}
	// Logs are processed in order, so the transfer below observes all
	// three buffered lines.
	c.send(t, wire.TransferRequest())

	var got []string
	for {
		msg := c.recv(t)
		if msg.Kind == wire.KindTransferComplete {
			break
		}
		require.Equal(t, wire.KindOutputLine, msg.Kind)
		got = append(got, msg.Line)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)

	// Every replayed line is mirrored into the application stream with
	// the application tag, after the original log mirror.
	waitFor(t, func() bool {
		return len(f.sink.Stream(interfaces.StreamApplication)) == 6
	})
	app := f.sink.Stream(interfaces.StreamApplication)
	assert.Contains(t, app, interfaces.ApplicationTag+" a")
	assert.Contains(t, app, interfaces.ApplicationTag+" c")
}

func TestOutputTransferTruncatesAtCap(t *testing.T) {
	f := startBridge(t, func(cfg *Config) { cfg.MaxTransferLines = 3 })
	c := dialBridge(t, f.addr)
	c.handshake(t, "enclave-1")

	for i := 0; i < 5; i++ {
		c.send(t, wire.Log("app", fmt.Sprintf("line-%d", i)))
	}
	c.send(t, wire.TransferRequest())

	var got []string
	var terminal wire.Message
	for {
		msg := c.recv(t)
		if msg.Kind != wire.KindOutputLine {
			terminal = msg
			break
		}
		got = append(got, msg.Line)
	}

	assert.Equal(t, []string{"line-0", "line-1", "line-2"}, got)
	require.Equal(t, wire.KindTransferTruncated, terminal.Kind)
	assert.Equal(t, 3, terminal.Sent)
	_ = f
}

func TestHeartbeatUpdatesStatusRegister(t *testing.T) {
	f := startBridge(t, nil)
	c := dialBridge(t, f.addr)
	c.handshake(t, "enclave-1")

	c.send(t, wire.Heartbeat("RUNNING"))
	c.send(t, wire.Heartbeat("HEALTHY"))
	c.send(t, wire.Completed())

	waitFor(t, func() bool {
		return f.status.Get(interfaces.EnclaveID("enclave-1")) == "HEALTHY"
	})
	assert.Equal(t, []string{"RUNNING", "HEALTHY"},
		f.status.History(interfaces.EnclaveID("enclave-1")))

	waitFor(t, func() bool {
		return len(f.sink.Stream(interfaces.StreamHealth)) == 2
	})
}

func TestConnectionIsolation(t *testing.T) {
	f := startBridge(t, nil)

	// Connection A sends garbage and is closed with an error frame.
	bad := dialBridge(t, f.addr)
	_, err := bad.conn.Write([]byte("complete garbage\n"))
	require.NoError(t, err)
	msg := bad.recv(t)
	assert.Equal(t, wire.KindError, msg.Kind)

	// Connection B is unaffected and completes a full exchange.
	good := dialBridge(t, f.addr)
	good.handshake(t, "enclave-1")
	good.send(t, wire.Measurement("PCR0", testDigest('a')))
	ack := good.recv(t)
	assert.Equal(t, wire.KindMeasurementAck, ack.Kind)
}

func TestLogLinesRoutedByLevel(t *testing.T) {
	f := startBridge(t, nil)
	c := dialBridge(t, f.addr)
	c.handshake(t, "enclave-1")

	c.send(t, wire.Log("info", "supervisor ready"))
	c.send(t, wire.Log("app", "workload says hi"))
	c.send(t, wire.Log("app_err", "workload stderr"))

	waitFor(t, func() bool {
		return len(f.sink.Stream(interfaces.StreamApplication)) == 2
	})
	assert.Contains(t, f.sink.Stream(interfaces.StreamSystem), "[INFO] supervisor ready")
	app := f.sink.Stream(interfaces.StreamApplication)
	assert.Contains(t, app, "[APP] workload says hi")
	assert.Contains(t, app, "[APP_ERR] workload stderr")
}

func TestListenerClosedOnShutdown(t *testing.T) {
	f := startBridge(t, nil)

	c := dialBridge(t, f.addr)
	c.handshake(t, "enclave-1")
	_ = c.conn.Close()

	f.cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, f.bridge.Shutdown(shutdownCtx))

	_, err := net.DialTimeout("tcp", f.addr, 200*time.Millisecond)
	assert.Error(t, err)
}
