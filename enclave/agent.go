package enclave

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"

	"github.com/treza-labs/enclave-bridge/attestation"
	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/transport"
	"github.com/treza-labs/enclave-bridge/wire"
)

// AgentConfig configures the enclave agent. Every bound is
// configuration, not a constant: deployments tune them through the
// supervisor's flags.
type AgentConfig struct {
	EnclaveID interfaces.EnclaveID
	ImageRef  string

	Dialer transport.Dialer

	// MaxAttempts bounds the connect retry loop. Exhaustion is fatal
	// for the enclave.
	MaxAttempts int

	// RetryBackoff is the fixed wait between connect attempts.
	RetryBackoff time.Duration

	// RequestTimeout bounds one synchronous exchange (handshake ack,
	// measurement ack, correlated response).
	RequestTimeout time.Duration

	// TransferTimeout bounds the whole output transfer.
	TransferTimeout time.Duration

	// HeartbeatInterval drives the supervision heartbeat loop.
	HeartbeatInterval time.Duration

	MaxLineBytes int

	Log *slog.Logger
}

func (cfg AgentConfig) withDefaults() AgentConfig {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 30
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 15 * time.Second
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.TransferTimeout == 0 {
		cfg.TransferTimeout = 60 * time.Second
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return cfg
}

// Agent owns the enclave's single connection to the parent bridge.
type Agent struct {
	cfg AgentConfig
	log *slog.Logger

	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	connected atomic.Bool
	reqSeq    atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan wire.Message

	transferMu sync.Mutex
	transfer   chan wire.Message
}

// NewAgent creates an agent. Connect must succeed before anything else
// inside the enclave is allowed to run.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	cfg = cfg.withDefaults()
	if cfg.Dialer == nil {
		return nil, errors.New("agent: dialer is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("agent: logger is required")
	}
	return &Agent{
		cfg:     cfg,
		log:     cfg.Log.With("component", "agent"),
		pending: make(map[string]chan wire.Message),
	}, nil
}

// Connect dials the parent with the bounded retry budget: up to
// MaxAttempts attempts separated by the fixed RetryBackoff. On
// exhaustion it returns interfaces.ErrRetryBudgetExhausted; the
// enclave has no other path to its host and must abort startup.
func (a *Agent) Connect(ctx context.Context) error {
	attempts := 0
	operation := func() error {
		attempts++
		conn, err := a.cfg.Dialer()
		if err != nil {
			a.log.Warn("Connect attempt failed",
				"attempt", attempts, "max", a.cfg.MaxAttempts, "err", err)
			return err
		}
		a.conn = conn
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(a.cfg.RetryBackoff),
			uint64(a.cfg.MaxAttempts-1),
		),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return fmt.Errorf("%w: %d attempts: %v", interfaces.ErrRetryBudgetExhausted, attempts, err)
	}

	a.r = wire.NewReader(a.conn, a.cfg.MaxLineBytes)
	a.w = wire.NewWriter(a.conn)
	a.connected.Store(true)
	a.log.Info("Connected to parent", "attempt", attempts, "peer", a.conn.RemoteAddr().String())
	return nil
}

// Connected reports whether the bridge connection is up.
func (a *Agent) Connected() bool { return a.connected.Load() }

// Close tears down the connection.
func (a *Agent) Close() {
	a.connected.Store(false)
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

// Handshake announces the enclave and submits its measurement
// registers in the fixed order, verifying each acknowledgement echo.
func (a *Agent) Handshake(ctx context.Context, provider attestation.Provider) error {
	if err := a.w.WriteMessage(wire.Hello(a.cfg.EnclaveID, a.cfg.ImageRef)); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}
	ack, err := a.readSync()
	if err != nil {
		return fmt.Errorf("awaiting handshake ack: %w", err)
	}
	if ack.Kind != wire.KindHelloAck {
		return fmt.Errorf("expected HELLO_ACK, got %s", ack.Kind)
	}
	a.log.Info("Handshake acknowledged", "hostVersion", ack.HostVersion)

	digests, err := provider.Measurements()
	if err != nil {
		return fmt.Errorf("reading measurements: %w", err)
	}
	for i, register := range interfaces.MeasurementRegisters {
		if err := a.w.WriteMessage(wire.Measurement(register, digests[i])); err != nil {
			return fmt.Errorf("sending %s: %w", register, err)
		}
		ack, err := a.readSync()
		if err != nil {
			return fmt.Errorf("awaiting %s ack: %w", register, err)
		}
		if ack.Kind != wire.KindMeasurementAck || ack.Register != register || ack.Digest != digests[i] {
			return fmt.Errorf("bad ack for %s", register)
		}
	}
	a.log.Info("Attestation evidence submitted", "registers", len(digests))
	return nil
}

// TransferOutput requests the buffered workload output from the parent
// and consumes the stream until its terminal marker. Returns the lines
// and whether the transfer was truncated at the parent's cap. Requires
// the Run dispatcher; the wait is bounded by TransferTimeout.
func (a *Agent) TransferOutput(ctx context.Context) (lines []string, truncated bool, err error) {
	ch := make(chan wire.Message, 64)
	a.transferMu.Lock()
	if a.transfer != nil {
		a.transferMu.Unlock()
		return nil, false, errors.New("output transfer already in progress")
	}
	a.transfer = ch
	a.transferMu.Unlock()
	defer func() {
		a.transferMu.Lock()
		a.transfer = nil
		a.transferMu.Unlock()
	}()

	if err := a.w.WriteMessage(wire.TransferRequest()); err != nil {
		return nil, false, fmt.Errorf("requesting output transfer: %w", err)
	}

	timer := time.NewTimer(a.cfg.TransferTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return lines, false, errors.New("connection closed during output transfer")
			}
			switch msg.Kind {
			case wire.KindOutputLine:
				lines = append(lines, msg.Line)
			case wire.KindTransferComplete:
				return lines, false, nil
			case wire.KindTransferTruncated:
				a.log.Warn("Output transfer truncated by parent", "sent", msg.Sent)
				return lines, true, nil
			}
		case <-timer.C:
			return lines, false, fmt.Errorf("output transfer timed out after %s", a.cfg.TransferTimeout)
		case <-ctx.Done():
			return lines, false, ctx.Err()
		}
	}
}

// Complete sends the final all-operations marker.
func (a *Agent) Complete() error {
	return a.w.WriteMessage(wire.Completed())
}

// SendLog relays one log line to the parent for the sink. Best effort:
// a lost log line never fails the caller.
func (a *Agent) SendLog(level, text string) {
	if !a.connected.Load() {
		return
	}
	if err := a.w.WriteMessage(wire.Log(level, text)); err != nil {
		a.log.Debug("Log relay failed", "err", err)
	}
}

// SendHeartbeat relays the current workload state.
func (a *Agent) SendHeartbeat(state string) {
	if !a.connected.Load() {
		return
	}
	if err := a.w.WriteMessage(wire.Heartbeat(state)); err != nil {
		a.log.Debug("Heartbeat relay failed", "err", err)
	}
}

// Run starts the response dispatcher and the heartbeat loop, holding
// the connection open for the supervision period. stateFn supplies the
// heartbeat's workload state. Returns when ctx is cancelled or the
// connection drops.
func (a *Agent) Run(ctx context.Context, stateFn func() string) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		a.dispatch(ctx)
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.SendHeartbeat(stateFn())
			}
		}
	}()

	wg.Wait()
}

// dispatch reads frames from the parent and routes correlated
// responses to their waiters.
func (a *Agent) dispatch(ctx context.Context) {
	// Unblock pending reads when the context ends.
	stop := context.AfterFunc(ctx, func() {
		a.connected.Store(false)
		_ = a.conn.Close()
	})
	defer stop()

	// No deadline here: the connection stays open for the enclave's
	// whole supervision period.
	_ = a.conn.SetReadDeadline(time.Time{})

	for {
		msg, err := a.r.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				a.log.Error("Parent connection lost", "err", err)
			}
			a.connected.Store(false)
			a.failPending(err)
			return
		}

		switch msg.Kind {
		case wire.KindHTTPResponse, wire.KindKMSResponse:
			a.resolve(msg)
		case wire.KindOutputLine, wire.KindTransferComplete, wire.KindTransferTruncated:
			a.routeTransfer(msg)
		case wire.KindError:
			a.log.Warn("Parent reported error", "detail", msg.Text)
		default:
			a.log.Debug("Ignoring unexpected frame", "kind", msg.Kind.String())
		}
	}
}

// Request sends a correlated frame and waits for its response, bounded
// by RequestTimeout.
func (a *Agent) Request(ctx context.Context, build func(id string) (wire.Message, error)) (wire.Message, error) {
	id := fmt.Sprintf("req-%d", a.reqSeq.Inc())
	msg, err := build(id)
	if err != nil {
		return wire.Message{}, err
	}

	ch := make(chan wire.Message, 1)
	a.pendingMu.Lock()
	a.pending[id] = ch
	a.pendingMu.Unlock()
	defer func() {
		a.pendingMu.Lock()
		delete(a.pending, id)
		a.pendingMu.Unlock()
	}()

	if err := a.w.WriteMessage(msg); err != nil {
		return wire.Message{}, fmt.Errorf("sending %s: %w", msg.Kind, err)
	}

	timer := time.NewTimer(a.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return wire.Message{}, errors.New("connection closed awaiting response")
		}
		return resp, nil
	case <-timer.C:
		return wire.Message{}, fmt.Errorf("request %s timed out after %s", id, a.cfg.RequestTimeout)
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

// RequestHTTP tunnels one outbound HTTP call through the parent.
func (a *Agent) RequestHTTP(ctx context.Context, p wire.HTTPRequestPayload) (wire.HTTPResponsePayload, error) {
	resp, err := a.Request(ctx, func(id string) (wire.Message, error) {
		return wire.NewHTTPRequest(id, p)
	})
	if err != nil {
		return wire.HTTPResponsePayload{}, err
	}
	var out wire.HTTPResponsePayload
	if err := resp.UnmarshalPayload(&out); err != nil {
		return wire.HTTPResponsePayload{}, err
	}
	return out, nil
}

// RequestKMS tunnels one KMS operation through the parent.
func (a *Agent) RequestKMS(ctx context.Context, p wire.KMSRequestPayload) (wire.KMSResponsePayload, error) {
	resp, err := a.Request(ctx, func(id string) (wire.Message, error) {
		return wire.NewKMSRequest(id, p)
	})
	if err != nil {
		return wire.KMSResponsePayload{}, err
	}
	var out wire.KMSResponsePayload
	if err := resp.UnmarshalPayload(&out); err != nil {
		return wire.KMSResponsePayload{}, err
	}
	return out, nil
}

func (a *Agent) resolve(msg wire.Message) {
	a.pendingMu.Lock()
	ch, ok := a.pending[msg.ID]
	if ok {
		delete(a.pending, msg.ID)
	}
	a.pendingMu.Unlock()
	if ok {
		ch <- msg
	} else {
		a.log.Debug("Response without waiter", "id", msg.ID)
	}
}

func (a *Agent) routeTransfer(msg wire.Message) {
	a.transferMu.Lock()
	ch := a.transfer
	a.transferMu.Unlock()
	if ch == nil {
		a.log.Debug("Transfer frame without active transfer", "kind", msg.Kind.String())
		return
	}
	ch <- msg
}

func (a *Agent) failPending(err error) {
	a.pendingMu.Lock()
	for id, ch := range a.pending {
		close(ch)
		delete(a.pending, id)
	}
	a.pendingMu.Unlock()

	a.transferMu.Lock()
	if a.transfer != nil {
		close(a.transfer)
		a.transfer = nil
	}
	a.transferMu.Unlock()
}

// readSync reads the next frame with the request timeout applied.
func (a *Agent) readSync() (wire.Message, error) {
	if err := a.conn.SetReadDeadline(time.Now().Add(a.cfg.RequestTimeout)); err != nil {
		return wire.Message{}, err
	}
	return a.r.ReadMessage()
}
