package parent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/wire"
)

// connHandler owns one accepted connection for its whole lifetime. No
// state here is shared with other connections; the log sink serializes
// per stream internally.
type connHandler struct {
	id   uint64
	conn net.Conn
	cfg  Config
	log  *slog.Logger

	r *wire.Reader
	w *wire.Writer

	handshaken   bool
	peerID       string
	imageRef     string
	nextRegister int
	record       *interfaces.AttestationRecord

	output *outputBuffer

	// egress forwarding runs concurrently with the read loop
	egress sync.WaitGroup
}

func newConnHandler(id uint64, conn net.Conn, cfg Config, log *slog.Logger) *connHandler {
	return &connHandler{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		log:    log.With("conn", id, "peer", conn.RemoteAddr().String()),
		r:      wire.NewReader(conn, cfg.MaxLineBytes),
		w:      wire.NewWriter(conn),
		output: newOutputBuffer(cfg.OutputBufferLines),
	}
}

func (h *connHandler) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.egress.Wait()
		_ = h.conn.Close()
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.ConnectionsClosed.Inc()
		}
		h.sink(context.Background(), interfaces.StreamSystem, "Enclave connection closed")
		h.log.Info("Connection closed")
	}()

	h.sink(ctx, interfaces.StreamSystem,
		fmt.Sprintf("Enclave connected from %s", h.conn.RemoteAddr()))

	for {
		if err := h.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout)); err != nil {
			h.log.Warn("Setting read deadline failed", "err", err)
			return
		}

		msg, err := h.r.ReadMessage()
		if err != nil {
			h.readFailed(ctx, err)
			return
		}
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.FramesRelayed.Inc()
		}

		if err := h.dispatch(ctx, msg); err != nil {
			h.protocolViolation(ctx, err)
			return
		}
	}
}

// readFailed classifies the end of the read loop. Only this connection
// is affected, whatever the cause.
func (h *connHandler) readFailed(ctx context.Context, err error) {
	switch {
	case errors.Is(err, io.EOF):
		// clean close from the peer
	case errors.Is(err, interfaces.ErrMalformedMessage):
		h.protocolViolation(ctx, err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			h.log.Warn("Peer idle beyond read timeout, closing", "timeout", h.cfg.ReadTimeout)
			h.sink(ctx, interfaces.StreamErrors, "Connection read timeout")
			return
		}
		h.log.Warn("Connection read failed", "err", err)
		h.sink(ctx, interfaces.StreamErrors, "Connection error: "+err.Error())
	}
}

func (h *connHandler) protocolViolation(ctx context.Context, err error) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ProtocolErrors.Inc()
	}
	h.log.Warn("Protocol violation, closing connection", "err", err)
	h.sink(ctx, interfaces.StreamErrors, "Protocol violation: "+err.Error())
	_ = h.w.WriteMessage(wire.ProtocolError(err.Error()))
}

func (h *connHandler) dispatch(ctx context.Context, msg wire.Message) error {
	if !h.handshaken && msg.Kind != wire.KindHello {
		return fmt.Errorf("%w: got %s first", interfaces.ErrHandshakeRequired, msg.Kind)
	}

	switch msg.Kind {
	case wire.KindHello:
		return h.handleHello(ctx, msg)
	case wire.KindMeasurement:
		return h.handleMeasurement(ctx, msg)
	case wire.KindLog:
		h.handleLog(ctx, msg)
		return nil
	case wire.KindTransferRequest:
		return h.handleTransfer(ctx)
	case wire.KindHeartbeat:
		h.handleHeartbeat(ctx, msg)
		return nil
	case wire.KindCompleted:
		h.sink(ctx, interfaces.StreamSystem,
			fmt.Sprintf("All operations completed for %s", h.peerID))
		return nil
	case wire.KindHTTPRequest:
		h.forwardHTTP(ctx, msg)
		return nil
	case wire.KindKMSRequest:
		h.forwardKMS(ctx, msg)
		return nil
	case wire.KindError:
		h.log.Warn("Peer reported error", "detail", msg.Text)
		h.sink(ctx, interfaces.StreamErrors, "Peer error: "+msg.Text)
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s from enclave", interfaces.ErrMalformedMessage, msg.Kind)
	}
}

func (h *connHandler) handleHello(ctx context.Context, msg wire.Message) error {
	if h.handshaken {
		return fmt.Errorf("%w: duplicate HELLO", interfaces.ErrMalformedMessage)
	}
	h.handshaken = true
	h.peerID = msg.EnclaveID
	h.imageRef = msg.ImageRef

	if h.cfg.EnclaveID != "" && msg.EnclaveID != h.cfg.EnclaveID.String() {
		h.log.Warn("Handshake enclave id differs from configured id",
			"handshake", msg.EnclaveID, "configured", h.cfg.EnclaveID)
	}

	h.sink(ctx, interfaces.StreamSystem,
		fmt.Sprintf("Handshake from %s image=%s", msg.EnclaveID, msg.ImageRef))
	return h.w.WriteMessage(wire.HelloAck(HostVersion))
}

// handleMeasurement records one attestation register. Registers must
// arrive in the fixed submission order, exactly once each.
func (h *connHandler) handleMeasurement(ctx context.Context, msg wire.Message) error {
	if h.nextRegister >= len(interfaces.MeasurementRegisters) {
		return fmt.Errorf("%w: measurement after record complete", interfaces.ErrMalformedMessage)
	}
	expected := interfaces.MeasurementRegisters[h.nextRegister]
	if msg.Register != expected {
		return fmt.Errorf("%w: got register %s, expected %s",
			interfaces.ErrMalformedMessage, msg.Register, expected)
	}

	if h.record == nil {
		h.record = &interfaces.AttestationRecord{
			EnclaveID: interfaces.EnclaveID(h.peerID),
		}
	}
	h.record.Digests = append(h.record.Digests, msg.Digest)
	h.nextRegister++

	h.sink(ctx, interfaces.StreamAttestation,
		fmt.Sprintf("%s: %s", msg.Register, msg.Digest))

	if h.record.Complete() {
		h.record.CapturedAt = time.Now()
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.AttestationRecords.Inc()
		}
		h.sink(ctx, interfaces.StreamSystem,
			fmt.Sprintf("Attestation record complete for %s (%d registers)",
				h.peerID, len(h.record.Digests)))
	}

	return h.w.WriteMessage(wire.MeasurementAck(msg.Register, msg.Digest))
}

// handleLog mirrors an enclave log line into the sink and buffers
// application output for later transfer replay.
func (h *connHandler) handleLog(ctx context.Context, msg wire.Message) {
	stream := interfaces.StreamSystem
	if strings.HasPrefix(msg.Level, "app") {
		stream = interfaces.StreamApplication
		h.output.append(msg.Text)
	}
	h.sink(ctx, stream, fmt.Sprintf("[%s] %s", strings.ToUpper(msg.Level), msg.Text))
}

// handleTransfer replays the buffered workload output, one line per
// message, each mirrored into the sink. The transfer always ends with
// a terminal marker: TRANSFER_COMPLETE, or TRANSFER_TRUNCATED once the
// configured cap is reached.
func (h *connHandler) handleTransfer(ctx context.Context) error {
	lines := h.output.snapshot()
	sent := 0
	for _, line := range lines {
		if sent >= h.cfg.MaxTransferLines {
			if h.cfg.Metrics != nil {
				h.cfg.Metrics.TransfersTruncated.Inc()
			}
			h.sink(ctx, interfaces.StreamSystem,
				fmt.Sprintf("Output transfer truncated at %d lines", sent))
			return h.w.WriteMessage(wire.TransferTruncated(sent))
		}
		if err := h.w.WriteMessage(wire.OutputLine(line)); err != nil {
			return fmt.Errorf("streaming output: %w", err)
		}
		h.sink(ctx, interfaces.StreamApplication, interfaces.ApplicationTag+" "+line)
		sent++
	}
	h.sink(ctx, interfaces.StreamSystem,
		fmt.Sprintf("Output transfer complete (%d lines)", sent))
	return h.w.WriteMessage(wire.TransferComplete())
}

// handleHeartbeat projects the supervisor's workload state into the
// health stream and the status register.
func (h *connHandler) handleHeartbeat(ctx context.Context, msg wire.Message) {
	h.sink(ctx, interfaces.StreamHealth, "Heartbeat: state="+msg.State)
	if h.cfg.Status != nil && h.peerID != "" {
		if err := h.cfg.Status.Set(ctx, interfaces.EnclaveID(h.peerID), msg.State); err != nil {
			h.log.Debug("Status register update failed", "err", err)
		}
	}
}

func (h *connHandler) forwardHTTP(ctx context.Context, msg wire.Message) {
	h.egress.Add(1)
	go func() {
		defer h.egress.Done()
		var req wire.HTTPRequestPayload
		resp := wire.HTTPResponsePayload{Status: 502, Body: "parent: egress unavailable"}
		if err := msg.UnmarshalPayload(&req); err != nil {
			resp.Body = "parent: " + err.Error()
		} else if h.cfg.Forwarder != nil {
			resp = h.cfg.Forwarder.ForwardHTTP(ctx, req)
		}
		out, err := wire.NewHTTPResponse(msg.ID, resp)
		if err == nil {
			err = h.w.WriteMessage(out)
		}
		if err != nil {
			h.log.Warn("HTTP response write failed", "id", msg.ID, "err", err)
		}
	}()
}

func (h *connHandler) forwardKMS(ctx context.Context, msg wire.Message) {
	h.egress.Add(1)
	go func() {
		defer h.egress.Done()
		var req wire.KMSRequestPayload
		resp := wire.KMSResponsePayload{Error: "parent: KMS egress unavailable"}
		if err := msg.UnmarshalPayload(&req); err != nil {
			resp = wire.KMSResponsePayload{Error: "parent: " + err.Error()}
		} else if h.cfg.Forwarder != nil {
			resp = h.cfg.Forwarder.ForwardKMS(ctx, req)
		}
		out, err := wire.NewKMSResponse(msg.ID, resp)
		if err == nil {
			err = h.w.WriteMessage(out)
		}
		if err != nil {
			h.log.Warn("KMS response write failed", "id", msg.ID, "err", err)
		}
	}()
}

// sink writes one event; sink failures are diagnostic only and never
// abort the session.
func (h *connHandler) sink(ctx context.Context, stream, message string) {
	err := h.cfg.Sink.Write(ctx, interfaces.LogEvent{
		Stream:    stream,
		Timestamp: time.Now(),
		Message:   message,
	})
	if err != nil {
		h.log.Debug("Log sink write failed", "stream", stream, "err", err)
	}
}

// outputBuffer is a bounded ring of workload output lines.
type outputBuffer struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newOutputBuffer(max int) *outputBuffer {
	return &outputBuffer{max: max}
}

func (o *outputBuffer) append(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, line)
	if len(o.lines) > o.max {
		o.lines = o.lines[len(o.lines)-o.max:]
	}
}

func (o *outputBuffer) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.lines))
	copy(out, o.lines)
	return out
}
