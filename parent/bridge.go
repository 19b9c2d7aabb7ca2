package parent

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/metrics"
	"github.com/treza-labs/enclave-bridge/transport"
	"github.com/treza-labs/enclave-bridge/wire"
)

// HostVersion identifies the parent protocol implementation in the
// handshake acknowledgement.
const HostVersion = "2.0"

// Config configures the parent bridge.
type Config struct {
	EnclaveID interfaces.EnclaveID
	Transport transport.Config

	// ReadTimeout bounds the wait for the next frame on an open
	// connection so a silent peer cannot leak its handler.
	ReadTimeout time.Duration

	// MaxLineBytes bounds one wire line.
	MaxLineBytes int

	// MaxTransferLines caps a single output transfer; hitting the cap
	// emits an explicit truncation marker.
	MaxTransferLines int

	// OutputBufferLines bounds the per-connection ring of buffered
	// workload output available for transfer replay.
	OutputBufferLines int

	// AllowedServices is the permitted AWS service set enforced by the
	// egress forwarders. Empty denies all egress.
	AllowedServices []string

	Log     *slog.Logger
	Sink    interfaces.LogSink
	Status  interfaces.StatusRegister
	Metrics *metrics.Metrics

	// Forwarder handles HTTP/KMS egress. Optional; nil rejects egress
	// frames with an error payload.
	Forwarder *Forwarder
}

func (cfg Config) withDefaults() Config {
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.MaxLineBytes == 0 {
		cfg.MaxLineBytes = wire.DefaultMaxLineBytes
	}
	if cfg.MaxTransferLines == 0 {
		cfg.MaxTransferLines = 20
	}
	if cfg.OutputBufferLines == 0 {
		cfg.OutputBufferLines = 1000
	}
	return cfg
}

// Bridge is the host-side listener and relay supervisor.
type Bridge struct {
	cfg Config
	log *slog.Logger

	ln      net.Listener
	connSeq atomic.Uint64
	closing atomic.Bool
	wg      sync.WaitGroup
}

// New creates a parent bridge. Listen must be called before Serve.
func New(cfg Config) (*Bridge, error) {
	cfg = cfg.withDefaults()
	if cfg.Sink == nil {
		return nil, errors.New("parent: log sink is required")
	}
	if cfg.Log == nil {
		return nil, errors.New("parent: logger is required")
	}
	return &Bridge{
		cfg: cfg,
		log: cfg.Log.With("component", "parent-bridge"),
	}, nil
}

// Listen binds the transport listener. A bound port is fatal: the
// enclave dials a fixed, pre-agreed port, so there is no fallback.
func (b *Bridge) Listen() error {
	ln, err := transport.Listen(b.cfg.Transport)
	if err != nil {
		return err
	}
	b.ln = ln
	b.log.Info("Listening for enclave sessions", "addr", ln.Addr().String())
	b.sinkSystem(context.Background(), "Parent bridge listening on "+ln.Addr().String())
	return nil
}

// ListenerForTest injects a pre-bound listener. Tests use loopback TCP.
func (b *Bridge) ListenerForTest(ln net.Listener) { b.ln = ln }

// Serve runs the accept loop until the listener closes or ctx is
// cancelled. Transient accept errors are logged and the loop
// continues: a single bad connection never terminates the listener.
func (b *Bridge) Serve(ctx context.Context) error {
	if b.ln == nil {
		return errors.New("parent: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		b.closing.Store(true)
		_ = b.ln.Close()
	}()

	for {
		conn, err := b.ln.Accept()
		if err != nil {
			if b.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			b.log.Warn("Accept failed, continuing", "err", err)
			continue
		}

		id := b.connSeq.Inc()
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.ConnectionsAccepted.Inc()
		}
		b.log.Info("Connection accepted", "conn", id, "peer", conn.RemoteAddr().String())

		h := newConnHandler(id, conn, b.cfg, b.log)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			h.run(ctx)
		}()
	}
}

// RunInBackground starts Serve on its own goroutine.
func (b *Bridge) RunInBackground(ctx context.Context) {
	go func() {
		if err := b.Serve(ctx); err != nil {
			b.log.Error("Bridge serve failed", "err", err)
		}
	}()
}

// Shutdown closes the listener and waits for in-flight handlers to
// drain their final log writes, bounded by ctx.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.closing.Store(true)
	if b.ln != nil {
		_ = b.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.log.Info("All connection handlers drained")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) sinkSystem(ctx context.Context, msg string) {
	err := b.cfg.Sink.Write(ctx, interfaces.LogEvent{
		Stream:    interfaces.StreamSystem,
		Timestamp: time.Now(),
		Message:   msg,
	})
	if err != nil {
		b.log.Warn("System log write failed", "err", err)
	}
}
