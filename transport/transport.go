package transport

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

// Transport modes.
const (
	ModeVsock = "vsock"
	ModeTCP   = "tcp"
)

// Defaults matching the provisioning contract.
const (
	// DefaultPort is the fixed, pre-agreed vsock port.
	DefaultPort = 5000

	// DefaultHostCID is the parent instance's context id as seen from
	// inside the enclave.
	DefaultHostCID = 3
)

// Config selects the channel implementation and its addressing.
type Config struct {
	// Mode is ModeVsock or ModeTCP.
	Mode string

	// Port is the vsock port (listen and dial).
	Port uint32

	// HostCID is the context id the enclave dials.
	HostCID uint32

	// TCPAddr is the host:port used in TCP mode for both listening and
	// dialing.
	TCPAddr string
}

// WithDefaults fills zero values with the provisioning-contract
// defaults.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeVsock
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.HostCID == 0 {
		c.HostCID = DefaultHostCID
	}
	if c.TCPAddr == "" {
		c.TCPAddr = fmt.Sprintf("127.0.0.1:%d", c.Port)
	}
	return c
}

// Listen binds the parent side of the channel on the wildcard local
// context. Returns interfaces.ErrPortBound if the port is taken.
func Listen(cfg Config) (net.Listener, error) {
	cfg = cfg.WithDefaults()

	var (
		ln  net.Listener
		err error
	)
	switch cfg.Mode {
	case ModeVsock:
		ln, err = vsock.Listen(cfg.Port, nil)
	case ModeTCP:
		ln, err = net.Listen("tcp", cfg.TCPAddr)
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrPortBound, err)
		}
		return nil, fmt.Errorf("binding %s listener: %w", cfg.Mode, err)
	}
	return ln, nil
}

// Dial connects the enclave side of the channel to the parent. One
// attempt; the agent owns the retry loop.
func Dial(cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()

	switch cfg.Mode {
	case ModeVsock:
		conn, err := vsock.Dial(cfg.HostCID, cfg.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("dialing vsock cid %d port %d: %w", cfg.HostCID, cfg.Port, err)
		}
		return conn, nil
	case ModeTCP:
		conn, err := net.Dial("tcp", cfg.TCPAddr)
		if err != nil {
			return nil, fmt.Errorf("dialing tcp %s: %w", cfg.TCPAddr, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown transport mode %q", cfg.Mode)
	}
}

// Dialer is the connect function the agent retries. Tests substitute
// their own.
type Dialer func() (net.Conn, error)

// NewDialer binds a Config into a Dialer.
func NewDialer(cfg Config) Dialer {
	return func() (net.Conn, error) { return Dial(cfg) }
}
