// Package transport provides the host/guest socket channel used by the
// bridge: AF_VSOCK in production, TCP loopback for development and
// tests.
//
// The parent listens on the wildcard local context at a fixed,
// pre-agreed port (default 5000); the enclave always dials the fixed
// well-known host context id. A port that is already bound is fatal
// (interfaces.ErrPortBound): the listener must never drift to another
// port, because the enclave has no way to discover it.
package transport
