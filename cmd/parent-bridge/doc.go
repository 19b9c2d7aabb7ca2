// Package main (cmd/parent-bridge) implements the host-side bridge for
// a network-isolated Nitro enclave.
//
// The bridge listens on a fixed vsock port for the enclave's outbound
// connection and relays everything the enclave cannot do itself:
// attestation evidence lands in the CloudWatch log sink, workload state
// is projected into an SSM status parameter, log lines are mirrored
// into per-purpose log streams, and HTTP/KMS egress requests are
// executed against AWS on the enclave's behalf, gated by the permitted
// service set.
//
// A bound listen port is fatal at startup: the enclave dials a fixed,
// pre-agreed port, so there is no fallback address. At runtime a single
// misbehaving connection only ever costs that connection.
//
// Example usage on the parent instance:
//
//	parent-bridge --enclave-id=enclave-7f3a \
//	    --allowed-services=kms,s3 \
//	    --region=us-west-2
//
// Local development against a TCP loopback transport, with no AWS
// clients:
//
//	parent-bridge --enclave-id=dev --local --transport=tcp --tcp-addr=127.0.0.1:5000
package main
