// Package main (cmd/enclave-supervisor) is the init process of the
// enclave image. It resolves the workload manifest from the boot
// environment (or a YAML file), establishes the bridge connection to
// the parent with a bounded retry budget, submits attestation
// evidence, and then supervises the user workload according to its
// type: batch runs once, service is health-checked and restarted
// within a budget, daemon is restarted indefinitely.
//
// Alongside supervision it serves three loopback endpoints for the
// workload: a health endpoint on 127.0.0.1:8888, an HTTP forward
// proxy on 127.0.0.1:3128 and a KMS API on 127.0.0.1:8000, the latter
// two tunneling over the bridge because the enclave has no network
// interface of its own.
//
// Exit codes: 0 on a clean terminal state, 1 on a fatal boot error
// (bad manifest, no user command, failed handshake, failed workload),
// 2 when the connect retry budget is exhausted.
//
// Example usage as the image entrypoint:
//
//	ENCLAVE_ID=enclave-7f3a TREZA_WORKLOAD_TYPE=service \
//	    TREZA_USER_CMD="python3 serve.py" TREZA_EXPOSED_PORTS=8080 \
//	    enclave-supervisor --log-json
package main
