// Package enclave implements the guest side of the runtime bridge: the
// agent that establishes outbound trust with the parent, the
// supervisor that owns the workload lifecycle, and the local proxies
// that give the workload its only network path.
//
// Startup order inside the enclave is fixed. The supervisor runs
// first, resolves the workload manifest, and fails fast when there is
// nothing to supervise. The agent then dials the parent with a bounded
// retry budget, performs the handshake, submits the measurement
// registers in their fixed order, and holds the connection open under
// a heartbeat loop. Only then is the user workload launched, with the
// egress proxy environment injected so its outbound calls ride the
// bridge instead of a network path that does not exist. Once the
// workload reaches a terminal state the agent replays the buffered
// output through the parent and marks the session complete.
package enclave
