// Package paramstore implements the lifecycle status register: a
// single string value per enclave identifier, updated at each major
// milestone and polled by external orchestration.
//
// The production implementation writes SSM parameters under
// /treza/enclave/<id>/status. The register is a best-effort side
// channel, not a source of truth: write failures are logged and
// swallowed, never propagated into the lifecycle they describe.
package paramstore
