// Package wire defines the bridge message protocol between the enclave
// agent and the parent bridge.
//
// The wire format is line-oriented UTF-8 text: one logical message per
// line, recognized by its leading prefix. This framing is the contract
// with existing enclave images and is preserved verbatim. In process,
// messages are never handled as raw strings: the decoder maps each
// prefix to a tagged Message variant at the transport boundary, and the
// encoder maps variants back to lines.
//
// Message shapes:
//
//	HELLO <enclave-id> <image-ref>
//	HELLO_ACK <host-version>
//	MEASUREMENT <register>: <hex-digest>
//	MEASUREMENT_ACK <register>: <hex-digest>
//	REQUEST_OUTPUT
//	OUTPUT <line>
//	TRANSFER_COMPLETE
//	TRANSFER_TRUNCATED <sent-count>
//	LOG <level> <message>
//	HEARTBEAT <state>
//	ALL_OPERATIONS_COMPLETED
//	HTTP_REQUEST <id> <base64 JSON>
//	HTTP_RESPONSE <id> <base64 JSON>
//	KMS_REQUEST <id> <base64 JSON>
//	KMS_RESPONSE <id> <base64 JSON>
//	ERROR <detail>
//
// Request/response frames carry a correlation id and a base64-encoded
// JSON payload so the line framing never contains embedded delimiters.
// Peers that predate a prefix ignore it; decoding an unknown prefix is
// a per-connection error, never a listener-level one.
package wire
