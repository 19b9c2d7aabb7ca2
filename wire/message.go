package wire

import (
	"fmt"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

// Kind discriminates the message variants of the bridge protocol.
type Kind int

const (
	KindHello Kind = iota
	KindHelloAck
	KindMeasurement
	KindMeasurementAck
	KindTransferRequest
	KindOutputLine
	KindTransferComplete
	KindTransferTruncated
	KindLog
	KindHeartbeat
	KindCompleted
	KindHTTPRequest
	KindHTTPResponse
	KindKMSRequest
	KindKMSResponse
	KindError
)

var kindNames = map[Kind]string{
	KindHello:             "HELLO",
	KindHelloAck:          "HELLO_ACK",
	KindMeasurement:       "MEASUREMENT",
	KindMeasurementAck:    "MEASUREMENT_ACK",
	KindTransferRequest:   "REQUEST_OUTPUT",
	KindOutputLine:        "OUTPUT",
	KindTransferComplete:  "TRANSFER_COMPLETE",
	KindTransferTruncated: "TRANSFER_TRUNCATED",
	KindLog:               "LOG",
	KindHeartbeat:         "HEARTBEAT",
	KindCompleted:         "ALL_OPERATIONS_COMPLETED",
	KindHTTPRequest:       "HTTP_REQUEST",
	KindHTTPResponse:      "HTTP_RESPONSE",
	KindKMSRequest:        "KMS_REQUEST",
	KindKMSResponse:       "KMS_RESPONSE",
	KindError:             "ERROR",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Message is the tagged in-process representation of one wire line.
// Only the fields relevant to the Kind are populated.
type Message struct {
	Kind Kind

	// Hello
	EnclaveID string
	ImageRef  string

	// HelloAck
	HostVersion string

	// Measurement, MeasurementAck
	Register string
	Digest   string

	// OutputLine
	Line string

	// Log (level + text), Error (text only)
	Level string
	Text  string

	// Heartbeat
	State string

	// TransferTruncated
	Sent int

	// HTTPRequest/HTTPResponse/KMSRequest/KMSResponse correlation id
	// and JSON payload (decoded from base64 on the wire).
	ID      string
	Payload []byte
}

// Hello builds the agent's opening announcement.
func Hello(id interfaces.EnclaveID, imageRef string) Message {
	return Message{Kind: KindHello, EnclaveID: id.String(), ImageRef: imageRef}
}

// HelloAck builds the parent's handshake acknowledgement.
func HelloAck(hostVersion string) Message {
	return Message{Kind: KindHelloAck, HostVersion: hostVersion}
}

// Measurement builds one attestation register submission.
func Measurement(register, digest string) Message {
	return Message{Kind: KindMeasurement, Register: register, Digest: digest}
}

// MeasurementAck builds the success marker echoing a recorded register.
func MeasurementAck(register, digest string) Message {
	return Message{Kind: KindMeasurementAck, Register: register, Digest: digest}
}

// TransferRequest builds the output transfer command.
func TransferRequest() Message { return Message{Kind: KindTransferRequest} }

// OutputLine builds one streamed workload output line.
func OutputLine(line string) Message { return Message{Kind: KindOutputLine, Line: line} }

// TransferComplete builds the terminal success marker of a transfer.
func TransferComplete() Message { return Message{Kind: KindTransferComplete} }

// TransferTruncated builds the explicit truncation marker emitted when
// a transfer hits the configured line cap.
func TransferTruncated(sent int) Message {
	return Message{Kind: KindTransferTruncated, Sent: sent}
}

// Log builds a leveled log line relayed to the sink by the parent.
func Log(level, text string) Message {
	return Message{Kind: KindLog, Level: level, Text: text}
}

// Heartbeat builds a supervision liveness frame carrying the current
// workload state.
func Heartbeat(state string) Message { return Message{Kind: KindHeartbeat, State: state} }

// Completed builds the agent's final all-operations marker.
func Completed() Message { return Message{Kind: KindCompleted} }

// ProtocolError builds an error marker with a detail string.
func ProtocolError(detail string) Message { return Message{Kind: KindError, Text: detail} }
