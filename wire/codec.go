package wire

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

// DefaultMaxLineBytes bounds a single wire line. Oversized lines are a
// per-connection protocol error.
const DefaultMaxLineBytes = 1 << 20

// Encode renders a message as its wire line, without the trailing
// newline.
func Encode(m Message) (string, error) {
	switch m.Kind {
	case KindHello:
		if m.EnclaveID == "" {
			return "", fmt.Errorf("%w: hello without enclave id", interfaces.ErrMalformedMessage)
		}
		return fmt.Sprintf("HELLO %s %s", m.EnclaveID, m.ImageRef), nil
	case KindHelloAck:
		return "HELLO_ACK " + m.HostVersion, nil
	case KindMeasurement:
		return fmt.Sprintf("MEASUREMENT %s: %s", m.Register, m.Digest), nil
	case KindMeasurementAck:
		return fmt.Sprintf("MEASUREMENT_ACK %s: %s", m.Register, m.Digest), nil
	case KindTransferRequest:
		return "REQUEST_OUTPUT", nil
	case KindOutputLine:
		return "OUTPUT " + m.Line, nil
	case KindTransferComplete:
		return "TRANSFER_COMPLETE", nil
	case KindTransferTruncated:
		return "TRANSFER_TRUNCATED " + strconv.Itoa(m.Sent), nil
	case KindLog:
		return fmt.Sprintf("LOG %s %s", m.Level, m.Text), nil
	case KindHeartbeat:
		return "HEARTBEAT " + m.State, nil
	case KindCompleted:
		return "ALL_OPERATIONS_COMPLETED", nil
	case KindHTTPRequest, KindHTTPResponse, KindKMSRequest, KindKMSResponse:
		if m.ID == "" {
			return "", fmt.Errorf("%w: %s without correlation id", interfaces.ErrMalformedMessage, m.Kind)
		}
		return fmt.Sprintf("%s %s %s", m.Kind, m.ID,
			base64.StdEncoding.EncodeToString(m.Payload)), nil
	case KindError:
		return "ERROR " + m.Text, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %d", interfaces.ErrMalformedMessage, int(m.Kind))
	}
}

// Decode parses one wire line into its message variant. Errors wrap
// interfaces.ErrMalformedMessage and must close only the connection
// that produced them.
func Decode(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Message{}, fmt.Errorf("%w: empty line", interfaces.ErrMalformedMessage)
	}

	prefix, rest, _ := strings.Cut(line, " ")
	switch prefix {
	case "HELLO":
		id, image, _ := strings.Cut(rest, " ")
		if id == "" {
			return Message{}, fmt.Errorf("%w: HELLO without enclave id", interfaces.ErrMalformedMessage)
		}
		return Message{Kind: KindHello, EnclaveID: id, ImageRef: image}, nil
	case "HELLO_ACK":
		return Message{Kind: KindHelloAck, HostVersion: rest}, nil
	case "MEASUREMENT":
		return decodeMeasurement(KindMeasurement, rest)
	case "MEASUREMENT_ACK":
		return decodeMeasurement(KindMeasurementAck, rest)
	case "REQUEST_OUTPUT":
		return Message{Kind: KindTransferRequest}, nil
	case "OUTPUT":
		return Message{Kind: KindOutputLine, Line: rest}, nil
	case "TRANSFER_COMPLETE":
		return Message{Kind: KindTransferComplete}, nil
	case "TRANSFER_TRUNCATED":
		sent, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return Message{}, fmt.Errorf("%w: bad truncation count %q", interfaces.ErrMalformedMessage, rest)
		}
		return Message{Kind: KindTransferTruncated, Sent: sent}, nil
	case "LOG":
		level, text, ok := strings.Cut(rest, " ")
		if !ok || level == "" {
			return Message{}, fmt.Errorf("%w: LOG without level", interfaces.ErrMalformedMessage)
		}
		return Message{Kind: KindLog, Level: level, Text: text}, nil
	case "HEARTBEAT":
		return Message{Kind: KindHeartbeat, State: rest}, nil
	case "ALL_OPERATIONS_COMPLETED":
		return Message{Kind: KindCompleted}, nil
	case "HTTP_REQUEST":
		return decodeCorrelated(KindHTTPRequest, rest)
	case "HTTP_RESPONSE":
		return decodeCorrelated(KindHTTPResponse, rest)
	case "KMS_REQUEST":
		return decodeCorrelated(KindKMSRequest, rest)
	case "KMS_RESPONSE":
		return decodeCorrelated(KindKMSResponse, rest)
	case "ERROR":
		return Message{Kind: KindError, Text: rest}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown prefix %q", interfaces.ErrMalformedMessage, prefix)
	}
}

// decodeMeasurement parses "<register>: <hex-digest>" and validates the
// digest shape. Ordering is enforced by the relay, not the codec.
func decodeMeasurement(kind Kind, rest string) (Message, error) {
	register, digest, ok := strings.Cut(rest, ": ")
	if !ok || register == "" {
		return Message{}, fmt.Errorf("%w: measurement without register name", interfaces.ErrMalformedMessage)
	}
	digest = strings.TrimSpace(digest)
	if !interfaces.ValidDigest(digest) {
		return Message{}, fmt.Errorf("%w: invalid digest for %s", interfaces.ErrMalformedMessage, register)
	}
	return Message{Kind: kind, Register: register, Digest: digest}, nil
}

func decodeCorrelated(kind Kind, rest string) (Message, error) {
	id, b64, ok := strings.Cut(rest, " ")
	if !ok || id == "" {
		return Message{}, fmt.Errorf("%w: %s without correlation id", interfaces.ErrMalformedMessage, kind)
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s payload: %v", interfaces.ErrMalformedMessage, kind, err)
	}
	return Message{Kind: kind, ID: id, Payload: payload}, nil
}

// Reader decodes messages from a stream, one line at a time.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps a stream with the line decoder. maxLineBytes bounds
// a single line; zero means DefaultMaxLineBytes.
func NewReader(r io.Reader, maxLineBytes int) *Reader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Reader{scanner: scanner}
}

// ReadMessage returns the next message, io.EOF at clean end of stream,
// or an error wrapping interfaces.ErrMalformedMessage for oversized or
// undecodable lines.
func (r *Reader) ReadMessage() (Message, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			if err == bufio.ErrTooLong {
				return Message{}, fmt.Errorf("%w: line exceeds maximum length", interfaces.ErrMalformedMessage)
			}
			return Message{}, err
		}
		return Message{}, io.EOF
	}
	return Decode(r.scanner.Text())
}

// Writer encodes messages onto a stream. Safe for concurrent use: the
// connection writer is shared between the relay loop, the heartbeat
// loop, and request forwarding.
type Writer struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewWriter wraps a stream with the line encoder.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteMessage encodes and flushes one message.
func (w *Writer) WriteMessage(m Message) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}
