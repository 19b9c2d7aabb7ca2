package wire

import (
	"encoding/json"
	"fmt"
)

// HTTPRequestPayload is the JSON body of an HTTP_REQUEST frame: one
// outbound HTTP call the workload attempted through the egress proxy.
type HTTPRequestPayload struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponsePayload is the JSON body of an HTTP_RESPONSE frame.
type HTTPResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// KMSRequestPayload is the JSON body of a KMS_REQUEST frame. Binary
// fields are hex encoded.
type KMSRequestPayload struct {
	Operation  string `json:"operation"`
	KeyID      string `json:"key_id,omitempty"`
	Ciphertext string `json:"ciphertext,omitempty"`
	Plaintext  string `json:"plaintext,omitempty"`
	KeySpec    string `json:"key_spec,omitempty"`
}

// KMS operations supported by the parent forwarder.
const (
	KMSOpDecrypt         = "decrypt"
	KMSOpEncrypt         = "encrypt"
	KMSOpGenerateDataKey = "generate-data-key"
)

// KMSResponsePayload is the JSON body of a KMS_RESPONSE frame.
type KMSResponsePayload struct {
	Error          string `json:"error,omitempty"`
	KeyID          string `json:"key_id,omitempty"`
	Plaintext      string `json:"plaintext,omitempty"`
	CiphertextBlob string `json:"ciphertext_blob,omitempty"`
}

// NewHTTPRequest builds a correlated HTTP_REQUEST message.
func NewHTTPRequest(id string, p HTTPRequestPayload) (Message, error) {
	return newCorrelated(KindHTTPRequest, id, p)
}

// NewHTTPResponse builds a correlated HTTP_RESPONSE message.
func NewHTTPResponse(id string, p HTTPResponsePayload) (Message, error) {
	return newCorrelated(KindHTTPResponse, id, p)
}

// NewKMSRequest builds a correlated KMS_REQUEST message.
func NewKMSRequest(id string, p KMSRequestPayload) (Message, error) {
	return newCorrelated(KindKMSRequest, id, p)
}

// NewKMSResponse builds a correlated KMS_RESPONSE message.
func NewKMSResponse(id string, p KMSResponsePayload) (Message, error) {
	return newCorrelated(KindKMSResponse, id, p)
}

func newCorrelated(kind Kind, id string, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	return Message{Kind: kind, ID: id, Payload: data}, nil
}

// UnmarshalPayload decodes a correlated message's JSON payload into v.
func (m Message) UnmarshalPayload(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", m.Kind, err)
	}
	return nil
}
