package parent

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/kms"
	"github.com/aws/aws-sdk-go/service/kms/kmsiface"

	"github.com/treza-labs/enclave-bridge/wire"
)

// Forwarder performs network egress on the enclave's behalf, limited
// to the permitted AWS service set from the workload manifest.
type Forwarder struct {
	httpClient *http.Client
	kms        kmsiface.KMSAPI
	allowed    map[string]bool
	log        *slog.Logger

	// maxBodyBytes caps a forwarded response body.
	maxBodyBytes int64
}

// NewForwarder creates an egress forwarder. kmsClient may be nil to
// disable KMS forwarding. allowedServices is the manifest's permitted
// set; empty denies all egress.
func NewForwarder(httpClient *http.Client, kmsClient kmsiface.KMSAPI, allowedServices []string, log *slog.Logger) *Forwarder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 55 * time.Second}
	}
	allowed := make(map[string]bool, len(allowedServices))
	for _, s := range allowedServices {
		allowed[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Forwarder{
		httpClient:   httpClient,
		kms:          kmsClient,
		allowed:      allowed,
		log:          log.With("component", "egress"),
		maxBodyBytes: 8 << 20,
	}
}

// ForwardHTTP executes one outbound HTTP request from the enclave.
// Transport failures map to a 502 payload, like any forward proxy; the
// session itself is never affected.
func (f *Forwarder) ForwardHTTP(ctx context.Context, p wire.HTTPRequestPayload) wire.HTTPResponsePayload {
	if err := f.checkURL(p.URL); err != nil {
		f.log.Warn("Egress denied", "url", p.URL, "err", err)
		return wire.HTTPResponsePayload{Status: http.StatusForbidden, Body: err.Error()}
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, body)
	if err != nil {
		return wire.HTTPResponsePayload{Status: http.StatusBadGateway, Body: "Proxy error: " + err.Error()}
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return wire.HTTPResponsePayload{Status: http.StatusBadGateway, Body: "Network error: " + err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return wire.HTTPResponsePayload{Status: http.StatusBadGateway, Body: "Proxy error: " + err.Error()}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return wire.HTTPResponsePayload{Status: resp.StatusCode, Headers: headers, Body: string(data)}
}

// checkURL enforces the permitted-service set: the target must be an
// AWS service endpoint whose service label is allowed by the manifest.
func (f *Forwarder) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("egress denied: unparseable url")
	}
	host := strings.ToLower(u.Hostname())
	if !strings.HasSuffix(host, ".amazonaws.com") {
		return fmt.Errorf("egress denied: %s is not a permitted AWS endpoint", host)
	}
	service, _, ok := strings.Cut(host, ".")
	if !ok || !f.allowed[service] {
		return fmt.Errorf("egress denied: service %q is not in the permitted set", service)
	}
	return nil
}

// ForwardKMS executes one KMS operation from the enclave. Binary
// fields travel hex encoded. Errors come back in the payload, never as
// a session failure.
func (f *Forwarder) ForwardKMS(ctx context.Context, p wire.KMSRequestPayload) wire.KMSResponsePayload {
	if f.kms == nil {
		return wire.KMSResponsePayload{Error: "KMS forwarding not configured"}
	}
	if !f.allowed["kms"] {
		return wire.KMSResponsePayload{Error: "egress denied: service \"kms\" is not in the permitted set"}
	}

	switch p.Operation {
	case wire.KMSOpDecrypt:
		blob, err := hex.DecodeString(p.Ciphertext)
		if err != nil {
			return wire.KMSResponsePayload{Error: "invalid ciphertext hex"}
		}
		out, err := f.kms.DecryptWithContext(ctx, &kms.DecryptInput{
			CiphertextBlob: blob,
			KeyId:          optionalString(p.KeyID),
		})
		if err != nil {
			return wire.KMSResponsePayload{Error: "KMS error: " + err.Error()}
		}
		return wire.KMSResponsePayload{
			KeyID:     aws.StringValue(out.KeyId),
			Plaintext: hex.EncodeToString(out.Plaintext),
		}

	case wire.KMSOpEncrypt:
		plain, err := hex.DecodeString(p.Plaintext)
		if err != nil {
			return wire.KMSResponsePayload{Error: "invalid plaintext hex"}
		}
		out, err := f.kms.EncryptWithContext(ctx, &kms.EncryptInput{
			KeyId:     aws.String(p.KeyID),
			Plaintext: plain,
		})
		if err != nil {
			return wire.KMSResponsePayload{Error: "KMS error: " + err.Error()}
		}
		return wire.KMSResponsePayload{
			KeyID:          aws.StringValue(out.KeyId),
			CiphertextBlob: hex.EncodeToString(out.CiphertextBlob),
		}

	case wire.KMSOpGenerateDataKey:
		spec := p.KeySpec
		if spec == "" {
			spec = "AES_256"
		}
		out, err := f.kms.GenerateDataKeyWithContext(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(p.KeyID),
			KeySpec: aws.String(spec),
		})
		if err != nil {
			return wire.KMSResponsePayload{Error: "KMS error: " + err.Error()}
		}
		return wire.KMSResponsePayload{
			KeyID:          aws.StringValue(out.KeyId),
			Plaintext:      hex.EncodeToString(out.Plaintext),
			CiphertextBlob: hex.EncodeToString(out.CiphertextBlob),
		}

	default:
		return wire.KMSResponsePayload{Error: "Unsupported KMS operation: " + p.Operation}
	}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}
