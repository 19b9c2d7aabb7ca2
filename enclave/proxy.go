package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/treza-labs/enclave-bridge/wire"
)

// EgressProxy is the in-enclave HTTP forward proxy. The workload's
// HTTP_PROXY points here; every request is tunneled over the bridge
// and executed by the parent, which enforces the permitted-service
// set. CONNECT is rejected: the parent must see plaintext requests to
// apply policy, so clients inside the enclave talk plain HTTP to the
// proxy and the parent upgrades to TLS on the outside.
type EgressProxy struct {
	agent *Agent
	log   *slog.Logger
	srv   *http.Server

	// maxBodyBytes caps a proxied request body.
	maxBodyBytes int64
}

// NewEgressProxy creates the forward proxy on the loopback address.
func NewEgressProxy(agent *Agent, log *slog.Logger) *EgressProxy {
	p := &EgressProxy{
		agent:        agent,
		log:          log.With("component", "egress-proxy"),
		maxBodyBytes: 8 << 20,
	}
	p.srv = &http.Server{
		Addr:        HTTPProxyAddr,
		Handler:     http.HandlerFunc(p.handle),
		ReadTimeout: 60 * time.Second,
	}
	return p
}

func (p *EgressProxy) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.log.Warn("CONNECT rejected", "host", r.Host)
		http.Error(w, "CONNECT tunneling not supported; use plain HTTP to the proxy", http.StatusMethodNotAllowed)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "proxy requires absolute-form request URI", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBodyBytes))
	if err != nil {
		http.Error(w, "reading request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		if k == "Proxy-Connection" || k == "Proxy-Authorization" {
			continue
		}
		headers[k] = r.Header.Get(k)
	}

	resp, err := p.agent.RequestHTTP(r.Context(), wire.HTTPRequestPayload{
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: headers,
		Body:    string(body),
	})
	if err != nil {
		p.log.Warn("Bridge egress failed", "url", r.URL.String(), "err", err)
		http.Error(w, "bridge egress failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

// RunInBackground starts the proxy.
func (p *EgressProxy) RunInBackground() {
	go func() {
		p.log.Info("Starting egress proxy", "listenAddress", p.srv.Addr)
		if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("Egress proxy failed", "err", err)
		}
	}()
}

// Shutdown stops the proxy.
func (p *EgressProxy) Shutdown(ctx context.Context) {
	if err := p.srv.Shutdown(ctx); err != nil {
		p.log.Error("Egress proxy shutdown failed", "err", err)
	}
}

// KMSProxy exposes the parent's KMS forwarding to the workload as a
// local HTTP API: POST /{operation} with a JSON body matching the
// operation's request payload.
type KMSProxy struct {
	agent *Agent
	log   *slog.Logger
	srv   *http.Server
}

// NewKMSProxy creates the loopback KMS endpoint.
func NewKMSProxy(agent *Agent, log *slog.Logger) *KMSProxy {
	p := &KMSProxy{
		agent: agent,
		log:   log.With("component", "kms-proxy"),
	}
	mux := chi.NewRouter()
	mux.Post("/{operation}", p.handleOperation)
	p.srv = &http.Server{
		Addr:         KMSProxyAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return p
}

func (p *KMSProxy) handleOperation(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")
	switch operation {
	case wire.KMSOpDecrypt, wire.KMSOpEncrypt, wire.KMSOpGenerateDataKey:
	default:
		http.Error(w, "unsupported KMS operation: "+operation, http.StatusNotFound)
		return
	}

	var req wire.KMSRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	req.Operation = operation

	resp, err := p.agent.RequestKMS(r.Context(), req)
	if err != nil {
		p.log.Warn("Bridge KMS call failed", "operation", operation, "err", err)
		http.Error(w, "bridge KMS call failed: "+err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Error != "" {
		w.WriteHeader(http.StatusBadGateway)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// RunInBackground starts the KMS proxy.
func (p *KMSProxy) RunInBackground() {
	go func() {
		p.log.Info("Starting KMS proxy", "listenAddress", p.srv.Addr)
		if err := p.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Error("KMS proxy failed", "err", err)
		}
	}()
}

// Shutdown stops the KMS proxy.
func (p *KMSProxy) Shutdown(ctx context.Context) {
	if err := p.srv.Shutdown(ctx); err != nil {
		p.log.Error("KMS proxy shutdown failed", "err", err)
	}
}
