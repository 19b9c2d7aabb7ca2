package enclave

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"

	"github.com/treza-labs/enclave-bridge/interfaces"
)

// HealthServer exposes the supervisor's view of the enclave on the
// loopback interface. Operators exec into the enclave and curl it; the
// workload can use it to wait for bridge connectivity.
type HealthServer struct {
	supervisor *Supervisor
	agent      *Agent
	log        *slog.Logger
	srv        *http.Server
}

// NewHealthServer creates the loopback health endpoint.
func NewHealthServer(supervisor *Supervisor, agent *Agent, log *slog.Logger) *HealthServer {
	h := &HealthServer{
		supervisor: supervisor,
		agent:      agent,
		log:        log.With("component", "health"),
	}
	mux := chi.NewRouter()
	mux.With(h.httpLogger).Get("/health", h.handleHealth)
	mux.With(h.httpLogger).Get("/livez", h.handleLiveness)
	h.srv = &http.Server{
		Addr:         HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return h
}

func (h *HealthServer) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(h.log, next)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := h.supervisor.State()
	status := http.StatusOK
	if state == interfaces.StateFailed {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"state":            state.String(),
		"bridge_connected": h.agent.Connected(),
	})
}

func (h *HealthServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"alive"}`))
}

// RunInBackground starts serving on the loopback address.
func (h *HealthServer) RunInBackground() {
	go func() {
		h.log.Info("Starting health server", "listenAddress", h.srv.Addr)
		if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("Health server failed", "err", err)
		}
	}()
}

// Shutdown stops the health server.
func (h *HealthServer) Shutdown(ctx context.Context) {
	if err := h.srv.Shutdown(ctx); err != nil {
		h.log.Error("Health server shutdown failed", "err", err)
	}
}
