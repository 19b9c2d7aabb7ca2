package enclave

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/metrics"
)

// process is what the supervisor manages. The real implementation is a
// launched user command; tests substitute a scripted one.
type process interface {
	Done() <-chan struct{}
	Alive() bool
	ExitCode() int
	Stop(grace time.Duration)
}

// SupervisorConfig configures workload supervision.
type SupervisorConfig struct {
	Manifest *interfaces.WorkloadManifest
	Agent    *Agent
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	// FailureThreshold is the consecutive health check failures that
	// mark a service UNHEALTHY.
	FailureThreshold int

	// RestartBudget bounds service restarts; exceeding it is FAILED.
	// Daemons ignore the budget and restart indefinitely.
	RestartBudget int

	// ShutdownGrace is the SIGTERM-to-SIGKILL window at teardown.
	ShutdownGrace time.Duration

	// RestartBackoff is the initial wait before a daemon restart; it
	// grows exponentially while the daemon keeps dying.
	RestartBackoff time.Duration

	// HealthClient performs service health probes.
	HealthClient *http.Client

	// launch overrides process creation in tests.
	launch func(logLine func(level, text string)) (process, error)
}

func (cfg SupervisorConfig) withDefaults() SupervisorConfig {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RestartBudget == 0 {
		cfg.RestartBudget = 2
	}
	if cfg.ShutdownGrace == 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.RestartBackoff == 0 {
		cfg.RestartBackoff = time.Second
	}
	if cfg.HealthClient == nil {
		cfg.HealthClient = &http.Client{Timeout: 5 * time.Second}
	}
	return cfg
}

// Supervisor owns the workload lifecycle state machine. All state
// transitions happen on the supervision goroutine; State is safe to
// read from anywhere.
type Supervisor struct {
	cfg SupervisorConfig
	log *slog.Logger

	mu    sync.RWMutex
	state interfaces.WorkloadState

	restarts int
}

// NewSupervisor creates a supervisor in the BOOTING state.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("supervisor: manifest is required")
	}
	if cfg.Log == nil {
		return nil, fmt.Errorf("supervisor: logger is required")
	}
	if cfg.launch == nil {
		manifest, log := cfg.Manifest, cfg.Log
		cfg.launch = func(logLine func(level, text string)) (process, error) {
			return launchWorkload(manifest.UserCommand, logLine, log)
		}
	}
	return &Supervisor{
		cfg:   cfg,
		log:   cfg.Log.With("component", "supervisor", "workloadType", cfg.Manifest.WorkloadType),
		state: interfaces.StateBooting,
	}, nil
}

// State returns the current workload state.
func (s *Supervisor) State() interfaces.WorkloadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setState transitions the state machine and pushes the change to the
// parent immediately rather than waiting for the next heartbeat tick.
func (s *Supervisor) setState(next interfaces.WorkloadState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	s.log.Info("Workload state changed", "from", prev.String(), "to", next.String())
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WorkloadState.Set(float64(next))
	}
	if s.cfg.Agent != nil {
		s.cfg.Agent.SendHeartbeat(next.String())
		s.cfg.Agent.SendLog("info", "Workload state: "+next.String())
	}
}

// Run drives the workload to a terminal state or until ctx is
// cancelled. The returned state is always terminal.
func (s *Supervisor) Run(ctx context.Context) (interfaces.WorkloadState, error) {
	if !s.cfg.Manifest.HasUserCommand() {
		s.setState(interfaces.StateFailed)
		return interfaces.StateFailed, interfaces.ErrNoUserCommand
	}

	s.setState(interfaces.StateStarting)
	proc, err := s.startProcess()
	if err != nil {
		s.setState(interfaces.StateFailed)
		return interfaces.StateFailed, err
	}
	s.setState(interfaces.StateRunning)

	switch s.cfg.Manifest.WorkloadType {
	case interfaces.WorkloadBatch:
		return s.superviseBatch(ctx, proc)
	case interfaces.WorkloadService:
		return s.superviseService(ctx, proc)
	case interfaces.WorkloadDaemon:
		return s.superviseDaemon(ctx, proc)
	default:
		proc.Stop(s.cfg.ShutdownGrace)
		s.setState(interfaces.StateFailed)
		return interfaces.StateFailed, fmt.Errorf("unknown workload type %q", s.cfg.Manifest.WorkloadType)
	}
}

func (s *Supervisor) startProcess() (process, error) {
	logLine := func(level, text string) {
		if s.cfg.Agent != nil {
			s.cfg.Agent.SendLog(level, text)
		}
	}
	return s.cfg.launch(logLine)
}

func (s *Supervisor) restartProcess() (process, error) {
	s.restarts++
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.WorkloadRestarts.Inc()
	}
	s.log.Info("Restarting workload", "restart", s.restarts)
	s.setState(interfaces.StateStarting)
	proc, err := s.startProcess()
	if err != nil {
		return nil, err
	}
	s.setState(interfaces.StateRunning)
	return proc, nil
}

// superviseBatch waits for a single run to completion. Batch workloads
// are never restarted.
func (s *Supervisor) superviseBatch(ctx context.Context, proc process) (interfaces.WorkloadState, error) {
	select {
	case <-ctx.Done():
		proc.Stop(s.cfg.ShutdownGrace)
		s.setState(interfaces.StateExited)
		return interfaces.StateExited, nil
	case <-proc.Done():
	}

	code := proc.ExitCode()
	if code == 0 {
		s.log.Info("Batch workload completed")
		s.setState(interfaces.StateExited)
		return interfaces.StateExited, nil
	}
	s.log.Error("Batch workload failed", "exitCode", code)
	s.setState(interfaces.StateFailed)
	return interfaces.StateFailed, fmt.Errorf("batch workload exited with code %d", code)
}

// superviseService health-checks the workload over HTTP and restarts
// it within the restart budget. Crossing the budget is terminal.
func (s *Supervisor) superviseService(ctx context.Context, proc process) (interfaces.WorkloadState, error) {
	ticker := time.NewTicker(s.cfg.Manifest.HealthCheckInterval)
	defer ticker.Stop()

	consecutiveFails := 0
	for {
		select {
		case <-ctx.Done():
			proc.Stop(s.cfg.ShutdownGrace)
			s.setState(interfaces.StateExited)
			return interfaces.StateExited, nil

		case <-proc.Done():
			s.log.Warn("Service process exited unexpectedly", "exitCode", proc.ExitCode())
			next, replacement, err := s.tryRestart()
			if err != nil || next.Terminal() {
				return next, err
			}
			proc, consecutiveFails = replacement, 0

		case <-ticker.C:
			if err := s.probeHealth(ctx); err != nil {
				consecutiveFails++
				s.log.Warn("Health check failed",
					"consecutive", consecutiveFails, "threshold", s.cfg.FailureThreshold, "err", err)
				if consecutiveFails < s.cfg.FailureThreshold {
					continue
				}
				s.setState(interfaces.StateUnhealthy)
				proc.Stop(s.cfg.ShutdownGrace)
				next, replacement, err := s.tryRestart()
				if err != nil || next.Terminal() {
					return next, err
				}
				proc, consecutiveFails = replacement, 0
			} else {
				consecutiveFails = 0
				s.setState(interfaces.StateHealthy)
			}
		}
	}
}

// tryRestart replaces a dead or unhealthy service process if the
// restart budget allows. The old process is already stopped.
func (s *Supervisor) tryRestart() (interfaces.WorkloadState, process, error) {
	if s.restarts >= s.cfg.RestartBudget {
		s.log.Error("Restart budget exhausted", "restarts", s.restarts, "budget", s.cfg.RestartBudget)
		s.setState(interfaces.StateFailed)
		return interfaces.StateFailed, nil,
			fmt.Errorf("service failed after %d restarts", s.restarts)
	}
	replacement, err := s.restartProcess()
	if err != nil {
		s.setState(interfaces.StateFailed)
		return interfaces.StateFailed, nil, err
	}
	return s.State(), replacement, nil
}

// superviseDaemon restarts the workload indefinitely with exponential
// backoff. A daemon reaches a terminal state only at shutdown.
func (s *Supervisor) superviseDaemon(ctx context.Context, proc process) (interfaces.WorkloadState, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RestartBackoff
	policy.MaxInterval = time.Minute
	policy.MaxElapsedTime = 0 // retry forever

	for {
		select {
		case <-ctx.Done():
			proc.Stop(s.cfg.ShutdownGrace)
			s.setState(interfaces.StateExited)
			return interfaces.StateExited, nil

		case <-proc.Done():
			s.log.Warn("Daemon process exited, scheduling restart", "exitCode", proc.ExitCode())
			s.setState(interfaces.StateUnhealthy)
			wait := policy.NextBackOff()
			select {
			case <-ctx.Done():
				s.setState(interfaces.StateExited)
				return interfaces.StateExited, nil
			case <-time.After(wait):
			}
			replacement, err := s.restartProcess()
			if err != nil {
				// Keep retrying: a daemon only stops on shutdown.
				s.log.Error("Daemon restart failed", "err", err)
				continue
			}
			proc = replacement
			policy.Reset()
		}
	}
}

// probeHealth performs one HTTP health check against the workload's
// first exposed port.
func (s *Supervisor) probeHealth(ctx context.Context) error {
	port := 8080
	if len(s.cfg.Manifest.ExposedPorts) > 0 {
		port = s.cfg.Manifest.ExposedPorts[0]
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, s.cfg.Manifest.HealthCheckPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.cfg.HealthClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}
