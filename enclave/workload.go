package enclave

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Local listen addresses for the in-enclave helper servers. The
// workload reaches the outside world only through these.
const (
	HTTPProxyAddr = "127.0.0.1:3128"
	KMSProxyAddr  = "127.0.0.1:8000"
	HealthAddr    = "127.0.0.1:8888"
)

// workload wraps one running user process. The supervisor owns exactly
// one at a time; restarts create a fresh workload.
type workload struct {
	cmd  *exec.Cmd
	log  *slog.Logger
	done chan struct{}

	mu     sync.Mutex
	waited bool
	err    error
}

// launchWorkload starts the user command with the proxy environment
// injected. The command runs in its own process group so teardown can
// signal the whole tree.
func launchWorkload(command string, logLine func(level, text string), log *slog.Logger) (*workload, error) {
	cmd := buildCommand(command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		"HTTP_PROXY=http://"+HTTPProxyAddr,
		"HTTPS_PROXY=http://"+HTTPProxyAddr,
		"http_proxy=http://"+HTTPProxyAddr,
		"https_proxy=http://"+HTTPProxyAddr,
		"NO_PROXY=127.0.0.1,localhost",
		"no_proxy=127.0.0.1,localhost",
		"TREZA_KMS_ENDPOINT=http://"+KMSProxyAddr,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting workload: %w", err)
	}

	w := &workload{
		cmd:  cmd,
		log:  log.With("pid", cmd.Process.Pid),
		done: make(chan struct{}),
	}

	var scanners sync.WaitGroup
	scanners.Add(2)
	go func() {
		defer scanners.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			logLine("app", scanner.Text())
		}
	}()
	go func() {
		defer scanners.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			logLine("app_err", scanner.Text())
		}
	}()

	go func() {
		scanners.Wait()
		err := cmd.Wait()
		w.mu.Lock()
		w.waited = true
		w.err = err
		w.mu.Unlock()
		close(w.done)
	}()

	w.log.Info("Workload started", "command", command)
	return w, nil
}

// buildCommand prefers a shell so pipelines and env expansion in the
// user command work; falls back to direct exec when no shell exists in
// the image.
func buildCommand(command string) *exec.Cmd {
	if _, err := os.Stat("/bin/sh"); err == nil {
		return exec.Command("/bin/sh", "-c", command)
	}
	fields := strings.Fields(command)
	return exec.Command(fields[0], fields[1:]...)
}

// Done is closed once the process has exited and its output is drained.
func (w *workload) Done() <-chan struct{} { return w.done }

// Alive reports whether the process is still running.
func (w *workload) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the process exit code after Done closes. A process
// killed by signal reports -1.
func (w *workload) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.waited {
		return -1
	}
	if w.err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(w.err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// Stop terminates the process group: SIGTERM first, SIGKILL after the
// grace period.
func (w *workload) Stop(grace time.Duration) {
	if !w.Alive() {
		return
	}
	pgid := -w.cmd.Process.Pid
	w.log.Info("Stopping workload", "grace", grace)
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-w.done:
		return
	case <-time.After(grace):
	}
	w.log.Warn("Workload ignored SIGTERM, killing process group")
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-w.done
}
