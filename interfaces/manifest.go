package interfaces

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables injected by the provisioning layer. These form
// the boot contract with existing enclave images and must not change.
const (
	EnvEnclaveID       = "ENCLAVE_ID"
	EnvWorkloadType    = "TREZA_WORKLOAD_TYPE"
	EnvUserCmd         = "TREZA_USER_CMD"
	EnvUserEntrypoint  = "TREZA_USER_ENTRYPOINT"
	EnvUserCmdArgs     = "TREZA_USER_CMD_ARGS"
	EnvHealthPath      = "TREZA_HEALTH_PATH"
	EnvHealthInterval  = "TREZA_HEALTH_INTERVAL"
	EnvAllowedServices = "TREZA_ALLOWED_SERVICES"
	EnvExposedPorts    = "TREZA_EXPOSED_PORTS"
	EnvImageRef        = "TREZA_IMAGE"
	EnvDebug           = "TREZA_DEBUG"
)

// Health check interval bounds, in seconds.
const (
	MinHealthIntervalSeconds = 5
	MaxHealthIntervalSeconds = 300
)

// WorkloadManifest is the boot-time description of the enclave
// workload. Resolved once at boot and read-only thereafter.
//
// For service workloads HealthCheckPath and HealthCheckInterval are
// meaningful; batch and daemon workloads ignore them.
type WorkloadManifest struct {
	EnclaveID          EnclaveID      `yaml:"enclave_id"`
	WorkloadType       WorkloadType   `yaml:"workload_type"`
	UserCommand        string         `yaml:"user_command"`
	ImageRef           string         `yaml:"image"`
	HealthCheckPath    string         `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	AllowedServices    []string       `yaml:"allowed_services"`
	ExposedPorts       []int          `yaml:"exposed_ports"`
	Debug              bool           `yaml:"debug"`
}

// rawManifest is the YAML form before validation; durations and lists
// are plain scalars the way the provisioning layer emits them.
type rawManifest struct {
	EnclaveID          string `yaml:"enclave_id"`
	WorkloadType       string `yaml:"workload_type"`
	UserCommand        string `yaml:"user_command"`
	ImageRef           string `yaml:"image"`
	HealthCheckPath    string `yaml:"health_check_path"`
	HealthCheckInterval int   `yaml:"health_check_interval"`
	AllowedServices    string `yaml:"allowed_services"`
	ExposedPorts       string `yaml:"exposed_ports"`
	Debug              bool   `yaml:"debug"`
}

// ManifestFromEnv resolves the workload manifest from the boot
// environment.
func ManifestFromEnv() (*WorkloadManifest, error) {
	raw := rawManifest{
		EnclaveID:       os.Getenv(EnvEnclaveID),
		WorkloadType:    os.Getenv(EnvWorkloadType),
		UserCommand:     resolveUserCommand(),
		ImageRef:        os.Getenv(EnvImageRef),
		HealthCheckPath: os.Getenv(EnvHealthPath),
		AllowedServices: os.Getenv(EnvAllowedServices),
		ExposedPorts:    os.Getenv(EnvExposedPorts),
		Debug:           os.Getenv(EnvDebug) == "true" || os.Getenv(EnvDebug) == "1",
	}
	if v := os.Getenv(EnvHealthInterval); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", EnvHealthInterval, v, err)
		}
		raw.HealthCheckInterval = n
	}
	return raw.build()
}

// ManifestFromFile resolves the workload manifest from a YAML file.
func ManifestFromFile(path string) (*WorkloadManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file: %w", err)
	}
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing manifest file %s: %w", path, err)
	}
	return raw.build()
}

// resolveUserCommand checks TREZA_USER_CMD first, then combines
// TREZA_USER_ENTRYPOINT and TREZA_USER_CMD_ARGS.
func resolveUserCommand() string {
	if cmd := os.Getenv(EnvUserCmd); cmd != "" {
		return cmd
	}
	ep := os.Getenv(EnvUserEntrypoint)
	args := os.Getenv(EnvUserCmdArgs)
	switch {
	case ep != "" && args != "":
		return ep + " " + args
	case ep != "":
		return ep
	default:
		return args
	}
}

func (raw rawManifest) build() (*WorkloadManifest, error) {
	id, err := NewEnclaveID(raw.EnclaveID)
	if err != nil {
		return nil, err
	}

	wtypeStr := raw.WorkloadType
	if wtypeStr == "" {
		wtypeStr = string(WorkloadBatch)
	}
	wtype, err := ParseWorkloadType(wtypeStr)
	if err != nil {
		return nil, err
	}

	m := &WorkloadManifest{
		EnclaveID:       id,
		WorkloadType:    wtype,
		UserCommand:     strings.TrimSpace(raw.UserCommand),
		ImageRef:        raw.ImageRef,
		HealthCheckPath: raw.HealthCheckPath,
		AllowedServices: splitList(raw.AllowedServices),
		Debug:           raw.Debug,
	}

	if raw.HealthCheckInterval != 0 {
		m.HealthCheckInterval = time.Duration(raw.HealthCheckInterval) * time.Second
	}

	for _, p := range splitList(raw.ExposedPorts) {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid exposed port %q", p)
		}
		m.ExposedPorts = append(m.ExposedPorts, port)
	}
	sort.Ints(m.ExposedPorts)

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *WorkloadManifest) validate() error {
	if m.WorkloadType == WorkloadService {
		if m.HealthCheckPath == "" {
			m.HealthCheckPath = "/health"
		}
		if !strings.HasPrefix(m.HealthCheckPath, "/") {
			return fmt.Errorf("health check path %q must start with /", m.HealthCheckPath)
		}
		if m.HealthCheckInterval == 0 {
			m.HealthCheckInterval = 30 * time.Second
		}
		secs := int(m.HealthCheckInterval / time.Second)
		if secs < MinHealthIntervalSeconds || secs > MaxHealthIntervalSeconds {
			return fmt.Errorf("health check interval %ds out of range [%d, %d]",
				secs, MinHealthIntervalSeconds, MaxHealthIntervalSeconds)
		}
	}
	return nil
}

// HasUserCommand reports whether there is a workload to supervise.
func (m *WorkloadManifest) HasUserCommand() bool {
	return m.UserCommand != ""
}

// ServiceAllowed reports whether a named AWS service is in the
// manifest's permitted set. An empty set denies everything.
func (m *WorkloadManifest) ServiceAllowed(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, s := range m.AllowedServices {
		if strings.ToLower(s) == name {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
