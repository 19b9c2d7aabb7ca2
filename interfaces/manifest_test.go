package interfaces

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifestFromEnv(t *testing.T) {
	t.Setenv(EnvEnclaveID, "enclave-7f3a")
	t.Setenv(EnvWorkloadType, "service")
	t.Setenv(EnvUserCmd, "python3 serve.py")
	t.Setenv(EnvHealthPath, "/status")
	t.Setenv(EnvHealthInterval, "10")
	t.Setenv(EnvAllowedServices, "kms, s3")
	t.Setenv(EnvExposedPorts, "8080,9090")
	t.Setenv(EnvDebug, "true")

	m, err := ManifestFromEnv()
	require.NoError(t, err)

	assert.Equal(t, EnclaveID("enclave-7f3a"), m.EnclaveID)
	assert.Equal(t, WorkloadService, m.WorkloadType)
	assert.Equal(t, "python3 serve.py", m.UserCommand)
	assert.Equal(t, "/status", m.HealthCheckPath)
	assert.Equal(t, 10*time.Second, m.HealthCheckInterval)
	assert.Equal(t, []string{"kms", "s3"}, m.AllowedServices)
	assert.Equal(t, []int{8080, 9090}, m.ExposedPorts)
	assert.True(t, m.Debug)
	assert.True(t, m.HasUserCommand())
}

func TestManifestEntrypointFallback(t *testing.T) {
	t.Setenv(EnvEnclaveID, "enclave-1")
	t.Setenv(EnvUserCmd, "")
	t.Setenv(EnvUserEntrypoint, "/app/run")
	t.Setenv(EnvUserCmdArgs, "--once")

	m, err := ManifestFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/app/run --once", m.UserCommand)
	// No workload type defaults to batch.
	assert.Equal(t, WorkloadBatch, m.WorkloadType)
}

func TestManifestServiceDefaults(t *testing.T) {
	t.Setenv(EnvEnclaveID, "enclave-1")
	t.Setenv(EnvWorkloadType, "service")
	t.Setenv(EnvUserCmd, "serve")
	t.Setenv(EnvHealthPath, "")
	t.Setenv(EnvHealthInterval, "")

	m, err := ManifestFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "/health", m.HealthCheckPath)
	assert.Equal(t, 30*time.Second, m.HealthCheckInterval)
}

func TestManifestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing enclave id",
			env:  map[string]string{EnvUserCmd: "run"},
		},
		{
			name: "bad enclave id characters",
			env:  map[string]string{EnvEnclaveID: "bad/id", EnvUserCmd: "run"},
		},
		{
			name: "unknown workload type",
			env: map[string]string{
				EnvEnclaveID: "e1", EnvWorkloadType: "cron", EnvUserCmd: "run",
			},
		},
		{
			name: "health interval below minimum",
			env: map[string]string{
				EnvEnclaveID: "e1", EnvWorkloadType: "service",
				EnvUserCmd: "serve", EnvHealthInterval: "1",
			},
		},
		{
			name: "health interval above maximum",
			env: map[string]string{
				EnvEnclaveID: "e1", EnvWorkloadType: "service",
				EnvUserCmd: "serve", EnvHealthInterval: "900",
			},
		},
		{
			name: "health path without leading slash",
			env: map[string]string{
				EnvEnclaveID: "e1", EnvWorkloadType: "service",
				EnvUserCmd: "serve", EnvHealthPath: "health",
			},
		},
		{
			name: "invalid exposed port",
			env: map[string]string{
				EnvEnclaveID: "e1", EnvUserCmd: "run", EnvExposedPorts: "8080,99999",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearManifestEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := ManifestFromEnv()
			assert.Error(t, err)
		})
	}
}

func TestManifestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	content := `
enclave_id: enclave-9
workload_type: daemon
user_command: "/usr/bin/agent --loop"
allowed_services: "kms"
exposed_ports: "9000"
debug: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	m, err := ManifestFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, EnclaveID("enclave-9"), m.EnclaveID)
	assert.Equal(t, WorkloadDaemon, m.WorkloadType)
	assert.Equal(t, "/usr/bin/agent --loop", m.UserCommand)
	assert.Equal(t, []int{9000}, m.ExposedPorts)
	assert.True(t, m.ServiceAllowed("KMS"))
	assert.False(t, m.ServiceAllowed("s3"))
}

func TestWorkloadStateTerminal(t *testing.T) {
	assert.False(t, StateBooting.Terminal())
	assert.False(t, StateHealthy.Terminal())
	assert.True(t, StateExited.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.Equal(t, "UNHEALTHY", StateUnhealthy.String())
}

func TestValidDigest(t *testing.T) {
	ok := "0f3a1b2c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8091a2b3c4d5e6f708192a3b4c5d6e7f8"
	assert.True(t, ValidDigest(ok))
	assert.False(t, ValidDigest(ok[:95]))
	assert.False(t, ValidDigest(ok+"0"))
	assert.False(t, ValidDigest("z"+ok[1:]))
}

func clearManifestEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvEnclaveID, EnvWorkloadType, EnvUserCmd, EnvUserEntrypoint,
		EnvUserCmdArgs, EnvHealthPath, EnvHealthInterval,
		EnvAllowedServices, EnvExposedPorts, EnvImageRef, EnvDebug,
	} {
		t.Setenv(key, "")
	}
}
