//go:build unit

package harness_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vsock-tls-harness/internal/harness"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFileOverlays(t *testing.T) {
	path := writeConfigFile(t, `
certDir: /srv/pki
gracePeriod: 10s
relayCmd: ["/usr/local/bin/vsock-relay"]
env:
  RUST_LOG: debug
wrapper: ["nice", "-n", "10"]
`)

	cfg, err := harness.LoadConfigFile(harness.DefaultConfig(), path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/pki", cfg.CertDir)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod)
	assert.Equal(t, []string{"/usr/local/bin/vsock-relay"}, cfg.RelayCmd)
	assert.Equal(t, map[string]string{"RUST_LOG": "debug"}, cfg.Env)
	assert.Equal(t, []string{"nice", "-n", "10"}, cfg.Wrapper)

	// Absent fields keep their defaults.
	defaults := harness.DefaultConfig()
	assert.Equal(t, defaults.LogDir, cfg.LogDir)
	assert.Equal(t, defaults.GuestCmd, cfg.GuestCmd)
	assert.Equal(t, defaults.BuildCmd, cfg.BuildCmd)
}

func TestLoadConfigFileRejectsUnknownFields(t *testing.T) {
	path := writeConfigFile(t, "unknownField: true\n")

	_, err := harness.LoadConfigFile(harness.DefaultConfig(), path)
	require.Error(t, err, "unknown fields are config mistakes, not noise")
}

func TestLoadConfigFileRejectsBadGracePeriod(t *testing.T) {
	path := writeConfigFile(t, "gracePeriod: soon\n")

	_, err := harness.LoadConfigFile(harness.DefaultConfig(), path)
	require.Error(t, err)
}

func TestLoadConfigFileMissingFile(t *testing.T) {
	_, err := harness.LoadConfigFile(harness.DefaultConfig(), filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
