package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 200*time.Millisecond, cfg.Serial.HandshakeTimeout.Duration)
	assert.Equal(t, 5*time.Second, cfg.Transfer.FrameTimeout.Duration)
	assert.Equal(t, 10, cfg.Transfer.RetryBudget)
	assert.Equal(t, 8192, cfg.Transfer.MaxBlockSize)
	assert.Equal(t, ".tapiorqp", filepath.Base(cfg.Transfer.Destination))
	assert.Equal(t, []string{"manifest"}, cfg.Postprocess.Enabled)
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[serial]
baud = 57600
handshake_timeout = "350ms"

[scan]
max_workers = 4
name_filter = "RQP"

[transfer]
destination = "/srv/rqp"
frame_timeout = "8s"

[postprocess]
enabled = []

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 57600, cfg.Serial.BaudRate)
	assert.Equal(t, 350*time.Millisecond, cfg.Serial.HandshakeTimeout.Duration)
	assert.Equal(t, 100*time.Millisecond, cfg.Serial.ReadSlice.Duration, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Scan.MaxWorkers)
	assert.Equal(t, "RQP", cfg.Scan.NameFilter)
	assert.Equal(t, "/srv/rqp", cfg.Transfer.Destination)
	assert.Equal(t, 10, cfg.Transfer.RetryBudget)
	assert.Empty(t, cfg.Postprocess.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)

	tc := cfg.TransferConfig()
	assert.Equal(t, 57600, tc.BaudRate)
	assert.Equal(t, 8*time.Second, tc.FrameTimeout)
	hc := cfg.HandshakeConfig()
	assert.Equal(t, 350*time.Millisecond, hc.Timeout)
}

func TestLoadRejects(t *testing.T) {
	for name, body := range map[string]string{
		"bad duration": "[serial]\nhandshake_timeout = \"soon\"\n",
		"unknown key":  "[serial]\nparity = \"even\"\n",
		"bad syntax":   "[serial\n",
		"zero budget":  "[transfer]\nretry_budget = 0\n",
		"small blocks": "[transfer]\nmax_block_size = 512\n",
	} {
		_, err := Load(writeConfig(t, body))
		assert.Error(t, err, name)
	}
}
