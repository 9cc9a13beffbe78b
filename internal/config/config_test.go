package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadClient(t *testing.T) {
	path := writeTemp(t, "client.toml", `
host = "127.0.0.1"
port = 9000
max_message_size = 2048
mode = "SELECTIVE_REPEAT"
encrypt = true
error_sim = true
error_type = "bit_flip"
error_probability = 0.1
chunk_size = 8
pace_ms = 50
metrics_addr = ":9100"
`)

	c, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", c.Host)
	require.Equal(t, 9000, c.Port)
	require.Equal(t, 2048, c.MaxMessageSize)
	require.Equal(t, "SELECTIVE_REPEAT", c.Mode)
	require.True(t, c.Encrypt)
	require.True(t, c.ErrorSim)
	require.Equal(t, "bit_flip", c.ErrorType)
	require.InDelta(t, 0.1, c.ErrorProbability, 1e-9)
	require.Equal(t, 8, c.ChunkSize)
	require.Equal(t, 50, c.PaceMilliseconds)
	require.Equal(t, ":9100", c.MetricsAddr)
}

func TestLoadServer(t *testing.T) {
	path := writeTemp(t, "server.toml", `
host = "0.0.0.0"
port = 9000
window_size = 4
mode = "GO_BACK_N"
max_message_size = 4096
packet_loss_probability = 0.05
metrics_addr = ":9101"
stats_interval_seconds = 30
`)

	s, err := LoadServer(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", s.Host)
	require.Equal(t, 4, s.WindowSize)
	require.Equal(t, "GO_BACK_N", s.Mode)
	require.InDelta(t, 0.05, s.PacketLossProbability, 1e-9)
	require.Equal(t, 30, s.StatsIntervalSeconds)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := LoadClient(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadClientDefaultsZeroValue(t *testing.T) {
	path := writeTemp(t, "minimal.toml", `host = "localhost"`)
	c, err := LoadClient(path)
	require.NoError(t, err)
	require.Equal(t, "localhost", c.Host)
	require.Equal(t, 0, c.Port)
	require.False(t, c.Encrypt)
}
