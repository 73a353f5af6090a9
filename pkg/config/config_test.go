package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("management_server_id: ms-1\n"))
	require.NoError(t, err)

	assert.False(t, cfg.Enabled)
	assert.Equal(t, 60*time.Second, cfg.Period)
	assert.Equal(t, 5, cfg.Workers)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.GracePeriod)
	assert.Equal(t, cfg.Period, cfg.LeaseTTL)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
management_server_id: ms-2
enabled: true
period: 15s
workers: 2
max_attempts: 3
grace_period: 2m
lease_ttl: 20s
`))
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Period)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.GracePeriod)
	assert.Equal(t, 20*time.Second, cfg.LeaseTTL)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing id", "enabled: true\n", "management_server_id is required"},
		{"zero workers", "management_server_id: a\nworkers: 0\n", "workers must be at least 1"},
		{"negative period", "management_server_id: a\nperiod: -1s\n", "period must be positive"},
		{"bad yaml", "management_server_id: [\n", "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestForServerAndSummary(t *testing.T) {
	cfg := ForServer("")
	assert.NotEmpty(t, cfg.ManagementServerID)
	require.NoError(t, cfg.Validate())

	out, err := ForServer("ms-1").Summary()
	require.NoError(t, err)
	assert.Contains(t, string(out), "period: 1m0s")
	assert.Contains(t, string(out), "management_server_id: ms-1")

	var src Source = Static(cfg)
	assert.Equal(t, cfg, src.Current())
}

func TestWatcherReloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("management_server_id: ms-1\nworkers: 2\n"), 0644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.Start()
	defer w.Stop()

	assert.Equal(t, 2, w.Current().Workers)

	require.NoError(t, os.WriteFile(path, []byte("management_server_id: ms-1\nworkers: 8\nenabled: true\n"), 0644))
	require.Eventually(t, func() bool {
		return w.Current().Workers == 8
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, w.Current().Enabled)

	// An invalid file keeps the last good config
	require.NoError(t, os.WriteFile(path, []byte("workers: 0\n"), 0644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 8, w.Current().Workers)
	assert.Equal(t, "ms-1", w.Current().ManagementServerID)
}

func TestNewWatcherRequiresValidFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
