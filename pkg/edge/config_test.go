package edge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
site_id: S1
server_url: https://foreman.example.com
collector_key: hsc_abc
miners:
  - id: M1
    host: 10.0.0.10
  - id: M2
    host: 10.0.0.11
    port: 4029
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "S1", cfg.SiteID)
	assert.Equal(t, 60*time.Second, cfg.PollInterval())
	assert.Equal(t, 10*time.Second, cfg.PollJitter())
	assert.Equal(t, 20, cfg.Workers)
	require.Len(t, cfg.Miners, 2)
	assert.Equal(t, 0, cfg.Miners[0].Port)
	assert.Equal(t, 4029, cfg.Miners[1].Port)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
site_id: S1
server_url: https://foreman.example.com
collector_key: hsc_abc
poll_interval_s: 30
poll_jitter_s: 5
workers: 4
miners:
  - id: M1
    host: 10.0.0.10
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.PollInterval())
	assert.Equal(t, 5*time.Second, cfg.PollJitter())
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing site": `
server_url: https://x
collector_key: hsc_abc
miners: [{id: M1, host: h}]`,
		"no miners": `
site_id: S1
server_url: https://x
collector_key: hsc_abc`,
		"duplicate miner": `
site_id: S1
server_url: https://x
collector_key: hsc_abc
miners: [{id: M1, host: h}, {id: M1, host: h2}]`,
		"miner without host": `
site_id: S1
server_url: https://x
collector_key: hsc_abc
miners: [{id: M1}]`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}
