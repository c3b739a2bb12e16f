package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSystem(t *testing.T) {
	path := writeFile(t, "histdata.yaml", `
logging:
  level: debug
  format: json
database:
  host: db.internal
  port: 5433
  dbname: market
  user: ingest
  password: secret
  pool_size: 8
paths:
  quarantine_dir: /var/lib/histdata/quarantine
defaults:
  batch_size: 500
  chunk_days: 7
`)
	cfg, err := LoadSystem(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 8, cfg.Database.PoolSize)
	assert.Equal(t, 500, cfg.Defaults.BatchSize)
	assert.Equal(t, "/var/lib/histdata/quarantine", cfg.Paths.QuarantineDir)
	// Unset sections keep their defaults.
	assert.Equal(t, "configs/mappings", cfg.Paths.MappingDir)
}

func TestLoadSystemUnknownKeyIsHardError(t *testing.T) {
	path := writeFile(t, "histdata.yaml", `
database:
  host: localhost
  hostname: oops
`)
	_, err := LoadSystem(path)
	assert.Error(t, err)
}

func TestLoadSystemEnvOverridesFile(t *testing.T) {
	t.Setenv("HISTDATA_DB_HOST", "env-host")
	t.Setenv("HISTDATA_DB_PORT", "6000")
	t.Setenv("HISTDATA_DB_PASSWORD", "env-secret")

	path := writeFile(t, "histdata.yaml", `
database:
  host: file-host
  port: 5432
  password: file-secret
`)
	cfg, err := LoadSystem(path)
	require.NoError(t, err)
	assert.Equal(t, "env-host", cfg.Database.Host)
	assert.Equal(t, 6000, cfg.Database.Port)
	assert.Equal(t, "env-secret", cfg.Database.Password)
}

func TestLoadAPI(t *testing.T) {
	path := writeFile(t, "databento.yaml", `
api: databento
retry:
  max_attempts: 5
  initial_wait_s: 2
  multiplier: 2
  max_wait_s: 30
jobs:
  - name: es-daily
    dataset: GLBX.MDP3
    schema: ohlcv-1d
    symbols: [ES.c.0]
    stype_in: continuous
    start_date: "2024-01-01"
    end_date: "2024-01-31"
`)
	api, err := LoadAPI(path)
	require.NoError(t, err)
	assert.Equal(t, "databento", api.Name)
	assert.Equal(t, 5, api.Retry.MaxAttempts)
	require.Len(t, api.Jobs, 1)

	job, err := api.JobByName("es-daily")
	require.NoError(t, err)
	assert.True(t, job.QuarantineEnabled(), "quarantine defaults on")

	_, err = api.JobByName("missing")
	assert.Error(t, err)
}

func TestLoadAPIDefaultsRetryPolicy(t *testing.T) {
	path := writeFile(t, "api.yaml", `
api: databento
jobs: []
`)
	api, err := LoadAPI(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryPolicy(), api.Retry)
}

func TestLoadAPIRejectsBadJobs(t *testing.T) {
	cases := map[string]string{
		"duplicate names": `
api: a
jobs:
  - {name: j, dataset: d, schema: trades, symbols: [X], start_date: "2024-01-01", end_date: "2024-01-02"}
  - {name: j, dataset: d, schema: trades, symbols: [X], start_date: "2024-01-01", end_date: "2024-01-02"}
`,
		"no symbols": `
api: a
jobs:
  - {name: j, dataset: d, schema: trades, symbols: [], start_date: "2024-01-01", end_date: "2024-01-02"}
`,
		"end before start": `
api: a
jobs:
  - {name: j, dataset: d, schema: trades, symbols: [X], start_date: "2024-02-01", end_date: "2024-01-02"}
`,
		"bad date": `
api: a
jobs:
  - {name: j, dataset: d, schema: trades, symbols: [X], start_date: "01/02/2024", end_date: "2024-01-02"}
`,
	}
	for name, doc := range cases {
		path := writeFile(t, "api.yaml", doc)
		_, err := LoadAPI(path)
		assert.Error(t, err, name)
	}
}
