package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/runstore"
)

func TestParse(t *testing.T) {
	t.Setenv("AGENTFLOW_TEST_KEY", "sk-test")

	cfg, err := Parse([]byte(`
logging:
  level: debug
  format: text
engine:
  timeout: 90s
  max_concurrency: 4
  strict_loops: true
memory:
  k_recent: 20
run_store:
  driver: none
model:
  provider: anthropic
  api_key: ${AGENTFLOW_TEST_KEY}
  model: ${AGENTFLOW_TEST_MODEL:-claude-sonnet}
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "sk-test", cfg.Model.APIKey)
	assert.Equal(t, "claude-sonnet", cfg.Model.Model)
	// defaults survive for keys the file leaves out
	assert.Equal(t, 5, cfg.Memory.KSemantic)
	assert.Equal(t, 20, cfg.Memory.KRecent)
	assert.Equal(t, 0.7, cfg.Model.Temperature)

	ec := cfg.EngineConfig()
	assert.Equal(t, 90*time.Second, ec.Timeout)
	assert.Equal(t, 4, ec.MaxConcurrency)
	assert.True(t, ec.StrictLoops)

	store, err := cfg.OpenRunStore(context.Background())
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown key", "engine:\n  turbo: true\n", "turbo"},
		{"bad timeout", "engine:\n  timeout: soon\n", "engine.timeout"},
		{"badger without dir", "memory:\n  backend: badger\n", "memory.dir"},
		{"sqlite without dsn", "run_store:\n  driver: sqlite\n", "run_store.dsn"},
		{"redis without dsn", "run_store:\n  driver: redis\n", "redis driver"},
		{"unknown driver", "run_store:\n  driver: cassandra\n", "run_store.driver"},
		{"unknown provider", "model:\n  provider: llama\n", "model.provider"},
		{"bad metric", "memory:\n  metric: manhattan\n", "memory.metric"},
		{"duplicate agent", "agents:\n  - name: a\n  - name: a\n", "duplicate agent"},
		{"mcp without command", "mcp_servers:\n  - name: fs\n", "mcp_servers[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("AGENTFLOW_SET", "value")
	assert.Equal(t, "a=value b= c=fallback $PLAIN",
		ExpandEnv("a=${AGENTFLOW_SET} b=${AGENTFLOW_UNSET} c=${AGENTFLOW_UNSET:-fallback} $PLAIN"))
}

func TestLoad_BuildsComponents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
memory:
  backend: badger
  dir: `+filepath.Join(dir, "mem")+`
  semantic: true
  metric: dot
run_store:
  driver: sqlite
  dsn: `+filepath.Join(dir, "runs.db")+`
model:
  provider: mock
  model: scripted
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	ctx := context.Background()
	provider, err := cfg.NewProvider(ctx)
	require.NoError(t, err)
	assert.Equal(t, "scripted", provider.Info().Name)

	storage, err := cfg.OpenMemoryStorage(logging.NoOpLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	_, isBadger := storage.(*memory.BadgerStorage)
	assert.True(t, isBadger)

	mgr := cfg.NewMemoryManager(storage, provider, logging.NoOpLogger{})
	_, err = mgr.EnsureThread(ctx, "t1", "u1")
	require.NoError(t, err)

	store, err := cfg.OpenRunStore(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, isSQLite := store.(*runstore.SQLite)
	assert.True(t, isSQLite)
}
