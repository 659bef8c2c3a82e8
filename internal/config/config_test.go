package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"precalc-backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.CacheBackendSQL, cfg.CacheBackend)
	assert.Equal(t, 25, cfg.WriteBatchSize)
	assert.Equal(t, 3, cfg.WriteMaxRetries)
	assert.Equal(t, time.Hour, cfg.PresignTTL)
	assert.True(t, cfg.EnforceSchema)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "dynamodb")
	t.Setenv("DYNAMODB_ENDPOINT_URL", "http://localhost:8000")
	t.Setenv("S3_ENDPOINT_URL", "http://localhost:9000")
	t.Setenv("QUERY_TIMEOUT", "5s")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.CacheBackendDynamo, cfg.CacheBackend)
	assert.Equal(t, 5*time.Second, cfg.QueryTimeout)
	assert.Equal(t, "http://localhost:8000", cfg.Dynamo().EndpointURL)
	assert.Equal(t, "http://localhost:9000", cfg.S3().EndpointURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "redis")
	_, err := config.Load()
	require.Error(t, err)

	t.Setenv("CACHE_BACKEND", "sql")
	t.Setenv("WRITE_BATCH_SIZE", "26")
	_, err = config.Load()
	require.Error(t, err)
}

const registryYAML = `
models:
  - id: eos2zmb
    description: toy model
  - id: eos3b5e
    executor:
      kind: http
      url: http://models:8080
      timeout: 10m
  - id: eos4e40
    executor:
      kind: plugin
      binary: /opt/plugins/eos4e40
      args: ["--threads", "2"]
`

func TestLoadModelRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0644))

	registry, err := config.LoadModelRegistry(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"eos2zmb", "eos3b5e", "eos4e40"}, registry.Ids())

	model, ok := registry.Get("eos2zmb")
	require.True(t, ok)
	assert.Equal(t, config.ExecutorErsilia, model.Executor.Kind)
	assert.Equal(t, "ersilia", model.Executor.Binary)

	model, ok = registry.Get("eos3b5e")
	require.True(t, ok)
	assert.Equal(t, 10*time.Minute, model.Executor.Timeout)

	model, ok = registry.Get("eos4e40")
	require.True(t, ok)
	assert.Equal(t, []string{"--threads", "2"}, model.Executor.Args)

	_, ok = registry.Get("eos0000")
	assert.False(t, ok)
}

func TestParseModelRegistryErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"duplicate":    "models:\n  - id: a\n  - id: a\n",
		"missing id":   "models:\n  - description: x\n",
		"unknown kind": "models:\n  - id: a\n    executor:\n      kind: grpc\n",
		"http no url":  "models:\n  - id: a\n    executor:\n      kind: http\n",
		"unknown key":  "models:\n  - id: a\n    owner: me\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := config.ParseModelRegistry([]byte(doc))
			require.Error(t, err)
		})
	}
}
