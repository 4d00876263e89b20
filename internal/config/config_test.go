package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	text, err := cfg.Service(ServiceText)
	require.NoError(t, err)
	assert.Equal(t, 10, text.Throttle.MaxConcurrent)
	assert.Equal(t, 500, text.Throttle.MaxPerWindow)
	assert.Equal(t, 3, text.Retry.MaxAttempts)

	search, err := cfg.Service(ServiceSearch)
	require.NoError(t, err)
	assert.Equal(t, 5, search.Throttle.MaxConcurrent)
	assert.Equal(t, 100, search.Throttle.MaxPerWindow)

	retryCap, policy := cfg.Gate("synthesize_script", 0)
	assert.Equal(t, 3, retryCap)
	assert.Equal(t, domain.CapForceAccept, policy)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := writeFile(t, "espalier.yaml", `
services:
  search:
    max_concurrent: 2
    window: 30s
    mode: paced
gates:
  collect_images:
    retry_cap: 0
    on_cap: fail
pipeline:
  script_min_words: 100
store:
  kind: memory
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	search, err := cfg.Service(ServiceSearch)
	require.NoError(t, err)
	assert.Equal(t, 2, search.Throttle.MaxConcurrent)
	assert.Equal(t, 100, search.Throttle.MaxPerWindow, "unset fields keep their defaults")
	assert.Equal(t, 30*time.Second, search.Throttle.Window)
	assert.Equal(t, throttle.ModePaced, search.Throttle.Mode)

	retryCap, policy := cfg.Gate("collect_images", 2)
	assert.Equal(t, 0, retryCap)
	assert.Equal(t, domain.CapFail, policy)

	retryCap, _ = cfg.Gate("synthesize_script", 0)
	assert.Equal(t, 3, retryCap, "gates not in the file keep their defaults")

	assert.Equal(t, 100, cfg.Pipeline.ScriptMinWords)
	assert.Equal(t, 500, cfg.Pipeline.ScriptMaxWords)
	assert.Equal(t, StoreMemory, cfg.Store.Kind)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "espalier.json", `{"log": {"level": "debug", "format": "json"}, "server": {"addr": ":9999"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "services: [1, 2"))
	assert.Error(t, err)
}

func TestValidate_ReportsEverything(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.ScriptMaxWords = 100
	cfg.Store.Kind = "s3"
	cfg.Log.Format = "xml"
	cfg.Providers.Voice = "robot"
	cfg.Gates["synthesize_script"] = GateConfig{OnCap: "maybe"}
	s := cfg.Services[ServiceText]
	s.MaxConcurrent = 0
	cfg.Services[ServiceText] = s

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"script_max_words", "store.kind", "log.format", "providers.voice", "on_cap", "services.text"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvOpenAIKey:         "sk-test",
		EnvLogLevel:          "warn",
		EnvStoreKey:          "active",
		EnvStoreFallbackKeys: "old1, ,old2",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "sk-test", cfg.Providers.OpenAIKey)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "active", cfg.Store.EncryptionKey)
	assert.Equal(t, []string{"old1", "old2"}, cfg.Store.FallbackKeys)

	err := cfg.RequireKeys()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvSearchKey)
	assert.NotContains(t, err.Error(), EnvOpenAIKey)
}
