package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
waf:
  upstream_url: "http://upstream.local"
llm:
  base_url: "https://api.anthropic.com"
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg.applyDefaults()

	assert.Equal(t, ":8080", cfg.WAF.ListenAddr)
	assert.Equal(t, "http://upstream.local", cfg.WAF.UpstreamURL)
	assert.Equal(t, 900, cfg.Cache.TTLSeconds)
	assert.Equal(t, 10, cfg.Learner.MinFlaggedRequests)
	assert.Equal(t, "rulebook.json", cfg.Storage.RulebookPath)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("WAF_TEST_BOOL", "1")
	assert.True(t, getEnvBool("WAF_TEST_BOOL", false))
	assert.Equal(t, "fallback", getEnv("WAF_TEST_MISSING", "fallback"))

	t.Setenv("WAF_TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("WAF_TEST_INT", 0))

	t.Setenv("WAF_TEST_FLOAT", "0.3")
	assert.Equal(t, 0.3, getEnvFloat("WAF_TEST_FLOAT", 0))
}
