package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "port: 9090\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 500, cfg.Queue.Capacity)
	assert.Equal(t, 4, cfg.Queue.ProviderConcurrency)
	assert.Equal(t, 50, cfg.Health.WindowSize)
	assert.InDelta(t, 0.7, cfg.Health.NeutralScore, 1e-9)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30, cfg.Breaker.CooldownSeconds)
	assert.Equal(t, 300, cfg.Breaker.MaxCooldownSeconds)
	assert.InDelta(t, 0.15, cfg.Selector.HealthFloor, 1e-9)
	assert.Equal(t, 15, cfg.Dispatch.CallTimeoutSeconds)
	assert.Equal(t, 512*1024, cfg.Relay.BufferLimitBytes)
	assert.Equal(t, 1000, cfg.Relay.FlushMinMs)
	assert.Equal(t, 5000, cfg.Relay.FlushMaxMs)
}

func TestLoadConfigProviders(t *testing.T) {
	path := writeConfig(t, `
providers:
  - name: openai
    base-url: https://api.openai.com/v1/
    api-key: sk-test
  - name: ""
    base-url: https://invalid.example.com
  - name: mistral
    base-url: ""
  - name: openai
    base-url: https://duplicate.example.com
  - name: anthropic
    base-url: https://api.anthropic.com/v1
    chat-path: messages
    headers:
      "  X-Extra  ": "  1  "
      "": dropped
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)

	openai := cfg.Providers[0]
	assert.Equal(t, "openai", openai.Name)
	assert.Equal(t, "https://api.openai.com/v1", openai.BaseURL, "trailing slash trimmed")
	assert.Equal(t, "/chat/completions", openai.ChatPath)
	assert.Equal(t, "choices.0.message.content", openai.ResponsePath)
	assert.Equal(t, "openai", openai.DisplayName)

	anthropic := cfg.Providers[1]
	assert.Equal(t, "/messages", anthropic.ChatPath, "missing leading slash added")
	assert.Equal(t, map[string]string{"X-Extra": "1"}, anthropic.Headers)

	assert.Equal(t, []string{"openai", "anthropic"}, cfg.ProviderNames())
}

func TestLoadConfigHashesManagementKey(t *testing.T) {
	path := writeConfig(t, `
management:
  secret-key: hunter2
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cfg.Management.SecretKey, "$2"), "key should be bcrypt hashed")
	assert.True(t, cfg.Management.CheckManagementKey("hunter2"))
	assert.False(t, cfg.Management.CheckManagementKey("wrong"))

	// The hash must have been persisted so reloads do not re-hash.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Management.SecretKey, again.Management.SecretKey)
}

func TestLoadConfigKeepsExistingHash(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	require.NoError(t, err)
	path := writeConfig(t, "management:\n  secret-key: "+string(hashed)+"\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, string(hashed), cfg.Management.SecretKey)
}

func TestSaveConfigUpdateNestedScalarPreservesComments(t *testing.T) {
	path := writeConfig(t, `# top comment
port: 8317
management:
  # the key guarding management endpoints
  secret-key: plain
`)

	require.NoError(t, SaveConfigUpdateNestedScalar(path, []string{"management", "secret-key"}, "$2b$10$abc"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# top comment")
	assert.Contains(t, content, "# the key guarding management endpoints")
	assert.Contains(t, content, "$2b$10$abc")
	assert.NotContains(t, content, "secret-key: plain")
}

func TestSanitizeClampsBadValues(t *testing.T) {
	cfg := &Config{}
	cfg.Queue.Capacity = -1
	cfg.Health.NeutralScore = 3
	cfg.Breaker.CooldownSeconds = -5
	cfg.Relay.FlushMinMs = 2000
	cfg.Relay.FlushMaxMs = 100
	cfg.Sanitize()

	assert.Equal(t, 500, cfg.Queue.Capacity)
	assert.InDelta(t, 0.7, cfg.Health.NeutralScore, 1e-9)
	assert.Equal(t, 30, cfg.Breaker.CooldownSeconds)
	assert.GreaterOrEqual(t, cfg.Relay.FlushMaxMs, cfg.Relay.FlushMinMs)
}
