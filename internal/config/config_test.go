// ABOUTME: Tests for configuration loading
// ABOUTME: Covers env expansion, duration parsing, defaults, and validation errors

package config

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
	path := filepath.Join(t.TempDir(), "threadline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/threadline.db"
auth:
  jwt_secret: "secret"
provider:
  api_key: "sk-test"
`

func TestLoad_ValidConfigWithDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
	assert.Equal(t, "text-embedding-3-small", cfg.Provider.EmbeddingModel)
	assert.Equal(t, 1536, cfg.Provider.EmbeddingDim)
	assert.Equal(t, float32(0.7), cfg.Provider.Temperature)
	assert.Equal(t, 1000, cfg.Provider.MaxTokens)
	assert.Equal(t, 3, cfg.Analysis.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Analysis.RetryBackoff)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("THREADLINE_TEST_KEY", "sk-from-env")

	cfg, err := Load(writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  path: "/tmp/threadline.db"
auth:
  jwt_secret: "secret"
provider:
  api_key: "${THREADLINE_TEST_KEY}"
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-from-env", cfg.Provider.APIKey)
}

func TestLoad_DurationParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig+`
analysis:
  max_retries: 5
  retry_backoff: "30s"
`))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Analysis.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Analysis.RetryBackoff)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
analysis:
  retry_backoff: "soon"
`))
	assert.ErrorContains(t, err, "retry_backoff")
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database: {path: "/tmp/t.db"}
auth: {jwt_secret: "s"}
provider: {api_key: "k"}
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing jwt_secret",
			content: `
server: {http_addr: ":8080"}
database: {path: "/tmp/t.db"}
provider: {api_key: "k"}
`,
			wantErr: "auth.jwt_secret",
		},
		{
			name: "missing api_key",
			content: `
server: {http_addr: ":8080"}
database: {path: "/tmp/t.db"}
auth: {jwt_secret: "s"}
`,
			wantErr: "provider.api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	_, err := Load(writeConfig(t, validConfig+`
logging:
  level: "verbose"
`))
	assert.ErrorContains(t, err, "logging.level")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "reading config file")
}
