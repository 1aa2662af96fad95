package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
database:
  url: postgres://localhost/mangalytics
storage:
  endpoint: localhost:9000
  access_key: minio
  secret_key: minio123
docparse:
  api_key: dp_test
gemini:
  api_key: gm_test
email:
  api_key: re_test
scraper:
  max_documents: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "postgres://localhost/mangalytics", cfg.Database.URL)
	assert.Equal(t, "localhost:9000", cfg.Storage.Endpoint)
	assert.Equal(t, 3, cfg.Scraper.MaxDocuments)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Scraper.MaxDocuments)
	assert.Equal(t, 1, cfg.Pipeline.MaxExtractDocuments)
	assert.Equal(t, 60, cfg.Pipeline.AcquireTimeoutSeconds)
	assert.Equal(t, 180, cfg.Pipeline.ExtractTimeoutSeconds)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  url: postgres://file/value
`)
	t.Setenv("DATABASE_URL", "postgres://env/value")
	t.Setenv("GEMINI_API_KEY", "gm_env")
	t.Setenv("MINIO_USE_SSL", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/value", cfg.Database.URL)
	assert.Equal(t, "gm_env", cfg.Gemini.APIKey)
	assert.True(t, cfg.Storage.UseSSL)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [not a mapping")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.url")
}

func TestDurationAccessors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "1m0s", cfg.Pipeline.AcquireTimeout().String())
	assert.Equal(t, "3m0s", cfg.Pipeline.ExtractTimeout().String())
	assert.Equal(t, "10s", cfg.Server.ShutdownTimeout().String())
}
