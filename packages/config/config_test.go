package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"harvester/packages/config"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := config.Parse(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, "https://www.flickr.com/sitemap", cfg.SitemapBaseURL)
	assert.Equal(t, "2006/01/02", cfg.SitemapDateLayout)
	assert.InDelta(t, 0.01, cfg.SampleFraction, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.RetryStep)
	assert.Equal(t, 0, cfg.RetryMaxAttempts)
	assert.Equal(t, 60*time.Second, cfg.UnavailableCooldown)
	assert.Equal(t, 4, cfg.MaxWorkers)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Error(t, cfg.RequireDatabase())
	assert.Error(t, cfg.RequireAPIKey())
}

func TestParseOverrides(t *testing.T) {
	cfg, err := config.Parse(map[string]string{
		"DATABASE_URL":    "postgres://u:p@localhost:5432/harvest",
		"FLICKR_API_KEY":  "abc",
		"SAMPLE_FRACTION": "0.5",
		"MAX_WORKERS":     "16",
		"FETCH_TIMEOUT":   "3s",
		"WRITE_EXIF":      "true",
	})
	require.NoError(t, err)

	assert.NoError(t, cfg.RequireDatabase())
	assert.NoError(t, cfg.RequireAPIKey())
	assert.InDelta(t, 0.5, cfg.SampleFraction, 1e-9)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, 3*time.Second, cfg.FetchTimeout)
	assert.True(t, cfg.WriteExif)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	for _, environ := range []map[string]string{
		{"SAMPLE_FRACTION": "0"},
		{"SAMPLE_FRACTION": "1.5"},
		{"MAX_WORKERS": "0"},
		{"BATCH_SIZE": "-1"},
		{"FETCH_TIMEOUT": "soon"},
	} {
		_, err := config.Parse(environ)
		assert.Error(t, err, "%v", environ)
	}
}

func TestCredentialsFileSuppliesAPIKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_key: from-file\n"), 0o600))

	cfg, err := config.Parse(map[string]string{"CREDENTIALS_FILE": path})
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.APIKey)

	cfg, err = config.Parse(map[string]string{"CREDENTIALS_FILE": path, "FLICKR_API_KEY": "from-env"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
}

func TestCredentialsFileWithoutKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_secret: x\n"), 0o600))

	_, err := config.Parse(map[string]string{"CREDENTIALS_FILE": path})
	assert.Error(t, err)
}
