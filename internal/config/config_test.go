package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/verifier")
	t.Setenv("VERIFIER_CONFIG_FILE", "")
	t.Setenv("MAX_FILE_SIZE_GB", "")
	t.Setenv("TEMP_DIR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 13, cfg.MaxFileSizeGB)
	assert.Equal(t, int64(13)<<30, cfg.MaxFileSizeBytes())
	assert.Equal(t, os.TempDir(), cfg.TempDir)
	assert.False(t, cfg.EnableLegacyUpload)
	assert.False(t, cfg.EncryptedFlowReady())
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("VERIFIER_CONFIG_FILE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestEnvWinsOverOverlay(t *testing.T) {
	overlay := filepath.Join(t.TempDir(), "verifier.yaml")
	require.NoError(t, os.WriteFile(overlay, []byte("port: \"9000\"\naggregator_url: http://file-agg\n"), 0o644))

	t.Setenv("DATABASE_URL", "postgres://localhost/verifier")
	t.Setenv("VERIFIER_CONFIG_FILE", overlay)
	t.Setenv("PORT", "7777")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Port, "env should override overlay file")
	assert.Equal(t, "http://file-agg", cfg.AggregatorURL, "overlay fills values env leaves unset")
}

func TestCORSOriginParsing(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/verifier")
	t.Setenv("VERIFIER_CONFIG_FILE", "")
	t.Setenv("CORS_ORIGIN", "https://app.example.com, https://admin.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example.com", "https://admin.example.com"}, cfg.CORSOrigins)
}

func TestEncryptedFlowReady(t *testing.T) {
	cfg := &Config{AggregatorURL: "http://agg", KeyPackageID: "pkg-1", KeyServiceURL: "http://keys"}
	assert.True(t, cfg.EncryptedFlowReady())

	cfg.KeyPackageID = ""
	assert.False(t, cfg.EncryptedFlowReady())
}
