package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINE_CONCURRENCY", "8")
	t.Setenv("HOSTING_BUCKET_NAME", "seva")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pipeline.Concurrency)
	assert.Equal(t, 3, cfg.Pipeline.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Pipeline.BackoffBase())
	assert.Equal(t, 10*time.Second, cfg.Pipeline.BackoffMax())
	assert.Equal(t, "seva", cfg.Hosting.BucketName)
	assert.Equal(t, "https://api.interakt.ai", cfg.Messaging.BaseURL)
	assert.Equal(t, "seva-admin", cfg.OIDC.AdminRole)
	assert.False(t, cfg.Hosting.IsConfigured())
}

func TestReadSecret_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))

	t.Setenv("MESSAGING_API_KEY", "")
	t.Setenv("MESSAGING_API_KEY_FILE", path)

	readSecret("MESSAGING_API_KEY")
	assert.Equal(t, "s3cret", os.Getenv("MESSAGING_API_KEY"))
}

func TestHostingConfig_IsConfigured(t *testing.T) {
	h := HostingConfig{AccessKeyID: "a", SecretAccessKey: "b", BucketName: "c"}
	assert.False(t, h.IsConfigured(), "needs an account or endpoint")

	h.Endpoint = "http://minio:9000"
	assert.True(t, h.IsConfigured())
}
