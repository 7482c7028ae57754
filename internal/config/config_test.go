package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.MaxChatLimit)
	assert.Equal(t, 5, cfg.MaxImageLimit)
	assert.Equal(t, "Asia/Tokyo", cfg.QuotaTimezone)
	assert.Equal(t, "AI_Student_Master", cfg.StudentSheetName)
	assert.Equal(t, "AI_Chat_Log", cfg.LogSheetName)
	assert.Equal(t, 250*time.Millisecond, cfg.StoreRetryBaseDelay)
	assert.False(t, cfg.UploadsEnabled())
}

func TestLoadRequiresDSNForMySQL(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_BACKEND", "mysql")
	t.Setenv("MYSQL_DSN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MYSQL_DSN")
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := filepath.Join(dir, "custom.env")
	require.NoError(t, os.WriteFile(path, []byte("MAX_CHAT_LIMIT=3\nSTORE_RETRY_MAX_DELAY=2s\n"), 0o600))
	t.Setenv("CONFIG_ENV_PATH", path)
	t.Setenv("STORE_BACKEND", "memory")
	// godotenv.Load does not override variables that are already set.
	t.Setenv("MAX_CHAT_LIMIT", "")
	os.Unsetenv("MAX_CHAT_LIMIT")
	t.Setenv("STORE_RETRY_MAX_DELAY", "")
	os.Unsetenv("STORE_RETRY_MAX_DELAY")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxChatLimit)
	assert.Equal(t, 2*time.Second, cfg.StoreRetryMaxDelay)
}

func TestLoadRejectsPartialS3(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("S3_BUCKET", "attachments")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S3_REGION")
}
