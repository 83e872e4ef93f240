package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	t.Setenv("PUSHCHAT_CONFIG", "")
	t.Setenv("PUSHCHAT_JWT_SECRET", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, 30, cfg.PreviewLength)
	assert.Equal(t, "secret", cfg.JWTSecret)
	assert.False(t, cfg.PushEnabled())
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv("PUSHCHAT_CONFIG", "")
	t.Setenv("PUSHCHAT_JWT_SECRET", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pushchat.yaml")
	content := `
port: 8080
db_driver: postgres
db_path: postgres://chat@localhost/chat?sslmode=disable
jwt_secret: from-file
vapid_public_key: pub
vapid_private_key: priv
preview_length: 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("PUSHCHAT_JWT_SECRET", "")
	t.Setenv("PUSHCHAT_PORT", "9090")
	t.Setenv("PUSHCHAT_PREVIEW_LENGTH", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres", cfg.DBDriver)
	assert.Equal(t, "from-file", cfg.JWTSecret)
	assert.Equal(t, 10, cfg.PreviewLength)
	assert.True(t, cfg.PushEnabled())
}

func TestValidateUnknownDriver(t *testing.T) {
	cfg := Default()
	cfg.JWTSecret = "x"
	cfg.DBDriver = "mysql"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

func TestLoadCORSOrigins(t *testing.T) {
	t.Setenv("PUSHCHAT_CONFIG", "")
	t.Setenv("PUSHCHAT_JWT_SECRET", "secret")
	t.Setenv("PUSHCHAT_CORS_ORIGINS", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)

	t.Setenv("PUSHCHAT_CORS_ORIGINS", " https://a.example.com, ,https://b.example.com ")
	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}
