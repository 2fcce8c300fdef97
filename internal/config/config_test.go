package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadLayersFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lyceum.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
auth:
  jwt_secret: "`+testSecret+`"
  access_ttl: 10m
  max_sessions_per_user: 3
log_level: debug
`), 0o600))

	t.Setenv("LYCEUM_HTTP_ADDR", ":9100")
	t.Setenv("LYCEUM_HASHERS", "pbkdf2-sha256, bcrypt")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 3, cfg.Auth.MaxSessionsPerUser)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, []string{"pbkdf2-sha256", "bcrypt"}, cfg.Auth.Hashers)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate(), "missing secret")

	cfg.Auth.JWTSecret = testSecret
	require.NoError(t, cfg.Validate())

	cfg.Auth.SessionBackend = SessionBackendRedis
	assert.Error(t, cfg.Validate())
	cfg.Redis.Addr = "localhost:6379"
	assert.NoError(t, cfg.Validate())

	cfg.Auth.SessionBackend = "etcd"
	assert.Error(t, cfg.Validate())
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	cfg := Default()
	env := map[string]string{"LYCEUM_ACCESS_TTL": "soon", "LYCEUM_MAX_SESSIONS": "many"}
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LYCEUM_ACCESS_TTL")
	assert.Contains(t, err.Error(), "LYCEUM_MAX_SESSIONS")
	assert.Equal(t, 30*time.Minute, cfg.Auth.AccessTTL)
}
