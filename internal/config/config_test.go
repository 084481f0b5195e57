package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, ":8000", cfg.Address)
	assert.Equal(t, "RS256", cfg.JWTAlgorithm)
	assert.True(t, cfg.JWTGenerateKeys)
	assert.Equal(t, 60*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 6*time.Minute, cfg.NonceTTL)
	assert.Equal(t, 5*time.Minute, cfg.TimestampTTL)
	assert.Equal(t, time.Minute, cfg.ClockSkew)
	assert.Equal(t, 2048, cfg.MaxHeaderSize)
	assert.Equal(t, []string{"wba", "user"}, cfg.DIDPathPrefix)
	assert.Equal(t, []string{"localhost:8000"}, cfg.ServerDomains)
	assert.Equal(t, ReplayBackendMemory, cfg.ReplayBackend)
	assert.Equal(t, 15*time.Minute, cfg.DIDCacheTTL)
	assert.Positive(t, cfg.MaxVerification)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DIDWBA_ENV", "prod")
	t.Setenv("DIDWBA_ACCESS_TOKEN_EXPIRE_MINUTES", "15")
	t.Setenv("DIDWBA_NONCE_EXPIRATION_MINUTES", "10")
	t.Setenv("DIDWBA_CLOCK_SKEW_SECONDS", "5")
	t.Setenv("DIDWBA_DID_HOST", "agents.example.com")
	t.Setenv("DIDWBA_DID_PORT", "0")
	t.Setenv("DIDWBA_DID_PATH_PREFIX", "agents")
	t.Setenv("DIDWBA_REPLAY_BACKEND", "SQLite")
	t.Setenv("DIDWBA_DB_DSN", "file:replay.db")
	t.Setenv("DIDWBA_KEY_ENCODING", "multibase")
	t.Setenv("DIDWBA_TARGET_SERVER_URL", "https://agents.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.JWTGenerateKeys)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.NonceTTL)
	assert.Equal(t, 5*time.Second, cfg.ClockSkew)
	assert.Equal(t, "agents.example.com", cfg.LocalDomain())
	assert.Equal(t, []string{"agents.example.com"}, cfg.ServerDomains)
	assert.Equal(t, []string{"agents"}, cfg.DIDPathPrefix)
	assert.Equal(t, ReplayBackendSQLite, cfg.ReplayBackend)
	assert.Equal(t, KeyEncodingMultibase, cfg.KeyEncoding)
	assert.Equal(t, "https://agents.example.com", cfg.TargetServerURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"nonce not longer than timestamp", map[string]string{"DIDWBA_NONCE_EXPIRATION_MINUTES": "5"}},
		{"non numeric ttl", map[string]string{"DIDWBA_ACCESS_TOKEN_EXPIRE_MINUTES": "soon"}},
		{"zero header size", map[string]string{"DIDWBA_MAX_HEADER_SIZE": "0"}},
		{"hs256", map[string]string{"DIDWBA_JWT_ALGORITHM": "HS256"}},
		{"unknown backend", map[string]string{"DIDWBA_REPLAY_BACKEND": "redis"}},
		{"postgres without dsn", map[string]string{"DIDWBA_REPLAY_BACKEND": "postgres"}},
		{"unknown encoding", map[string]string{"DIDWBA_KEY_ENCODING": "pem"}},
		{"ftp scheme", map[string]string{"DIDWBA_RESOLVE_SCHEME": "ftp"}},
		{"port out of range", map[string]string{"DIDWBA_DID_PORT": "70000"}},
		{"negative clock skew", map[string]string{"DIDWBA_CLOCK_SKEW_SECONDS": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGenerateKeysExplicit(t *testing.T) {
	t.Setenv("DIDWBA_ENV", "prod")
	t.Setenv("DIDWBA_JWT_GENERATE_KEYS", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.JWTGenerateKeys)
}

func TestLoad_ZeroClockSkew(t *testing.T) {
	t.Setenv("DIDWBA_CLOCK_SKEW_SECONDS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.ClockSkew)
}
