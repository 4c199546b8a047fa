package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DB_DSN", "postgres://localhost/marginbook")
	t.Setenv("JWT_ISSUER", "marginbook")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("INTERNAL_API_TOKEN_HASH", "$2a$10$abcdefghijklmnopqrstuv")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, StoreDriverPostgres, c.StoreDriver)
	assert.True(t, c.DBMigrate)
	assert.Equal(t, 24*time.Hour, c.JWTTTL)
	assert.Equal(t, 5*time.Second, c.QuoteMaxAge)
	assert.Equal(t, []string{"*"}, c.CORSOrigins)
	assert.False(t, c.QuoteFeedEnabled)
	assert.Equal(t, float64(10), c.RateLimitRPS)
	assert.Equal(t, "json", c.LogFormat)
}

func TestLoadReportsMissing(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("JWT_ISSUER", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("INTERNAL_API_TOKEN_HASH", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DSN")
	assert.Contains(t, err.Error(), "JWT_SECRET")

	// the memory driver does not need a database
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("JWT_ISSUER", "marginbook")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("INTERNAL_API_TOKEN_HASH", "hash")
	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreDriverMemory, c.StoreDriver)
}

func TestLoadRejectsBadValues(t *testing.T) {
	testCases := []struct {
		key, value string
	}{
		{"STORE_DRIVER", "sqlite"},
		{"DB_MIGRATE", "maybe"},
		{"QUOTE_MAX_AGE", "soon"},
		{"RATE_LIMIT_RPS", "-1"},
		{"QUOTE_FEED_ENABLED", "true"},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			setRequired(t)
			t.Setenv("QUOTE_BRIDGE_URL", "")
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:9999\nLOG_LEVEL=debug\n"), 0o600))

	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("LOG_LEVEL", "")
	require.NoError(t, os.Unsetenv("LOG_LEVEL"))
	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))

	assert.Equal(t, ":7000", os.Getenv("HTTP_ADDR"))
	assert.Equal(t, "debug", os.Getenv("LOG_LEVEL"))
}
