package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unsetenv removes k for the duration of the test. An empty value is not the
// same as unset: envconfig only applies defaults to missing keys.
func unsetenv(t *testing.T, k string) {
	t.Helper()
	if v, ok := os.LookupEnv(k); ok {
		require.NoError(t, os.Unsetenv(k))
		t.Cleanup(func() { _ = os.Setenv(k, v) })
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "HTTP_SHUTDOWN_TIMEOUT", "PASSWORD_BCRYPT_COST", "SNOWFLAKE_NODE", "AUTH_RATE_LIMIT", "PUBLIC_BASE_URL"} {
		unsetenv(t, k)
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8431", cfg.HTTPAddr)
	assert.Equal(t, 12, cfg.BcryptCost)
	assert.Equal(t, int64(1), cfg.SnowflakeNode)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "http://localhost:8431", cfg.OAuth.PublicBaseURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("BILLING_API_KEY", "k")
	t.Setenv("OAUTH_GOOGLE_CLIENT_ID", "gid")
	t.Setenv("PUBLIC_BASE_URL", "https://id.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "k", cfg.BillingAPIKey)
	assert.Equal(t, "gid", cfg.OAuth.GoogleClientID)
	assert.Equal(t, "https://id.example.com", cfg.OAuth.PublicBaseURL)
}

func TestValidate(t *testing.T) {
	ok := Config{BcryptCost: 12, SnowflakeNode: 1, AuthRateLimit: 10}
	require.NoError(t, ok.Validate())

	bad := ok
	bad.BcryptCost = 4
	bad.SnowflakeNode = 2048
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PASSWORD_BCRYPT_COST")
	assert.Contains(t, err.Error(), "SNOWFLAKE_NODE")

	prod := ok
	prod.Production, prod.BillingAPIKey = true, "short"
	assert.Error(t, prod.Validate())
}
