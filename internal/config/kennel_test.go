package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/kennel")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:3000", cfg.APIAddr())
	assert.Equal(t, "0.0.0.0:80", cfg.RouterAddr)
	assert.Equal(t, 2, cfg.MaxConcurrentBuilds)
	assert.Equal(t, DefaultWorkDir, cfg.WorkDir)
	assert.Equal(t, "scottylabs.org", cfg.BaseDomain)
	assert.False(t, cfg.TLSEnabled)
	assert.False(t, cfg.DNSEnabled)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/kennel")
	t.Setenv("API_HOST", "127.0.0.1")
	t.Setenv("API_PORT", "8080")
	t.Setenv("MAX_CONCURRENT_BUILDS", "4")
	t.Setenv("BASE_DOMAIN", "example.org")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.APIAddr())
	assert.Equal(t, 4, cfg.MaxConcurrentBuilds)
	assert.Equal(t, "example.org", cfg.BaseDomain)
}

func TestFromEnvTLSRequiresEmail(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/kennel")
	t.Setenv("TLS_ENABLED", "true")
	t.Setenv("ACME_EMAIL", "")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ACME_EMAIL")
}

func TestFromEnvDNSRequiresProviderSettings(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/kennel")
	t.Setenv("DNS_ENABLED", "1")
	t.Setenv("DNS_SERVER_IPV4", "198.51.100.7")

	_, err := FromEnv()
	require.Error(t, err)
}
