// Package config holds the daemon configuration, read from environment
// variables with sensible defaults, plus the fixed constants that govern
// resource ranges, filesystem layout, and timing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Fixed constants. These are deliberate operational decisions, not tunables.
const (
	PortRangeStart = 18000
	PortRangeEnd   = 19999

	ValkeyDBMin = 0
	ValkeyDBMax = 15

	SitesBaseDir    = "/var/lib/kennel/sites"
	SecretsDir      = "/run/kennel/secrets"
	LogsDir         = "/var/lib/kennel/logs"
	ServicesBaseDir = "/var/lib/kennel/services"
	SystemdUnitDir  = "/etc/systemd/system"

	ProjectsConfigPath = "/etc/kennel/projects.json"

	DefaultWorkDir      = "/var/lib/kennel/builds"
	DefaultACMECacheDir = "/var/lib/kennel/acme"

	ShutdownTimeout = 300 * time.Second

	HealthCheckInterval          = 30 * time.Second
	HealthCheckTimeout           = 5 * time.Second
	MaxConsecutiveHealthFailures = 3

	RouterReloadInterval = 60 * time.Second

	CleanupJobInterval    = 10 * time.Minute
	ExpiryInactiveDays    = 7
	LogCleanupInterval    = 24 * time.Hour
	LogRetentionDays      = 30
	BlueGreenDrainTimeout = 30 * time.Second

	BuildQueueCapacity        = 1000
	DeployQueueCapacity       = 100
	TeardownQueueCapacity     = 100
	RouterUpdateQueueCapacity = 100
)

// Config is the daemon configuration assembled from the environment.
type Config struct {
	DatabaseURL string

	APIHost    string
	APIPort    string
	RouterAddr string

	TLSEnabled     bool
	ACMEEmail      string
	ACMEProduction bool
	ACMECacheDir   string

	MaxConcurrentBuilds int
	WorkDir             string
	BaseDomain          string

	DNSEnabled         bool
	DNSServerIPv4      string
	DNSServerIPv6      string
	DNSCloudflareZones string // JSON map of zone suffix -> zone id
	CloudflareAPIToken string
}

// FromEnv reads the configuration from environment variables. DATABASE_URL
// is the only required variable; everything else has a default.
func FromEnv() (*Config, error) {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	cfg := &Config{
		DatabaseURL:         databaseURL,
		APIHost:             envOr("API_HOST", "0.0.0.0"),
		APIPort:             envOr("API_PORT", "3000"),
		RouterAddr:          envOr("ROUTER_ADDR", "0.0.0.0:80"),
		TLSEnabled:          envBool("TLS_ENABLED"),
		ACMEEmail:           os.Getenv("ACME_EMAIL"),
		ACMEProduction:      envBool("ACME_PRODUCTION"),
		ACMECacheDir:        envOr("ACME_CACHE_DIR", DefaultACMECacheDir),
		MaxConcurrentBuilds: envInt("MAX_CONCURRENT_BUILDS", 2),
		WorkDir:             envOr("WORK_DIR", DefaultWorkDir),
		BaseDomain:          envOr("BASE_DOMAIN", "scottylabs.org"),
		DNSEnabled:          envBool("DNS_ENABLED"),
		DNSServerIPv4:       os.Getenv("DNS_SERVER_IPV4"),
		DNSServerIPv6:       os.Getenv("DNS_SERVER_IPV6"),
		DNSCloudflareZones:  os.Getenv("DNS_CLOUDFLARE_ZONES"),
		CloudflareAPIToken:  os.Getenv("CLOUDFLARE_API_TOKEN"),
	}

	if cfg.TLSEnabled && cfg.ACMEEmail == "" {
		return nil, fmt.Errorf("ACME_EMAIL must be set when TLS_ENABLED is true")
	}
	if cfg.DNSEnabled {
		if cfg.DNSServerIPv4 == "" || cfg.DNSServerIPv6 == "" {
			return nil, fmt.Errorf("DNS_SERVER_IPV4 and DNS_SERVER_IPV6 must be set when DNS_ENABLED is true")
		}
		if cfg.DNSCloudflareZones == "" || cfg.CloudflareAPIToken == "" {
			return nil, fmt.Errorf("DNS_CLOUDFLARE_ZONES and CLOUDFLARE_API_TOKEN must be set when DNS_ENABLED is true")
		}
	}

	return cfg, nil
}

// APIAddr returns the bind address of the operator/webhook HTTP server.
func (c *Config) APIAddr() string {
	return c.APIHost + ":" + c.APIPort
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
