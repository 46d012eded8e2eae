// Package manifest parses the per-repo kennel.yaml that declares what a
// repository wants built and deployed.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest path relative to the repository root.
const FileName = "kennel.yaml"

const (
	DefaultHealthCheckPath        = "/health"
	DefaultHealthCheckTimeoutSecs = 30
)

// Manifest is the recognized shape of kennel.yaml.
type Manifest struct {
	Services    map[string]ServiceConfig    `yaml:"services"`
	StaticSites map[string]StaticSiteConfig `yaml:"static_sites"`
	Cachix      *CachixConfig               `yaml:"cachix"`
}

type ServiceConfig struct {
	Package                *string           `yaml:"package"`
	HealthCheckPath        string            `yaml:"health_check_path"`
	HealthCheckTimeoutSecs int               `yaml:"health_check_timeout_secs"`
	PreviewDatabase        bool              `yaml:"preview_database"`
	SPA                    bool              `yaml:"spa"`
	Env                    map[string]string `yaml:"env"`
	Secrets                []string          `yaml:"secrets"`
	CustomDomain           *string           `yaml:"custom_domain"`
}

type StaticSiteConfig struct {
	Package      *string `yaml:"package"`
	SPA          bool    `yaml:"spa"`
	CustomDomain *string `yaml:"custom_domain"`
}

// CachixConfig enables pushing successful store paths to a binary cache.
type CachixConfig struct {
	CacheName string  `yaml:"cache_name"`
	AuthToken *string `yaml:"auth_token"`
}

// Load reads and validates the manifest from a checked-out repository.
func Load(repoDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(repoDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", FileName, err)
	}
	return Parse(data)
}

// Parse decodes manifest bytes and applies defaults. Artifact names are not
// validated here: the builder checks each name individually so one bad entry
// fails that artifact, not the whole parse.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}

	if len(m.Services) == 0 && len(m.StaticSites) == 0 {
		return nil, fmt.Errorf("%s declares no services or static sites", FileName)
	}

	for name, svc := range m.Services {
		if svc.HealthCheckPath == "" {
			svc.HealthCheckPath = DefaultHealthCheckPath
		}
		if svc.HealthCheckTimeoutSecs <= 0 {
			svc.HealthCheckTimeoutSecs = DefaultHealthCheckTimeoutSecs
		}
		m.Services[name] = svc
	}
	if m.Cachix != nil && m.Cachix.CacheName == "" {
		return nil, fmt.Errorf("cachix config requires cache_name")
	}
	return &m, nil
}

// ArtifactCount returns how many build artifacts the manifest declares.
func (m *Manifest) ArtifactCount() int {
	return len(m.Services) + len(m.StaticSites)
}
