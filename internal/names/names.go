// Package names holds the pure functions that map projects, branches, and
// services onto the hostname-safe identifiers Kennel uses for domains, unit
// names, system users, and database names.
package names

import "strings"

// SanitizeIdentifier lowercases s and replaces every character outside
// [a-z0-9-] with a hyphen. The mapping is lossy: distinct inputs may collapse
// to the same slug. Collisions are not disambiguated; the last deploy wins,
// matching how branch directories and unit names are keyed.
func SanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// SanitizeUsername derives the system user name for a deployment.
func SanitizeUsername(project, branch, service string) string {
	return "kennel-" + SanitizeIdentifier(project) + "-" + SanitizeIdentifier(branch) + "-" + SanitizeIdentifier(service)
}

// UnitName derives the systemd unit name (without the .service suffix) for a
// service deployment. branchSlug must already be sanitized.
func UnitName(project, branchSlug, service string) string {
	return "kennel-" + project + "-" + branchSlug + "-" + service
}

// Domain generates the routable hostname for a deployment:
// {service}-{branch}.{project}.{base}.
func Domain(service, branch, project, base string) string {
	return SanitizeIdentifier(service) + "-" + SanitizeIdentifier(branch) + "." + project + "." + base
}

// Environment maps a git ref onto a deployment environment. PR refs must map
// to preview: auxiliary database allocation keys off it.
func Environment(gitRef string) string {
	switch {
	case gitRef == "main":
		return "prod"
	case gitRef == "staging":
		return "staging"
	case gitRef == "dev":
		return "dev"
	case strings.HasPrefix(gitRef, "pr-"):
		return "preview"
	default:
		return "dev"
	}
}

// DatabaseName derives the per-branch Postgres database name used for
// preview databases: hyphens become underscores.
func DatabaseName(project, branch string) string {
	return strings.ReplaceAll(project, "-", "_") + "_" + strings.ReplaceAll(branch, "-", "_")
}

// ValidServiceName reports whether name is non-empty and contains only
// lowercase letters, digits, and hyphens.
func ValidServiceName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}
