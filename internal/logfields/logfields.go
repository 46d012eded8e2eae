package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyProject    = "project"
	KeyService    = "service"
	KeyBranch     = "branch"
	KeyBuildID    = "build_id"
	KeyDeployment = "deployment_id"
	KeyDomain     = "domain"
	KeyPort       = "port"
	KeyUnit       = "unit"
	KeyPath       = "path"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Project(name string) slog.Attr    { return slog.String(KeyProject, name) }
func Service(name string) slog.Attr    { return slog.String(KeyService, name) }
func Branch(name string) slog.Attr     { return slog.String(KeyBranch, name) }
func BuildID(id int64) slog.Attr       { return slog.Int64(KeyBuildID, id) }
func DeploymentID(id int64) slog.Attr  { return slog.Int64(KeyDeployment, id) }
func Domain(domain string) slog.Attr   { return slog.String(KeyDomain, domain) }
func Port(port int) slog.Attr          { return slog.Int(KeyPort, port) }
func Unit(name string) slog.Attr       { return slog.String(KeyUnit, name) }
func Path(path string) slog.Attr       { return slog.String(KeyPath, path) }

func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
