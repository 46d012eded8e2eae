package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// envFileName is the per-deployment secrets file name under the secrets dir.
func envFileName(project, branchSlug, service string) string {
	return fmt.Sprintf("%s-%s-%s.env", project, branchSlug, service)
}

// writeEnvFile renders KEY=VALUE lines at mode 0400. Keys are sorted so the
// file is reproducible.
func writeEnvFile(secretsDir, project, branchSlug, service string, envVars map[string]string) (string, error) {
	if err := os.MkdirAll(secretsDir, 0o755); err != nil {
		return "", fmt.Errorf("create secrets dir: %w", err)
	}

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(envVars[k])
		b.WriteByte('\n')
	}

	path := filepath.Join(secretsDir, envFileName(project, branchSlug, service))
	// Recreate rather than overwrite: the existing file may be read-only.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("replace env file: %w", err)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o400); err != nil {
		return "", fmt.Errorf("write env file: %w", err)
	}
	return path, nil
}

// removeEnvFile deletes the secrets file; a missing file is not an error.
func removeEnvFile(secretsDir, project, branchSlug, service string) error {
	path := filepath.Join(secretsDir, envFileName(project, branchSlug, service))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove env file: %w", err)
	}
	return nil
}
