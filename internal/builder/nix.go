package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/scottylabs/kennel/internal/config"
)

// flakeRef returns the attribute to build for an artifact. The manifest's
// package field overrides the conventional per-name attribute.
func flakeRef(name string, pkg *string) string {
	if pkg != nil && *pkg != "" {
		return *pkg
	}
	return fmt.Sprintf(".#packages.x86_64-linux.%s", name)
}

// nixBuild runs the build for one artifact. The out-link lands at
// {workDir}/{name}; stderr is captured to the build's log directory
// regardless of outcome. Returns the resolved store path and the log path.
func nixBuild(ctx context.Context, workDir, name string, pkg *string, buildID int64) (string, string, error) {
	repoDir := filepath.Join(workDir, "repo")
	outLink := filepath.Join(workDir, name)
	logPath := filepath.Join(config.LogsDir, fmt.Sprintf("%d", buildID), name+".log")

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return "", "", fmt.Errorf("create log dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "nix", "build", flakeRef(name, pkg),
		"--out-link", outLink, "--log-format", "bar-with-logs")
	cmd.Dir = repoDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if werr := os.WriteFile(logPath, stderr.Bytes(), 0o644); werr != nil {
		return "", logPath, fmt.Errorf("write build log: %w", werr)
	}
	if runErr != nil {
		return "", logPath, fmt.Errorf("nix build failed for %s: %s", name, stderr.String())
	}

	storePath, err := os.Readlink(outLink)
	if err != nil {
		return "", logPath, fmt.Errorf("read out-link: %w", err)
	}
	return storePath, logPath, nil
}
