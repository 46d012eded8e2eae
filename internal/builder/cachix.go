package builder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/scottylabs/kennel/internal/manifest"
)

// pushToCachix uploads successful store paths to the configured binary
// cache. Pushing nothing is a no-op.
func pushToCachix(ctx context.Context, cfg *manifest.CachixConfig, storePaths []string) error {
	if len(storePaths) == 0 {
		return nil
	}

	args := append([]string{"push", cfg.CacheName}, storePaths...)
	cmd := exec.CommandContext(ctx, "cachix", args...)
	if cfg.AuthToken != nil {
		cmd.Env = append(os.Environ(), "CACHIX_AUTH_TOKEN="+*cfg.AuthToken)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("cachix push failed: %s: %w", stderr.String(), err)
	}
	return nil
}
