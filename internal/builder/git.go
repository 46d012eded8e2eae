package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// cloneCommit produces {workDir}/repo checked out at commitSHA. The system
// git binary does the clone so submodule and credential behavior match what
// the build tool expects; go-git then verifies the resulting HEAD.
func cloneCommit(ctx context.Context, repoURL, commitSHA, workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	if out, err := runGit(ctx, workDir, "clone", "--depth", "1", repoURL, "repo"); err != nil {
		return fmt.Errorf("clone failed: %s: %w", out, err)
	}

	repoDir := filepath.Join(workDir, "repo")
	if out, err := runGit(ctx, repoDir, "fetch", "origin", commitSHA); err != nil {
		return fmt.Errorf("fetch commit failed: %s: %w", out, err)
	}
	if out, err := runGit(ctx, repoDir, "checkout", commitSHA); err != nil {
		return fmt.Errorf("checkout failed: %s: %w", out, err)
	}

	return verifyHead(repoDir, commitSHA)
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// verifyHead confirms the working tree really is at the requested commit.
func verifyHead(repoDir, commitSHA string) error {
	repo, err := gogit.PlainOpen(repoDir)
	if err != nil {
		return fmt.Errorf("open repo for head check: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("resolve head: %w", err)
	}
	if head.Hash() != plumbing.NewHash(commitSHA) {
		return fmt.Errorf("checkout produced %s, wanted %s", head.Hash(), commitSHA)
	}
	return nil
}
