package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// Users abstracts system user management so teardown tests can run without
// root.
type Users interface {
	Ensure(ctx context.Context, username string) error
	Remove(ctx context.Context, username string) error
}

// OSUsers manages real system users via useradd/userdel.
type OSUsers struct{}

// Ensure creates the system user if it does not exist.
func (OSUsers) Ensure(ctx context.Context, username string) error {
	if exec.CommandContext(ctx, "id", username).Run() == nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "useradd",
		"--system", "--no-create-home", "--shell", "/bin/false", username)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create user %s: %s: %w", username, stderr.String(), err)
	}
	return nil
}

// Remove deletes the system user; a missing user is not an error.
func (OSUsers) Remove(ctx context.Context, username string) error {
	if exec.CommandContext(ctx, "id", username).Run() != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, "userdel", username)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("remove user %s: %s: %w", username, stderr.String(), err)
	}
	return nil
}
