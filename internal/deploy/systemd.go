package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// Supervisor abstracts the service manager verbs the deployer and teardown
// worker need. The systemd implementation is the default; tests substitute a
// fake.
type Supervisor interface {
	InstallUnit(ctx context.Context, unitName, content string) error
	RemoveUnit(ctx context.Context, unitName string) error
	DaemonReload(ctx context.Context) error
	Enable(ctx context.Context, unitName string) error
	Start(ctx context.Context, unitName string) error
	Stop(ctx context.Context, unitName string) error
	Disable(ctx context.Context, unitName string) error
}

// Systemd drives the host systemd through systemctl.
type Systemd struct {
	// UnitDir is where unit files are written, normally /etc/systemd/system.
	UnitDir string
}

func (s *Systemd) unitPath(unitName string) string {
	return filepath.Join(s.UnitDir, unitName+".service")
}

func (s *Systemd) InstallUnit(ctx context.Context, unitName, content string) error {
	if err := os.WriteFile(s.unitPath(unitName), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit %s: %w", unitName, err)
	}
	return nil
}

func (s *Systemd) RemoveUnit(ctx context.Context, unitName string) error {
	if err := os.Remove(s.unitPath(unitName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit %s: %w", unitName, err)
	}
	return nil
}

func (s *Systemd) DaemonReload(ctx context.Context) error {
	return s.systemctl(ctx, "daemon-reload")
}

func (s *Systemd) Enable(ctx context.Context, unitName string) error {
	return s.systemctl(ctx, "enable", unitName+".service")
}

func (s *Systemd) Start(ctx context.Context, unitName string) error {
	return s.systemctl(ctx, "start", unitName+".service")
}

func (s *Systemd) Stop(ctx context.Context, unitName string) error {
	return s.systemctl(ctx, "stop", unitName+".service")
}

func (s *Systemd) Disable(ctx context.Context, unitName string) error {
	return s.systemctl(ctx, "disable", unitName+".service")
}

func (s *Systemd) systemctl(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "systemctl", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("systemctl %s failed: %s: %w", args[0], stderr.String(), err)
	}
	return nil
}

// renderServiceUnit produces the unit text for a service deployment. Extra
// env vars are emitted in sorted order so the output is stable.
func renderServiceUnit(service, storePath string, port int, user, workDir string, envVars map[string]string, secretsPath string) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, `[Unit]
Description=Kennel service: %s
After=network.target

[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s/bin/%s
Restart=on-failure
RestartSec=5s
Environment="PORT=%d"
`, service, user, workDir, storePath, service, port)

	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "Environment=%q\n", k+"="+envVars[k])
	}

	if secretsPath != "" {
		fmt.Fprintf(&b, "EnvironmentFile=%s\n", secretsPath)
	}
	b.WriteString("\n[Install]\nWantedBy=multi-user.target\n")
	return b.String()
}
