package deploy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scottylabs/kennel/internal/manifest"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/router"
	"github.com/scottylabs/kennel/internal/store"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	units   map[string]string
	enabled map[string]bool
	running map[string]bool
	reloads int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		units:   make(map[string]string),
		enabled: make(map[string]bool),
		running: make(map[string]bool),
	}
}

func (f *fakeSupervisor) InstallUnit(_ context.Context, name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units[name] = content
	return nil
}

func (f *fakeSupervisor) RemoveUnit(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.units, name)
	return nil
}

func (f *fakeSupervisor) DaemonReload(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeSupervisor) Enable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[name] = true
	return nil
}

func (f *fakeSupervisor) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = true
	return nil
}

func (f *fakeSupervisor) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeSupervisor) Disable(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.enabled, name)
	return nil
}

type fakeUsers struct {
	mu    sync.Mutex
	users map[string]bool
}

func newFakeUsers() *fakeUsers { return &fakeUsers{users: make(map[string]bool)} }

func (f *fakeUsers) Ensure(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[username] = true
	return nil
}

func (f *fakeUsers) Remove(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, username)
	return nil
}

func testDeployer(t *testing.T) (*Deployer, *store.Store, *fakeSupervisor, *fakeUsers, *router.Hub) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sup := newFakeSupervisor()
	users := newFakeUsers()
	hub := router.NewHub()
	base := t.TempDir()
	dirs := Dirs{
		Work:     filepath.Join(base, "builds"),
		Secrets:  filepath.Join(base, "secrets"),
		Sites:    filepath.Join(base, "sites"),
		Services: filepath.Join(base, "services"),
	}
	d := New(st, pipeline.NewQueues(), hub, sup, users, nil, dirs, "example.org",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.drain = 10 * time.Millisecond
	return d, st, sup, users, hub
}

func TestRenderServiceUnit(t *testing.T) {
	unit := renderServiceUnit("test-api", "/nix/store/abc123-test-api", 8080,
		"kennel-test-api", "/var/lib/kennel/services/test-project/main/test-api",
		map[string]string{"LOG_LEVEL": "debug"}, "/run/kennel/secrets/test-api.env")

	assert.Contains(t, unit, "Description=Kennel service: test-api")
	assert.Contains(t, unit, "User=kennel-test-api")
	assert.Contains(t, unit, "WorkingDirectory=/var/lib/kennel/services/test-project/main/test-api")
	assert.Contains(t, unit, "ExecStart=/nix/store/abc123-test-api/bin/test-api")
	assert.Contains(t, unit, "RestartSec=5s\nEnvironment=\"PORT=8080\"\n")
	assert.Contains(t, unit, `Environment="LOG_LEVEL=debug"`)
	assert.Contains(t, unit, "EnvironmentFile=/run/kennel/secrets/test-api.env")
	assert.Contains(t, unit, "WantedBy=multi-user.target")
}

func TestWriteEnvFileModeAndContent(t *testing.T) {
	dir := t.TempDir()
	path, err := writeEnvFile(dir, "myapp", "main", "api", map[string]string{
		"PORT":         "18000",
		"DATABASE_URL": "postgresql://127.0.0.1:5432/myapp_main",
	})
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o400), info.Mode().Perm())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "DATABASE_URL=postgresql://127.0.0.1:5432/myapp_main\nPORT=18000\n", string(content))

	// A redeploy replaces the read-only file.
	_, err = writeEnvFile(dir, "myapp", "main", "api", map[string]string{"PORT": "18001"})
	require.NoError(t, err)
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PORT=18001\n", string(content))

	require.NoError(t, removeEnvFile(dir, "myapp", "main", "api"))
	require.NoError(t, removeEnvFile(dir, "myapp", "main", "api"))
}

func TestWaitHealthyTimesOutAgainstDeadPort(t *testing.T) {
	err := waitHealthy(context.Background(), &http.Client{}, 1, "/health", 1*time.Second)
	require.Error(t, err)
}

func TestWaitHealthySucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	require.NoError(t, waitHealthy(context.Background(), &http.Client{}, port, "/health", 5*time.Second))
}

func TestStaticDeployPublishesSymlinkAtomically(t *testing.T) {
	ctx := context.Background()
	d, st, _, _, hub := testDeployer(t)
	_, updates := hub.Subscribe()

	oldTarget := t.TempDir()
	newTarget := t.TempDir()

	m := &manifest.Manifest{StaticSites: map[string]manifest.StaticSiteConfig{
		"docs": {SPA: true},
	}}
	req := pipeline.DeployRequest{BuildID: 1, Project: "myapp", GitRef: "main"}

	mkResult := func(target string) store.BuildResult {
		return store.BuildResult{ID: 1, BuildID: 1, ServiceName: "docs", Status: store.ResultSuccess, StorePath: &target}
	}

	require.NoError(t, d.deployStatic(ctx, req, mkResult(oldTarget), m))
	link := filepath.Join(d.dirs.Sites, "myapp", "main", "docs")
	got, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, oldTarget, got)

	// Redeploy cuts over to the new target.
	require.NoError(t, d.deployStatic(ctx, req, mkResult(newTarget), m))
	got, err = os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, newTarget, got)

	u := <-updates
	assert.Equal(t, router.UpdateDeploymentActive, u.Kind)
	assert.Equal(t, "docs-main.myapp.example.org", u.Domain)
	assert.Nil(t, u.Port)
	assert.True(t, u.SPA)

	dep, err := st.Deployments.FindByDomain(ctx, "docs-main.myapp.example.org")
	require.NoError(t, err)
	assert.Nil(t, dep.Port)
	assert.Equal(t, store.DeployActive, dep.Status)

	// The redeploy replaced the first row: one active deployment remains
	// and it points at the new target.
	active, err := st.Deployments.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, newTarget, active[0].StorePath)
}

func TestTeardownIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, st, sup, users, hub := testDeployer(t)
	_, updates := hub.Subscribe()

	require.NoError(t, st.Projects.Upsert(ctx, store.Project{
		Name: "myapp", RepoURL: "u", RepoType: store.RepoForgejo,
		WebhookSecret: "s", DefaultBranch: "main",
	}))

	port, err := st.Ports.Allocate(ctx, "myapp", "api", "feature-x")
	require.NoError(t, err)
	_, err = st.PreviewDBs.Allocate(ctx, "myapp", "feature-x")
	require.NoError(t, err)
	require.NoError(t, users.Ensure(ctx, "kennel-myapp-feature-x-api"))
	require.NoError(t, sup.InstallUnit(ctx, "kennel-myapp-feature-x-api", "unit"))

	id, err := st.Deployments.Create(ctx, store.Deployment{
		Project: "myapp", Service: "api", Branch: "feature-x", BranchSlug: "feature-x",
		Environment: store.EnvDev, GitRef: "feature-x", StorePath: "/nix/store/x", Port: &port,
		Status: store.DeployTearingDown, Domain: "api-feature-x.myapp.example.org", DNSStatus: store.DNSActive,
	})
	require.NoError(t, err)

	require.NoError(t, d.Teardown(ctx, id))

	_, err = st.Deployments.FindByID(ctx, id)
	assert.ErrorIs(t, err, store.ErrDeploymentNotFound)
	assert.NotContains(t, sup.units, "kennel-myapp-feature-x-api")
	assert.NotContains(t, users.users, "kennel-myapp-feature-x-api")

	free, err := st.Ports.IsPortAvailable(ctx, port)
	require.NoError(t, err)
	assert.True(t, free)

	pd, err := st.PreviewDBs.FindByProjectAndBranch(ctx, "myapp", "feature-x")
	require.NoError(t, err)
	assert.Nil(t, pd)

	u := <-updates
	assert.Equal(t, router.UpdateDeploymentRemoved, u.Kind)
	assert.Equal(t, "api-feature-x.myapp.example.org", u.Domain)

	// Running the sequence again against cleaned state succeeds.
	require.NoError(t, d.Teardown(ctx, id))
}

func TestDrainPredecessorReclaimsRowAndPort(t *testing.T) {
	ctx := context.Background()
	d, st, _, _, _ := testDeployer(t)

	oldPort, err := st.Ports.Allocate(ctx, "myapp", "api", "main")
	require.NoError(t, err)
	newPort, err := st.Ports.Allocate(ctx, "myapp", "api", "main")
	require.NoError(t, err)

	id, err := st.Deployments.Create(ctx, store.Deployment{
		Project: "myapp", Service: "api", Branch: "main", BranchSlug: "main",
		Environment: store.EnvProd, GitRef: "main", StorePath: "/nix/store/old", Port: &oldPort,
		Status: store.DeployActive, Domain: "api-main.myapp.example.org", DNSStatus: store.DNSActive,
	})
	require.NoError(t, err)

	old, err := st.Deployments.FindByID(ctx, id)
	require.NoError(t, err)
	d.drainPredecessor(ctx, old, newPort)

	_, err = st.Deployments.FindByID(ctx, id)
	assert.ErrorIs(t, err, store.ErrDeploymentNotFound)

	free, err := st.Ports.IsPortAvailable(ctx, oldPort)
	require.NoError(t, err)
	assert.True(t, free)

	free, err = st.Ports.IsPortAvailable(ctx, newPort)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestDrainPredecessorKeepsSharedPort(t *testing.T) {
	ctx := context.Background()
	d, st, _, _, _ := testDeployer(t)

	port, err := st.Ports.Allocate(ctx, "myapp", "api", "main")
	require.NoError(t, err)

	id, err := st.Deployments.Create(ctx, store.Deployment{
		Project: "myapp", Service: "api", Branch: "main", BranchSlug: "main",
		Environment: store.EnvProd, GitRef: "main", StorePath: "/nix/store/old", Port: &port,
		Status: store.DeployActive, Domain: "api-main.myapp.example.org", DNSStatus: store.DNSActive,
	})
	require.NoError(t, err)

	old, err := st.Deployments.FindByID(ctx, id)
	require.NoError(t, err)
	d.drainPredecessor(ctx, old, port)

	// The successor reuses the port, so it stays allocated.
	free, err := st.Ports.IsPortAvailable(ctx, port)
	require.NoError(t, err)
	assert.False(t, free)
}

func TestTeardownSkipsRowsNotMarked(t *testing.T) {
	ctx := context.Background()
	d, st, sup, _, _ := testDeployer(t)

	port := 18000
	require.NoError(t, sup.InstallUnit(ctx, "kennel-myapp-main-api", "unit"))
	id, err := st.Deployments.Create(ctx, store.Deployment{
		Project: "myapp", Service: "api", Branch: "main", BranchSlug: "main",
		Environment: store.EnvProd, GitRef: "main", StorePath: "/nix/store/x", Port: &port,
		Status: store.DeployActive, Domain: "api-main.myapp.example.org", DNSStatus: store.DNSActive,
	})
	require.NoError(t, err)

	require.NoError(t, d.Teardown(ctx, id))

	// Active rows are untouched.
	dep, err := st.Deployments.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.DeployActive, dep.Status)
	assert.Contains(t, sup.units, "kennel-myapp-main-api")
}
