package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scottylabs/kennel/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store, name string) {
	t.Helper()
	require.NoError(t, s.Projects.Upsert(context.Background(), Project{
		Name:          name,
		RepoURL:       "https://git.example.org/" + name,
		RepoType:      RepoForgejo,
		WebhookSecret: "hunter2",
		DefaultBranch: "main",
	}))
}

func TestProjectUpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	p, err := s.Projects.FindByName(ctx, "myapp")
	require.NoError(t, err)
	assert.Equal(t, "main", p.DefaultBranch)

	require.NoError(t, s.Projects.Upsert(ctx, Project{
		Name: "myapp", RepoURL: "https://new.example.org/myapp",
		RepoType: RepoGitHub, WebhookSecret: "s2", DefaultBranch: "trunk",
	}))
	p, err = s.Projects.FindByName(ctx, "myapp")
	require.NoError(t, err)
	assert.Equal(t, RepoGitHub, p.RepoType)
	assert.Equal(t, "trunk", p.DefaultBranch)

	require.NoError(t, s.Projects.Delete(ctx, "myapp"))
	_, err = s.Projects.FindByName(ctx, "myapp")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestProjectDeleteCascadesToBuilds(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	id, err := s.Builds.Create(ctx, "myapp", "main", "main", "abc123", nil)
	require.NoError(t, err)

	require.NoError(t, s.Projects.Delete(ctx, "myapp"))
	_, err = s.Builds.FindByID(ctx, id)
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

func TestBuildDuplicateCommitAbsorbed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	_, err := s.Builds.Create(ctx, "myapp", "main", "main", "abc123", nil)
	require.NoError(t, err)

	_, err = s.Builds.Create(ctx, "myapp", "main", "main", "abc123", nil)
	assert.ErrorIs(t, err, ErrBuildExists)

	builds, err := s.Builds.ListByProject(ctx, "myapp")
	require.NoError(t, err)
	assert.Len(t, builds, 1)
}

func TestBuildLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	author := "alice"
	id, err := s.Builds.Create(ctx, "myapp", "main", "main", "abc123", &author)
	require.NoError(t, err)

	started, err := s.Builds.MarkStarted(ctx, id)
	require.NoError(t, err)
	assert.True(t, started)

	// A second start attempt is a no-op.
	started, err = s.Builds.MarkStarted(ctx, id)
	require.NoError(t, err)
	assert.False(t, started)

	require.NoError(t, s.Builds.MarkFinished(ctx, id, BuildSuccess))
	b, err := s.Builds.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BuildSuccess, b.Status)
	require.NotNil(t, b.Author)
	assert.Equal(t, "alice", *b.Author)
	assert.NotNil(t, b.StartedAt)
	assert.NotNil(t, b.FinishedAt)
}

func TestBuildCancelOnlyWhileRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	id, err := s.Builds.Create(ctx, "myapp", "main", "main", "abc123", nil)
	require.NoError(t, err)

	ok, err := s.Builds.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	status, err := s.Builds.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, status)

	// Cancelled is terminal.
	ok, err = s.Builds.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Builds.Cancel(ctx, 99999)
	assert.ErrorIs(t, err, ErrBuildNotFound)
}

func TestMarkFinishedDoesNotOverwriteCancellation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	id, err := s.Builds.Create(ctx, "myapp", "main", "main", "abc123", nil)
	require.NoError(t, err)
	_, err = s.Builds.Cancel(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.Builds.MarkFinished(ctx, id, BuildFailed))
	status, err := s.Builds.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BuildCancelled, status)
}

func TestBuildResultsRecentSuccessful(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	for i := 0; i < 7; i++ {
		id, err := s.Builds.Create(ctx, "myapp", "main", "main", fmt.Sprintf("sha%d", i), nil)
		require.NoError(t, err)
		path := fmt.Sprintf("/nix/store/path%d", i)
		_, err = s.BuildResults.Create(ctx, BuildResult{
			BuildID: id, ServiceName: "api", Status: ResultSuccess, StorePath: &path, Changed: true,
		})
		require.NoError(t, err)
	}

	recent, err := s.BuildResults.FindRecentSuccessful(ctx, "myapp", "main", "api", 5)
	require.NoError(t, err)
	require.Len(t, recent, 5)
	assert.Equal(t, "/nix/store/path6", *recent[0].StorePath)
	assert.Equal(t, "/nix/store/path2", *recent[4].StorePath)
}

func TestPortAllocationConcurrentUniqueness(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const workers = 24
	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := s.Ports.Allocate(ctx, "myapp", "api", fmt.Sprintf("branch-%d", i))
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, port, config.PortRangeStart)
			assert.LessOrEqual(t, port, config.PortRangeEnd)
			mu.Lock()
			assert.False(t, seen[port], "port %d allocated twice", port)
			seen[port] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, seen, workers)
}

func TestPortReleaseIsIdempotentAndReusesLowest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	p1, err := s.Ports.Allocate(ctx, "myapp", "api", "main")
	require.NoError(t, err)
	p2, err := s.Ports.Allocate(ctx, "myapp", "api", "dev")
	require.NoError(t, err)
	assert.Equal(t, config.PortRangeStart, p1)
	assert.Equal(t, config.PortRangeStart+1, p2)

	require.NoError(t, s.Ports.Release(ctx, p1))
	require.NoError(t, s.Ports.Release(ctx, p1))

	p3, err := s.Ports.Allocate(ctx, "myapp", "web", "main")
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestPreviewDatabaseIdempotentPerBranch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	a, err := s.PreviewDBs.Allocate(ctx, "myapp", "pr-1")
	require.NoError(t, err)
	b, err := s.PreviewDBs.Allocate(ctx, "myapp", "pr-1")
	require.NoError(t, err)
	assert.Equal(t, a.ValkeyDB, b.ValkeyDB)
	assert.Equal(t, "myapp_pr_1", a.DatabaseName)

	c, err := s.PreviewDBs.Allocate(ctx, "myapp", "pr-2")
	require.NoError(t, err)
	assert.NotEqual(t, a.ValkeyDB, c.ValkeyDB)
}

func TestPreviewDatabasePoolExhaustion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	for i := config.ValkeyDBMin; i <= config.ValkeyDBMax; i++ {
		_, err := s.PreviewDBs.Allocate(ctx, "myapp", fmt.Sprintf("pr-%d", i))
		require.NoError(t, err)
	}
	_, err := s.PreviewDBs.Allocate(ctx, "myapp", "pr-overflow")
	assert.ErrorIs(t, err, ErrAuxDBPoolExhausted)

	// Releasing a slot makes room again.
	require.NoError(t, s.PreviewDBs.Release(ctx, "myapp", "pr-0"))
	pd, err := s.PreviewDBs.Allocate(ctx, "myapp", "pr-overflow")
	require.NoError(t, err)
	assert.Equal(t, config.ValkeyDBMin, pd.ValkeyDB)
}

func TestMarkForTeardownReturnsAffectedIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mkDeployment := func(service string, status string) int64 {
		id, err := s.Deployments.Create(ctx, Deployment{
			Project: "myapp", Service: service, Branch: "feature-x", BranchSlug: "feature-x",
			Environment: EnvDev, GitRef: "feature-x", StorePath: "/nix/store/x",
			Status: status, Domain: service + "-feature-x.myapp.example.org", DNSStatus: DNSPending,
		})
		require.NoError(t, err)
		return id
	}

	a := mkDeployment("api", DeployActive)
	b := mkDeployment("web", DeployActive)
	mkDeployment("old", DeployTornDown)

	ids, err := s.Deployments.MarkForTeardown(ctx, "myapp", "feature-x")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{a, b}, ids)

	d, err := s.Deployments.FindByID(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, DeployTearingDown, d.Status)

	// Nothing left in active: a second mark is empty, not an error.
	ids, err = s.Deployments.MarkForTeardown(ctx, "myapp", "feature-x")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestFindExpiredExcludesEnvironments(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Now().Add(-8 * 24 * time.Hour).Unix()
	mk := func(service, env string, lastActivity int64) int64 {
		id, err := s.Deployments.Create(ctx, Deployment{
			Project: "myapp", Service: service, Branch: "b", BranchSlug: "b",
			Environment: env, GitRef: "b", StorePath: "/nix/store/x",
			Status: DeployActive, Domain: service + "-b.myapp.example.org", DNSStatus: DNSActive,
		})
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, s.db.Rebind(`UPDATE deployments SET last_activity = ? WHERE id = ?`), lastActivity, id)
		require.NoError(t, err)
		return id
	}

	stale := mk("stale", EnvDev, old)
	mk("prod", EnvProd, old)
	mk("fresh", EnvDev, time.Now().Unix())

	expired, err := s.Deployments.FindExpired(ctx, 7*24*time.Hour, []string{EnvProd, EnvStaging})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale, expired[0].ID)
}

func TestFindActiveByRefReturnsNilWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d, err := s.Deployments.FindActiveByRef(ctx, "myapp", "main", "api")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestListActiveWithServicesJoinsCustomDomain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedProject(t, s, "myapp")

	custom := "api.example.com"
	require.NoError(t, s.Services.Upsert(ctx, Service{
		Project: "myapp", Name: "api", Type: ServiceTypeService,
		CustomDomain: &custom, HealthCheckPath: "/health", HealthCheckTimeoutSecs: 30,
	}))

	port := 18000
	_, err := s.Deployments.Create(ctx, Deployment{
		Project: "myapp", Service: "api", Branch: "main", BranchSlug: "main",
		Environment: EnvProd, GitRef: "main", StorePath: "/nix/store/x", Port: &port,
		Status: DeployActive, Domain: "api-main.myapp.example.org", DNSStatus: DNSActive,
	})
	require.NoError(t, err)

	rows, err := s.Deployments.ListActiveWithServices(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].CustomDomain)
	assert.Equal(t, custom, *rows[0].CustomDomain)
	assert.Equal(t, ServiceTypeService, rows[0].ServiceType)
}
