package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/store"
)

const testSecret = "hunter2"

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := ComputeSignature(testSecret, body)

	assert.True(t, VerifySignature(testSecret, body, sig))
	assert.True(t, VerifySignature(testSecret, body, "sha256="+sig))
}

func TestSignatureRejectsTampering(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	sig := ComputeSignature(testSecret, body)

	tampered := append([]byte{}, body...)
	tampered[0] ^= 0x01
	assert.False(t, VerifySignature(testSecret, tampered, sig))
	assert.False(t, VerifySignature("wrong-secret", body, sig))
	assert.False(t, VerifySignature(testSecret, body, "not-hex"))
	assert.False(t, VerifySignature(testSecret, body, ""))
}

func TestParsePushBranchAndDeletion(t *testing.T) {
	e, err := ParsePush([]byte(`{"ref":"refs/heads/feature/x","after":"abc123","pusher":{"username":"alice"}}`))
	require.NoError(t, err)
	assert.Equal(t, "feature/x", e.Branch())
	assert.False(t, e.IsBranchDeletion())
	require.NotNil(t, e.Author())
	assert.Equal(t, "alice", *e.Author())

	e, err = ParsePush([]byte(fmt.Sprintf(`{"ref":"refs/heads/gone","after":"%s"}`, ZeroSHA)))
	require.NoError(t, err)
	assert.True(t, e.IsBranchDeletion())
	assert.Nil(t, e.Author())
}

func TestParsePullRequestActions(t *testing.T) {
	e, err := ParsePullRequest([]byte(`{"action":"opened","number":42,"pull_request":{"head":{"sha":"abc"}},"sender":{"login":"bob"}}`))
	require.NoError(t, err)
	assert.Equal(t, "pr-42", e.Branch())
	assert.True(t, e.WantsBuild())
	assert.False(t, e.WantsTeardown())

	e, err = ParsePullRequest([]byte(`{"action":"closed","number":42}`))
	require.NoError(t, err)
	assert.True(t, e.WantsTeardown())

	e, err = ParsePullRequest([]byte(`{"action":"labeled","number":42}`))
	require.NoError(t, err)
	assert.False(t, e.WantsBuild())
	assert.False(t, e.WantsTeardown())
}

type fixture struct {
	store  *store.Store
	queues *pipeline.Queues
	mux    *chi.Mux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.Projects.Upsert(context.Background(), store.Project{
		Name:          "myapp",
		RepoURL:       "https://git.example.org/myapp",
		RepoType:      store.RepoForgejo,
		WebhookSecret: testSecret,
		DefaultBranch: "main",
	}))

	queues := pipeline.NewQueues()
	h := NewHandler(st, queues, slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := chi.NewRouter()
	mux.Post("/webhook/{project}", h.ServeHTTP)
	return &fixture{store: st, queues: queues, mux: mux}
}

func (f *fixture) deliver(t *testing.T, project, event string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+project, bytes.NewReader(body))
	req.Header.Set(HeaderForgejoEvent, event)
	if sign {
		req.Header.Set(HeaderForgejoSignature, ComputeSignature(testSecret, body))
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandlerQueuesBuildOnPush(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123","pusher":{"username":"alice"}}`)

	rec := f.deliver(t, "myapp", "push", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case id := <-f.queues.Builds:
		b, err := f.store.Builds.FindByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, "main", b.Branch)
		assert.Equal(t, "abc123", b.CommitSHA)
		require.NotNil(t, b.Author)
		assert.Equal(t, "alice", *b.Author)
	default:
		t.Fatal("no build was enqueued")
	}
}

func TestHandlerAbsorbsDuplicateCommit(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)

	assert.Equal(t, http.StatusAccepted, f.deliver(t, "myapp", "push", body, true).Code)
	assert.Equal(t, http.StatusOK, f.deliver(t, "myapp", "push", body, true).Code)

	builds, err := f.store.Builds.ListByProject(context.Background(), "myapp")
	require.NoError(t, err)
	assert.Len(t, builds, 1)
	assert.Len(t, f.queues.Builds, 1)
}

func TestHandlerRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)

	rec := f.deliver(t, "myapp", "push", body, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/webhook/myapp", bytes.NewReader(body))
	req.Header.Set(HeaderForgejoEvent, "push")
	req.Header.Set(HeaderForgejoSignature, ComputeSignature("wrong", body))
	rec = httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerUnknownProjectIs404(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, "nope", "push", []byte(`{}`), true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerMissingEventHeaderIs400(t *testing.T) {
	f := newFixture(t)
	body := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/myapp", bytes.NewReader(body))
	req.Header.Set(HeaderForgejoSignature, ComputeSignature(testSecret, body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerMalformedPayloadIs400(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, "myapp", "push", []byte(`not json`), true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerBranchDeletionQueuesTeardowns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Deployments.Create(ctx, store.Deployment{
		Project: "myapp", Service: "api", Branch: "gone", BranchSlug: "gone",
		Environment: store.EnvDev, GitRef: "gone", StorePath: "/nix/store/x",
		Status: store.DeployActive, Domain: "api-gone.myapp.example.org", DNSStatus: store.DNSActive,
	})
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"ref":"refs/heads/gone","after":"%s"}`, ZeroSHA))
	rec := f.deliver(t, "myapp", "push", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case got := <-f.queues.Teardowns:
		assert.Equal(t, id, got)
	default:
		t.Fatal("no teardown was enqueued")
	}

	d, err := f.store.Deployments.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.DeployTearingDown, d.Status)
}

func TestHandlerPullRequestClosedTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.Deployments.Create(ctx, store.Deployment{
		Project: "myapp", Service: "api", Branch: "pr-42", BranchSlug: "pr-42",
		Environment: store.EnvPreview, GitRef: "pr-42", StorePath: "/nix/store/x",
		Status: store.DeployActive, Domain: "api-pr-42.myapp.example.org", DNSStatus: store.DNSActive,
	})
	require.NoError(t, err)

	body := []byte(`{"action":"closed","number":42}`)
	rec := f.deliver(t, "myapp", "pull_request", body, true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, f.queues.Teardowns, 1)
}

func TestHandlerIgnoresUnknownEvents(t *testing.T) {
	f := newFixture(t)
	rec := f.deliver(t, "myapp", "issues", []byte(`{}`), true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, f.queues.Builds)
}
