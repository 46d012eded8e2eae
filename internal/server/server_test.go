package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/store"
	"github.com/scottylabs/kennel/internal/webhook"
)

func newTestServer(t *testing.T) (*Server, *store.Store, *pipeline.Queues) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	queues := pipeline.NewQueues()
	s := New(st, queues, "127.0.0.1:0", slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s, st, queues
}

func seedProject(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.Projects.Upsert(context.Background(), store.Project{
		Name: "myapp", RepoURL: "https://git.example.org/lab/myapp",
		RepoType: store.RepoForgejo, WebhookSecret: "s3cret", DefaultBranch: "main",
	}))
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCancelBuild(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestServer(t)
	seedProject(t, st)

	id, err := st.Builds.Create(ctx, "myapp", "main", "main", strings.Repeat("a", 40), nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/builds/1/cancel", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	build, err := st.Builds.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.BuildCancelled, build.Status)
}

func TestCancelBuildNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/builds/999/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelFinishedBuildRejected(t *testing.T) {
	ctx := context.Background()
	s, st, _ := newTestServer(t)
	seedProject(t, st)

	id, err := st.Builds.Create(ctx, "myapp", "main", "main", strings.Repeat("b", 40), nil)
	require.NoError(t, err)
	_, err = st.Builds.MarkStarted(ctx, id)
	require.NoError(t, err)
	require.NoError(t, st.Builds.MarkFinished(ctx, id, store.BuildSuccess))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/builds/1/cancel", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelBuildInvalidID(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/builds/abc/cancel", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookMountVerifiesSignature(t *testing.T) {
	s, st, queues := newTestServer(t)
	seedProject(t, st)

	payload := `{"ref": "refs/heads/main", "after": "` + strings.Repeat("c", 40) + `",
		"head_commit": {"author": {"name": "dev"}}}`
	sig := webhook.ComputeSignature("s3cret", []byte(payload))

	req := httptest.NewRequest(http.MethodPost, "/webhook/myapp", strings.NewReader(payload))
	req.Header.Set(webhook.HeaderForgejoEvent, "push")
	req.Header.Set(webhook.HeaderForgejoSignature, sig)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Len(t, queues.Builds, 1)

	// A tampered body fails verification.
	req = httptest.NewRequest(http.MethodPost, "/webhook/myapp", strings.NewReader(payload+" "))
	req.Header.Set(webhook.HeaderForgejoEvent, "push")
	req.Header.Set(webhook.HeaderForgejoSignature, sig)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
