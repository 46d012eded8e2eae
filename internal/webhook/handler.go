// Package webhook receives push and pull-request notifications from forgejo
// and github, verifies their signatures, and feeds the build and teardown
// queues.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/metrics"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/store"
)

// Request bodies beyond this size are rejected before signature verification.
const maxBodySize = 10 << 20

type Handler struct {
	store  *store.Store
	queues *pipeline.Queues
	log    *slog.Logger
}

func NewHandler(st *store.Store, queues *pipeline.Queues, log *slog.Logger) *Handler {
	return &Handler{store: st, queues: queues, log: log.With(slog.String("component", "webhook"))}
}

// ServeHTTP handles POST /webhook/{project}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	project := chi.URLParam(r, "project")
	status, err := h.handle(r.Context(), project, r)
	if err != nil {
		metrics.WebhooksTotal.WithLabelValues("rejected").Inc()
		var werr *Error
		if errors.As(err, &werr) {
			h.log.Warn("webhook rejected", logfields.Project(project), logfields.Error(err))
			http.Error(w, werr.Msg, werr.HTTPStatus())
			return
		}
		h.log.Error("webhook failed", logfields.Project(project), logfields.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	metrics.WebhooksTotal.WithLabelValues("accepted").Inc()
	w.WriteHeader(status)
}

func (h *Handler) handle(ctx context.Context, project string, r *http.Request) (int, error) {
	p, err := h.store.Projects.FindByName(ctx, project)
	if err != nil {
		if errors.Is(err, store.ErrProjectNotFound) {
			return 0, &Error{Kind: KindNotFound, Msg: "unknown project"}
		}
		return 0, &Error{Kind: KindDatabase, Msg: "project lookup failed", Err: err}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return 0, &Error{Kind: KindInvalidPayload, Msg: "read body", Err: err}
	}

	var event, signature string
	switch {
	case r.Header.Get(HeaderForgejoEvent) != "":
		event = r.Header.Get(HeaderForgejoEvent)
		signature = r.Header.Get(HeaderForgejoSignature)
	case r.Header.Get(HeaderGitHubEvent) != "":
		event = r.Header.Get(HeaderGitHubEvent)
		signature = r.Header.Get(HeaderGitHubSignature)
	default:
		return 0, &Error{Kind: KindMissingHeader, Msg: "no forge event header"}
	}

	if !VerifySignature(p.WebhookSecret, body, signature) {
		return 0, &Error{Kind: KindInvalidSignature, Msg: "signature verification failed"}
	}

	switch event {
	case "push":
		return h.handlePush(ctx, p, body)
	case "pull_request":
		return h.handlePullRequest(ctx, p, body)
	default:
		h.log.Debug("ignoring event", logfields.Project(p.Name), slog.String("event", event))
		return http.StatusAccepted, nil
	}
}

func (h *Handler) handlePush(ctx context.Context, p *store.Project, body []byte) (int, error) {
	e, err := ParsePush(body)
	if err != nil {
		return 0, &Error{Kind: KindInvalidPayload, Msg: "malformed push event", Err: err}
	}

	branch := e.Branch()
	if e.IsBranchDeletion() {
		return h.teardownBranch(ctx, p.Name, branch)
	}
	return h.enqueueBuild(ctx, p.Name, branch, branch, e.After, e.Author())
}

func (h *Handler) handlePullRequest(ctx context.Context, p *store.Project, body []byte) (int, error) {
	e, err := ParsePullRequest(body)
	if err != nil {
		return 0, &Error{Kind: KindInvalidPayload, Msg: "malformed pull_request event", Err: err}
	}

	branch := e.Branch()
	switch {
	case e.WantsBuild():
		return h.enqueueBuild(ctx, p.Name, branch, branch, e.PullRequest.Head.SHA, e.Author())
	case e.WantsTeardown():
		return h.teardownBranch(ctx, p.Name, branch)
	default:
		h.log.Debug("ignoring pull_request action",
			logfields.Project(p.Name), slog.String("action", e.Action))
		return http.StatusAccepted, nil
	}
}

func (h *Handler) enqueueBuild(ctx context.Context, project, branch, gitRef, commitSHA string, author *string) (int, error) {
	if commitSHA == "" {
		return 0, &Error{Kind: KindInvalidPayload, Msg: "missing commit sha"}
	}

	buildID, err := h.store.Builds.Create(ctx, project, branch, gitRef, commitSHA, author)
	if err != nil {
		if errors.Is(err, store.ErrBuildExists) {
			// Duplicate delivery for a commit we already know about.
			h.log.Debug("duplicate build absorbed",
				logfields.Project(project), logfields.Branch(branch), slog.String("commit", commitSHA))
			return http.StatusOK, nil
		}
		return 0, &Error{Kind: KindDatabase, Msg: "record build", Err: err}
	}

	if err := h.queues.EnqueueBuild(buildID); err != nil {
		return 0, &Error{Kind: KindBuilderUnavailable, Msg: "build queue is full", Err: err}
	}

	h.log.Info("build queued",
		logfields.Project(project), logfields.Branch(branch), logfields.BuildID(buildID))
	return http.StatusAccepted, nil
}

func (h *Handler) teardownBranch(ctx context.Context, project, branch string) (int, error) {
	ids, err := h.store.Deployments.MarkForTeardown(ctx, project, branch)
	if err != nil {
		return 0, &Error{Kind: KindDatabase, Msg: "mark deployments for teardown", Err: err}
	}
	for _, id := range ids {
		if err := h.queues.EnqueueTeardown(id); err != nil {
			h.log.Warn("teardown queue full", logfields.DeploymentID(id), logfields.Error(err))
		}
	}
	h.log.Info("branch teardown queued",
		logfields.Project(project), logfields.Branch(branch), slog.Int("deployments", len(ids)))
	return http.StatusAccepted, nil
}
