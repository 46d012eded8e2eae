package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ZeroSHA is the "after" value of a push event for a deleted branch.
const ZeroSHA = "0000000000000000000000000000000000000000"

type PushEvent struct {
	Ref    string `json:"ref"`
	After  string `json:"after"`
	Pusher struct {
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"pusher"`
}

// Branch strips the refs/heads/ prefix.
func (e *PushEvent) Branch() string {
	return strings.TrimPrefix(e.Ref, "refs/heads/")
}

// IsBranchDeletion reports whether the push deleted the branch.
func (e *PushEvent) IsBranchDeletion() bool {
	return e.After == ZeroSHA
}

// Author returns the pusher's username, falling back to the display name.
// Forgejo populates username; GitHub's push payload only carries name.
func (e *PushEvent) Author() *string {
	if e.Pusher.Username != "" {
		return &e.Pusher.Username
	}
	if e.Pusher.Name != "" {
		return &e.Pusher.Name
	}
	return nil
}

type PullRequestEvent struct {
	Action      string `json:"action"`
	Number      int64  `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
}

// Branch synthesizes the pr-{number} branch name.
func (e *PullRequestEvent) Branch() string {
	return fmt.Sprintf("pr-%d", e.Number)
}

// WantsBuild reports whether the PR action should produce a build.
func (e *PullRequestEvent) WantsBuild() bool {
	switch e.Action {
	case "opened", "synchronize", "synchronized", "reopened":
		return true
	}
	return false
}

// WantsTeardown reports whether the PR action tears the branch down.
func (e *PullRequestEvent) WantsTeardown() bool {
	return e.Action == "closed"
}

func (e *PullRequestEvent) Author() *string {
	if e.Sender.Login != "" {
		return &e.Sender.Login
	}
	return nil
}

func ParsePush(body []byte) (*PushEvent, error) {
	var e PushEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("parse push payload: %w", err)
	}
	if e.Ref == "" || e.After == "" {
		return nil, fmt.Errorf("push payload missing ref or after")
	}
	return &e, nil
}

func ParsePullRequest(body []byte) (*PullRequestEvent, error) {
	var e PullRequestEvent
	if err := json.Unmarshal(body, &e); err != nil {
		return nil, fmt.Errorf("parse pull_request payload: %w", err)
	}
	if e.Action == "" || e.Number == 0 {
		return nil, fmt.Errorf("pull_request payload missing action or number")
	}
	return &e, nil
}
