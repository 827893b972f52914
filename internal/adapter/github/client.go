// Package github wraps the subset of the GitHub API the review core
// needs: repository probing, pull request metadata, and outgoing review
// submission.
package github

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v68/github"

	"github.com/in-the-loop-labs/pair-review/internal/domain"
)

// ReviewComment is one inline comment of an outgoing review.
type ReviewComment struct {
	Path     string
	Position *int   // diff position; preferred when mappable
	Line     *int   // file line fallback
	Side     string // LEFT or RIGHT, used with Line anchoring
	Body     string
}

// ReviewRequest is the outgoing review payload.
type ReviewRequest struct {
	Event    string // APPROVE, REQUEST_CHANGES, COMMENT, or empty for DRAFT
	Body     string
	Comments []ReviewComment
}

// Client is the outbound port for the remote VCS host.
type Client interface {
	// VerifyAccess probes that the repository exists and the token can
	// read it.
	VerifyAccess(ctx context.Context, owner, repo string) error

	// FetchPR retrieves pull request metadata and its changed-file list.
	FetchPR(ctx context.Context, key domain.PRKey) (domain.PRSnapshot, error)

	// SubmitReview posts a review and returns the remote review id.
	SubmitReview(ctx context.Context, key domain.PRKey, review ReviewRequest) (int64, error)
}

// clientImpl implements Client by delegating to go-github.
type clientImpl struct {
	gh *github.Client
}

// NewClient creates a GitHub client authenticated with the given token.
func NewClient(token string) Client {
	gh := github.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &clientImpl{gh: gh}
}

// NewClientWithGitHub creates a Client from an existing *github.Client.
// Used in tests to inject a client pointing at an httptest server.
func NewClientWithGitHub(gh *github.Client) Client {
	return &clientImpl{gh: gh}
}

func (c *clientImpl) VerifyAccess(ctx context.Context, owner, repo string) error {
	_, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("repository %s/%s not found or not accessible: %w", owner, repo, err)
		}
		return fmt.Errorf("verify repository %s/%s: %w", owner, repo, err)
	}
	return nil
}

func (c *clientImpl) FetchPR(ctx context.Context, key domain.PRKey) (domain.PRSnapshot, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, key.Owner, key.Repo, key.Number)
	if err != nil {
		return domain.PRSnapshot{}, fmt.Errorf("fetch pull request %s: %w", key, err)
	}

	snapshot := domain.PRSnapshot{
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		Author:       pr.GetUser().GetLogin(),
		BaseBranch:   pr.GetBase().GetRef(),
		HeadBranch:   pr.GetHead().GetRef(),
		BaseRevision: pr.GetBase().GetSHA(),
		HeadRevision: pr.GetHead().GetSHA(),
		CloneURL:     pr.GetBase().GetRepo().GetCloneURL(),
		SSHURL:       pr.GetBase().GetRepo().GetSSHURL(),
		FetchedAt:    time.Now(),
	}

	opts := &github.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, key.Owner, key.Repo, key.Number, opts)
		if err != nil {
			return domain.PRSnapshot{}, fmt.Errorf("list pull request files for %s: %w", key, err)
		}
		for _, f := range files {
			change := domain.FileChange{
				Path:      f.GetFilename(),
				Status:    mapFileStatus(f.GetStatus()),
				Additions: f.GetAdditions(),
				Deletions: f.GetDeletions(),
				Binary:    f.GetPatch() == "" && f.GetChanges() == 0,
			}
			if f.GetStatus() == "renamed" {
				change.OldPath = f.GetPreviousFilename()
			}
			snapshot.ChangedFiles = append(snapshot.ChangedFiles, change)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return snapshot, nil
}

func mapFileStatus(s string) string {
	switch s {
	case "added":
		return domain.FileStatusAdded
	case "removed":
		return domain.FileStatusDeleted
	case "renamed":
		return domain.FileStatusRenamed
	default:
		return domain.FileStatusModified
	}
}

func (c *clientImpl) SubmitReview(ctx context.Context, key domain.PRKey, review ReviewRequest) (int64, error) {
	comments := make([]*github.DraftReviewComment, 0, len(review.Comments))
	for _, rc := range review.Comments {
		draft := &github.DraftReviewComment{
			Path: github.Ptr(rc.Path),
			Body: github.Ptr(rc.Body),
		}
		if rc.Position != nil {
			draft.Position = rc.Position
		} else if rc.Line != nil {
			draft.Line = rc.Line
			if rc.Side != "" {
				draft.Side = github.Ptr(rc.Side)
			}
		}
		comments = append(comments, draft)
	}

	req := &github.PullRequestReviewRequest{
		Body:     github.Ptr(review.Body),
		Comments: comments,
	}
	// An empty event leaves the review pending (a draft).
	if review.Event != "" {
		req.Event = github.Ptr(review.Event)
	}

	posted, _, err := c.gh.PullRequests.CreateReview(ctx, key.Owner, key.Repo, key.Number, req)
	if err != nil {
		return 0, fmt.Errorf("submit review for %s: %w", key, err)
	}
	return posted.GetID(), nil
}
