// Package github wraps the pieces of the GitHub API the CI needs: resolving
// pull request heads and posting result comments.
package github

import (
	"context"

	gh "github.com/google/go-github/v45/github"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
)

// PullRequestHead identifies what a pull request wants tested: whose fork
// and which branch.
type PullRequestHead struct {
	ForkUser   string
	ForkBranch string
}

// Client is a thin wrapper around the GitHub API. The actual API calls live
// behind function fields so tests can swap them out.
type Client struct {
	ctx           context.Context
	prFetch       func(org, repo string, number int) (*gh.PullRequest, error)
	commentCreate func(org, repo string, number int, comment string) (*gh.IssueComment, error)
}

func New(ctx context.Context, apiToken string) *Client {
	client := &Client{ctx: ctx}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiToken})
	ghc := gh.NewClient(oauth2.NewClient(ctx, ts))

	client.prFetch = func(org, repo string, number int) (*gh.PullRequest, error) {
		pr, _, err := ghc.PullRequests.Get(client.ctx, org, repo, number)
		return pr, err
	}
	client.commentCreate = func(org, repo string, number int, comment string) (*gh.IssueComment, error) {
		ghComment := &gh.IssueComment{Body: &comment}
		created, _, err := ghc.Issues.CreateComment(client.ctx, org, repo, number, ghComment)
		return created, err
	}
	return client
}

// PullRequestHead resolves the fork repository and branch of a pull request.
func (c *Client) PullRequestHead(repo v1.Repository, number int) (*PullRequestHead, error) {
	pr, err := c.prFetch(repo.Owner, repo.Name, number)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch pull request %s#%d", repo.String(), number)
	}
	login := pr.GetHead().GetUser().GetLogin()
	ref := pr.GetHead().GetRef()
	if login == "" || ref == "" {
		return nil, errors.Errorf("pull request %s#%d has no usable head", repo.String(), number)
	}
	return &PullRequestHead{ForkUser: login, ForkBranch: ref}, nil
}

// CreateComment posts a comment on an issue or pull request.
func (c *Client) CreateComment(repo v1.Repository, issueID int, body string) error {
	_, err := c.commentCreate(repo.Owner, repo.Name, issueID, body)
	return errors.Wrapf(err, "could not comment on %s#%d", repo.String(), issueID)
}
