// Package ghissues implements forumsync.Tracker with GitHub issues,
// authenticating as a GitHub App installation.
package ghissues

import (
	"context"
	"net/http"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v45/github"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"forumsync"
)

const lockReason = "resolved"

// Config is what New needs to reach GitHub.
type Config struct {
	AppID          int64
	InstallationID int64
	PrivateKey     []byte

	// APIURL and UploadURL select a GitHub Enterprise server.
	// Leave empty for github.com.
	APIURL    string
	UploadURL string

	// Rate limits requests per second; zero means unlimited.
	Rate  float64
	Burst int
}

// Client is a forumsync.Tracker.
type Client struct {
	gh      *github.Client
	limiter *rate.Limiter
}

var _ forumsync.Tracker = &Client{}

// New produces a Client authenticated as the configured app installation.
func New(cfg Config) (*Client, error) {
	tr, err := ghinstallation.New(http.DefaultTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "creating app installation transport")
	}

	var gh *github.Client
	if cfg.APIURL == "" {
		gh = github.NewClient(&http.Client{Transport: tr})
	} else {
		tr.BaseURL = cfg.APIURL
		uploadURL := cfg.UploadURL
		if uploadURL == "" {
			uploadURL = cfg.APIURL
		}
		gh, err = github.NewEnterpriseClient(cfg.APIURL, uploadURL, &http.Client{Transport: tr})
		if err != nil {
			return nil, errors.Wrap(err, "creating enterprise client")
		}
	}

	return NewWithClient(gh, limiter(cfg.Rate, cfg.Burst)), nil
}

// NewWithClient wraps an existing GitHub client.
// A nil limiter means unlimited.
func NewWithClient(gh *github.Client, limiter *rate.Limiter) *Client {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &Client{gh: gh, limiter: limiter}
}

func limiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *Client) wait(ctx context.Context) error {
	return errors.Wrap(c.limiter.Wait(ctx), "waiting for rate limiter")
}

// notFound translates GitHub 404s (and 410s, for deleted issues) to forumsync.ErrNotFound.
func notFound(err error) error {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		switch er.Response.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return errors.Wrap(forumsync.ErrNotFound, er.Message)
		}
	}
	return err
}

func (c *Client) ListIssues(ctx context.Context, repo forumsync.Repo, since time.Time) ([]*forumsync.Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "updated",
		Direction:   "asc",
		Since:       since,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var result []*forumsync.Issue
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, repo.Owner, repo.Name, opts)
		if err != nil {
			return nil, errors.Wrapf(notFound(err), "listing issues in %s", repo)
		}
		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			result = append(result, toIssue(issue))
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) GetIssue(ctx context.Context, repo forumsync.Repo, number int) (*forumsync.Issue, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	issue, _, err := c.gh.Issues.Get(ctx, repo.Owner, repo.Name, number)
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "getting issue %s#%d", repo, number)
	}
	return toIssue(issue), nil
}

func (c *Client) CreateIssue(ctx context.Context, repo forumsync.Repo, title, body string, labels []string) (*forumsync.Issue, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if labels == nil {
		labels = []string{}
	}
	issue, _, err := c.gh.Issues.Create(ctx, repo.Owner, repo.Name, &github.IssueRequest{
		Title:  &title,
		Body:   &body,
		Labels: &labels,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating issue in %s", repo)
	}
	return toIssue(issue), nil
}

func (c *Client) EditIssue(ctx context.Context, repo forumsync.Repo, number int, edit forumsync.IssueEdit) (*forumsync.Issue, error) {
	req := &github.IssueRequest{
		Title:  edit.Title,
		Body:   edit.Body,
		Labels: edit.Labels,
	}
	if edit.Closed != nil {
		state := "open"
		if *edit.Closed {
			state = "closed"
		}
		req.State = &state
	}

	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	issue, _, err := c.gh.Issues.Edit(ctx, repo.Owner, repo.Name, number, req)
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "editing issue %s#%d", repo, number)
	}
	return toIssue(issue), nil
}

func (c *Client) SetLocked(ctx context.Context, repo forumsync.Repo, number int, locked bool) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	var err error
	if locked {
		_, err = c.gh.Issues.Lock(ctx, repo.Owner, repo.Name, number, &github.LockIssueOptions{LockReason: lockReason})
	} else {
		_, err = c.gh.Issues.Unlock(ctx, repo.Owner, repo.Name, number)
	}
	return errors.Wrapf(notFound(err), "setting lock of issue %s#%d to %v", repo, number, locked)
}

func (c *Client) ListComments(ctx context.Context, repo forumsync.Repo, number int, since time.Time) ([]*forumsync.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opts.Since = &since
	}

	var result []*forumsync.Comment
	for {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
		comments, resp, err := c.gh.Issues.ListComments(ctx, repo.Owner, repo.Name, number, opts)
		if err != nil {
			return nil, errors.Wrapf(notFound(err), "listing comments of issue %s#%d", repo, number)
		}
		for _, comment := range comments {
			result = append(result, toComment(comment))
		}
		if resp.NextPage == 0 {
			return result, nil
		}
		opts.Page = resp.NextPage
	}
}

func (c *Client) CreateComment(ctx context.Context, repo forumsync.Repo, number int, body string) (*forumsync.Comment, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	comment, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: &body})
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "commenting on issue %s#%d", repo, number)
	}
	return toComment(comment), nil
}

func (c *Client) EditComment(ctx context.Context, repo forumsync.Repo, commentID int64, body string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, _, err := c.gh.Issues.EditComment(ctx, repo.Owner, repo.Name, commentID, &github.IssueComment{Body: &body})
	return errors.Wrapf(notFound(err), "editing comment %d in %s", commentID, repo)
}

func (c *Client) DeleteComment(ctx context.Context, repo forumsync.Repo, commentID int64) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	_, err := c.gh.Issues.DeleteComment(ctx, repo.Owner, repo.Name, commentID)
	return errors.Wrapf(notFound(err), "deleting comment %d in %s", commentID, repo)
}

func toIssue(issue *github.Issue) *forumsync.Issue {
	result := &forumsync.Issue{
		ID:        issue.GetID(),
		Number:    issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		Closed:    issue.GetState() == "closed",
		Locked:    issue.GetLocked(),
		URL:       issue.GetHTMLURL(),
		Author:    toAuthor(issue.GetUser()),
		UpdatedAt: issue.GetUpdatedAt(),
		Labels:    []string{},
	}
	for _, l := range issue.Labels {
		result.Labels = append(result.Labels, l.GetName())
	}
	return result
}

func toComment(comment *github.IssueComment) *forumsync.Comment {
	return &forumsync.Comment{
		ID:        comment.GetID(),
		Body:      comment.GetBody(),
		URL:       comment.GetHTMLURL(),
		Author:    toAuthor(comment.GetUser()),
		CreatedAt: comment.GetCreatedAt(),
		UpdatedAt: comment.GetUpdatedAt(),
	}
}

func toAuthor(u *github.User) forumsync.Author {
	return forumsync.Author{
		Login:     u.GetLogin(),
		URL:       u.GetHTMLURL(),
		AvatarURL: u.GetAvatarURL(),
		Bot:       u.GetType() == "Bot",
	}
}
