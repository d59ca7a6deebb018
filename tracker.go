package forumsync

import (
	"context"
	"time"
)

// Tracker is the issue-tracker collaborator.
// Implementations return ErrNotFound (possibly wrapped) for missing issues and comments.
type Tracker interface {
	// ListIssues returns the issues (open and closed, excluding pull requests)
	// in repo updated at or after since.
	// A zero since means all issues.
	ListIssues(ctx context.Context, repo Repo, since time.Time) ([]*Issue, error)

	GetIssue(ctx context.Context, repo Repo, number int) (*Issue, error)
	CreateIssue(ctx context.Context, repo Repo, title, body string, labels []string) (*Issue, error)
	EditIssue(ctx context.Context, repo Repo, number int, edit IssueEdit) (*Issue, error)
	SetLocked(ctx context.Context, repo Repo, number int, locked bool) error

	// ListComments returns the comments on an issue updated at or after since,
	// oldest first.
	ListComments(ctx context.Context, repo Repo, number int, since time.Time) ([]*Comment, error)

	CreateComment(ctx context.Context, repo Repo, number int, body string) (*Comment, error)
	EditComment(ctx context.Context, repo Repo, commentID int64, body string) error
	DeleteComment(ctx context.Context, repo Repo, commentID int64) error
}

// Issue is a tracker issue.
type Issue struct {
	ID     int64
	Number int
	Title  string
	Body   string
	Labels []string
	Closed bool
	Locked bool
	URL    string
	Author Author

	UpdatedAt time.Time
}

// Comment is a tracker issue comment.
type Comment struct {
	ID     int64
	Body   string
	URL    string
	Author Author

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Edited tells whether the comment was changed after it was created.
func (c *Comment) Edited() bool {
	return c.UpdatedAt.After(c.CreatedAt)
}

// Author is the user who wrote an issue or comment.
type Author struct {
	Login     string
	URL       string
	AvatarURL string

	// Bot is true for app and bot accounts,
	// including the one this service acts as.
	Bot bool
}

// IssueEdit is a partial update of an issue. Nil fields are left alone.
type IssueEdit struct {
	Title  *string
	Body   *string
	Labels *[]string
	Closed *bool
}

func (e IssueEdit) empty() bool {
	return e.Title == nil && e.Body == nil && e.Labels == nil && e.Closed == nil
}
