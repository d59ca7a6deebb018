package forumsync

import "time"

// CommentLink associates a chat message with the tracker comment it mirrors (or was mirrored to).
type CommentLink struct {
	MessageID string `json:"discordId"`
	CommentID int64  `json:"gitId"`
}

// IssueLink associates a thread in a bound channel with a tracker issue.
// There is one IssueLink per (issue, channel) pair and at most one per thread.
type IssueLink struct {
	IssueID     int64         `json:"issueId"`
	IssueNumber int           `json:"number"`
	ThreadID    string        `json:"threadId"`
	ChannelID   string        `json:"forumId"`
	Comments    []CommentLink `json:"comments"`
}

func (l IssueLink) clone() IssueLink {
	comments := make([]CommentLink, len(l.Comments))
	copy(comments, l.Comments)
	l.Comments = comments
	return l
}

// SyncState is the persisted state of the link store.
type SyncState struct {
	IssueLinks []IssueLink `json:"issueLinks"`

	// LastGitUpdate is the watermark:
	// the start of the last successful outbound pass.
	LastGitUpdate time.Time `json:"lastGitUpdate"`
}

// NewSyncState produces the state used when no persisted state exists.
func NewSyncState() *SyncState {
	return &SyncState{IssueLinks: []IssueLink{}}
}
