package forumsync

import "context"

// Chat is the chat-platform collaborator.
// Implementations return ErrNotFound (possibly wrapped) for missing channels, threads, and messages.
type Chat interface {
	// BotID is the actor id of this service on the chat platform.
	BotID() string

	Channel(ctx context.Context, channelID string) (*Channel, error)
	Thread(ctx context.Context, threadID string) (*Thread, error)

	// CreateThread creates a thread in a forum channel,
	// with the given name, applied tag ids, and starter message.
	CreateThread(ctx context.Context, channelID, name string, tagIDs []string, starter Post) (*Thread, error)
	EditThread(ctx context.Context, threadID string, edit ThreadEdit) error
	DeleteThread(ctx context.Context, threadID string) error

	// StarterMessage returns the message that opened the thread.
	StarterMessage(ctx context.Context, threadID string) (*Message, error)

	SendMessage(ctx context.Context, threadID string, post Post) (*Message, error)
	EditMessage(ctx context.Context, threadID, messageID string, post Post) error
}

// Channel is a forum channel and its tag catalogue.
type Channel struct {
	ID   string
	Name string
	Tags []Tag
}

// Tag is one entry of a forum channel's closed set of tags.
type Tag struct {
	ID   string
	Name string
}

// Limits of the chat platform.
// Chat implementations enforce them; the engine compares against them.
const (
	MaxThreadName  = 100
	MaxAppliedTags = 5
)

// ThreadName is the name a thread gets for an issue title.
func ThreadName(title string) string {
	if title == "" {
		return "Untitled"
	}
	return truncate(title, MaxThreadName)
}

// Thread is a forum post.
type Thread struct {
	ID        string
	ChannelID string // the parent forum channel
	Name      string
	OwnerID   string
	TagIDs    []string
	Archived  bool
	Locked    bool
}

// Message is a message in a thread.
type Message struct {
	ID        string
	ThreadID  string
	ChannelID string // the thread's parent forum channel
	Content   string
	Author    ChatUser
}

// IsStarter tells whether m is the starter message of its thread.
// Forum starter messages share the thread's id.
func (m *Message) IsStarter() bool {
	return m.ID == m.ThreadID
}

// ChatUser is a chat-platform user.
type ChatUser struct {
	ID   string
	Name string
	Bot  bool
}

// Post is the content of a message the service sends.
// A non-empty Title renders as a header card
// (linked to URL and attributed to the author fields)
// above Content.
type Post struct {
	Content string

	Title         string
	URL           string
	Description   string
	AuthorName    string
	AuthorURL     string
	AuthorIconURL string
}

// ThreadEdit is a partial update of a thread. Nil fields are left alone.
type ThreadEdit struct {
	Name     *string
	TagIDs   *[]string
	Archived *bool
	Locked   *bool
}

func (e ThreadEdit) empty() bool {
	return e.Name == nil && e.TagIDs == nil && e.Archived == nil && e.Locked == nil
}
