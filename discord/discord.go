// Package discord implements forumsync.Chat with Discord forum channels,
// and delivers gateway events to a forumsync.EventHandler.
package discord

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/pkg/errors"

	"forumsync"
)

const (
	maxEmbedDescription = 4096
	embedColor          = 0x238636

	// A thread update arriving this soon after this client edited the thread
	// is attributed to this client.
	selfEditWindow = 5 * time.Second
)

// Client is a forumsync.Chat.
type Client struct {
	s     *discordgo.Session
	botID string

	// Alerter, if non-nil, receives event-handling failures.
	Alerter forumsync.Alerter

	mu      sync.Mutex
	edited  map[string]time.Time // thread id -> time of the last edit made by this client
	parents sync.Map             // thread id -> parent channel id
	now     func() time.Time
}

var _ forumsync.Chat = &Client{}

// New produces a Client for a bot token.
// Call Open before using it.
func New(token string) (*Client, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, errors.Wrap(err, "creating discord session")
	}
	s.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	s.State.MaxMessageCount = 200
	return newClient(s), nil
}

func newClient(s *discordgo.Session) *Client {
	return &Client{
		s:      s,
		edited: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Open connects to the gateway and learns the bot's own user id.
func (c *Client) Open(ctx context.Context) error {
	if err := c.s.Open(); err != nil {
		return errors.Wrap(err, "opening gateway connection")
	}
	u, err := c.s.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		c.s.Close()
		return errors.Wrap(err, "getting bot user")
	}
	c.botID = u.ID
	return nil
}

func (c *Client) Close() error {
	return errors.Wrap(c.s.Close(), "closing gateway connection")
}

func (c *Client) BotID() string {
	return c.botID
}

// notFound translates Discord's "unknown channel" and "unknown message" failures
// to forumsync.ErrNotFound.
func notFound(err error) error {
	var re *discordgo.RESTError
	if !errors.As(err, &re) {
		return err
	}
	if re.Message != nil {
		switch re.Message.Code {
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownMessage:
			return errors.Wrap(forumsync.ErrNotFound, re.Message.Message)
		}
	}
	if re.Response != nil && re.Response.StatusCode == http.StatusNotFound {
		return errors.Wrap(forumsync.ErrNotFound, re.Error())
	}
	return err
}

func (c *Client) Channel(ctx context.Context, channelID string) (*forumsync.Channel, error) {
	ch, err := c.s.State.Channel(channelID)
	if err != nil {
		ch, err = c.s.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, errors.Wrapf(notFound(err), "getting channel %s", channelID)
		}
	}
	return toChannel(ch), nil
}

func (c *Client) Thread(ctx context.Context, threadID string) (*forumsync.Thread, error) {
	ch, err := c.s.Channel(threadID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "getting thread %s", threadID)
	}
	return toThread(ch), nil
}

func (c *Client) CreateThread(ctx context.Context, channelID, name string, tagIDs []string, starter forumsync.Post) (*forumsync.Thread, error) {
	if len(tagIDs) > forumsync.MaxAppliedTags {
		tagIDs = tagIDs[:forumsync.MaxAppliedTags]
	}
	ch, err := c.s.ForumThreadStartComplex(
		channelID,
		&discordgo.ThreadStart{Name: forumsync.ThreadName(name), AppliedTags: tagIDs},
		toMessageSend(starter),
		discordgo.WithContext(ctx),
	)
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "starting thread in channel %s", channelID)
	}
	c.parents.Store(ch.ID, channelID)
	return toThread(ch), nil
}

func (c *Client) EditThread(ctx context.Context, threadID string, edit forumsync.ThreadEdit) error {
	data := &discordgo.ChannelEdit{
		Archived: edit.Archived,
		Locked:   edit.Locked,
	}
	if edit.Name != nil {
		data.Name = forumsync.ThreadName(*edit.Name)
	}
	if edit.TagIDs != nil {
		tags := *edit.TagIDs
		if len(tags) > forumsync.MaxAppliedTags {
			tags = tags[:forumsync.MaxAppliedTags]
		}
		if tags == nil {
			tags = []string{}
		}
		data.AppliedTags = &tags
	}

	c.markEdited(threadID)
	_, err := c.s.ChannelEditComplex(threadID, data, discordgo.WithContext(ctx))
	return errors.Wrapf(notFound(err), "editing thread %s", threadID)
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	_, err := c.s.ChannelDelete(threadID, discordgo.WithContext(ctx))
	if err == nil {
		c.parents.Delete(threadID)
	}
	return errors.Wrapf(notFound(err), "deleting thread %s", threadID)
}

// StarterMessage fetches the message opening a forum thread,
// which has the thread's own id.
func (c *Client) StarterMessage(ctx context.Context, threadID string) (*forumsync.Message, error) {
	m, err := c.s.ChannelMessage(threadID, threadID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "getting starter message of thread %s", threadID)
	}
	return c.toMessage(ctx, m)
}

func (c *Client) SendMessage(ctx context.Context, threadID string, post forumsync.Post) (*forumsync.Message, error) {
	m, err := c.s.ChannelMessageSendComplex(threadID, toMessageSend(post), discordgo.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(notFound(err), "sending message to thread %s", threadID)
	}
	return c.toMessage(ctx, m)
}

func (c *Client) EditMessage(ctx context.Context, threadID, messageID string, post forumsync.Post) error {
	edit := discordgo.NewMessageEdit(threadID, messageID).
		SetContent(post.Content).
		SetEmbeds(toEmbeds(post))
	_, err := c.s.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
	return errors.Wrapf(notFound(err), "editing message %s in thread %s", messageID, threadID)
}

func (c *Client) markEdited(threadID string) {
	c.mu.Lock()
	c.edited[threadID] = c.now()
	c.mu.Unlock()
}

// editedRecently tells whether this client edited the thread within selfEditWindow.
// Expired marks are pruned.
func (c *Client) editedRecently(threadID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, t := range c.edited {
		if now.Sub(t) > selfEditWindow {
			delete(c.edited, id)
		}
	}
	_, ok := c.edited[threadID]
	return ok
}

// parentID finds the forum channel containing a thread.
func (c *Client) parentID(ctx context.Context, threadID string) (string, error) {
	if id, ok := c.parents.Load(threadID); ok {
		return id.(string), nil
	}
	ch, err := c.s.State.Channel(threadID)
	if err != nil {
		ch, err = c.s.Channel(threadID, discordgo.WithContext(ctx))
		if err != nil {
			return "", errors.Wrapf(notFound(err), "getting channel %s", threadID)
		}
	}
	c.parents.Store(threadID, ch.ParentID)
	return ch.ParentID, nil
}

func (c *Client) toMessage(ctx context.Context, m *discordgo.Message) (*forumsync.Message, error) {
	parent, err := c.parentID(ctx, m.ChannelID)
	if err != nil {
		return nil, err
	}
	return toMessage(m, parent), nil
}

func toChannel(ch *discordgo.Channel) *forumsync.Channel {
	result := &forumsync.Channel{ID: ch.ID, Name: ch.Name}
	for _, t := range ch.AvailableTags {
		result.Tags = append(result.Tags, forumsync.Tag{ID: t.ID, Name: t.Name})
	}
	return result
}

func toThread(ch *discordgo.Channel) *forumsync.Thread {
	result := &forumsync.Thread{
		ID:        ch.ID,
		ChannelID: ch.ParentID,
		Name:      ch.Name,
		OwnerID:   ch.OwnerID,
		TagIDs:    append([]string{}, ch.AppliedTags...),
	}
	if md := ch.ThreadMetadata; md != nil {
		result.Archived = md.Archived
		result.Locked = md.Locked
	}
	return result
}

func toMessage(m *discordgo.Message, parentID string) *forumsync.Message {
	result := &forumsync.Message{
		ID:        m.ID,
		ThreadID:  m.ChannelID,
		ChannelID: parentID,
		Content:   m.Content,
	}
	if m.Author != nil {
		result.Author = forumsync.ChatUser{
			ID:   m.Author.ID,
			Name: displayName(m),
			Bot:  m.Author.Bot,
		}
	}
	return result
}

func displayName(m *discordgo.Message) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func toMessageSend(post forumsync.Post) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: post.Content,
		Embeds:  toEmbeds(post),
	}
}

func toEmbeds(post forumsync.Post) []*discordgo.MessageEmbed {
	if post.Title == "" {
		return []*discordgo.MessageEmbed{}
	}
	embed := &discordgo.MessageEmbed{
		Title:       post.Title,
		URL:         post.URL,
		Description: clip(post.Description, maxEmbedDescription),
		Color:       embedColor,
	}
	if post.AuthorName != "" {
		embed.Author = &discordgo.MessageEmbedAuthor{
			Name:    post.AuthorName,
			URL:     post.AuthorURL,
			IconURL: post.AuthorIconURL,
		}
	}
	return []*discordgo.MessageEmbed{embed}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
