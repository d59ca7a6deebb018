package forumsync

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
)

// ThreadEvent reports the creation or update of a thread.
// ActorID is the user who caused the event, if known.
type ThreadEvent struct {
	Thread  *Thread
	ActorID string
}

// MessageEvent reports the creation, update, or deletion of a message in a thread.
// ActorID is the user who caused the event, if known.
// For deletions, Message may carry only its ids.
type MessageEvent struct {
	Message *Message
	ActorID string
}

// EventHandler receives chat lifecycle events.
// Service implements it.
type EventHandler interface {
	OnThreadCreate(context.Context, ThreadEvent) error
	OnThreadUpdate(context.Context, ThreadEvent) error
	OnMessageCreate(context.Context, MessageEvent) error
	OnMessageUpdate(context.Context, MessageEvent) error
	OnMessageDelete(context.Context, MessageEvent) error
}

var _ EventHandler = &Service{}

// isSelf is the guard at the top of every event handler.
// Events caused by this service itself are dropped,
// which is all that keeps a change from echoing back and forth between the two sides.
func (s *Service) isSelf(actorID string) bool {
	return actorID != "" && actorID == s.Chat.BotID()
}

// OnThreadCreate opens a tracker issue for a thread created in a bound channel.
func (s *Service) OnThreadCreate(ctx context.Context, ev ThreadEvent) error {
	if s.isSelf(ev.ActorID) || s.isSelf(ev.Thread.OwnerID) {
		return nil
	}
	b, ok := s.Bindings.Resolve(ev.Thread.ChannelID)
	if !ok {
		return nil
	}
	thread := ev.Thread

	if _, loaded := s.inflight.LoadOrStore(thread.ID, true); loaded {
		debugf("Thread %s is already being linked", thread.ID)
		return nil
	}
	defer s.inflight.Delete(thread.ID)

	if _, ok := s.Links.FindLinkByThread(thread.ID); ok {
		debugf("Thread %s already linked", thread.ID)
		return nil
	}

	starter, err := s.Chat.StarterMessage(ctx, thread.ID)
	if err != nil {
		return errors.Wrapf(err, "fetching starter message of thread %s", thread.ID)
	}

	ch, err := s.Chat.Channel(ctx, thread.ChannelID)
	if err != nil {
		return errors.Wrapf(err, "fetching channel %s", thread.ChannelID)
	}
	labels := b.withLabel(TagsToLabels(ch.Tags, thread.TagIDs, nil))

	issue, err := s.Tracker.CreateIssue(ctx, b.Repo, thread.Name, starter.Content, labels)
	if err != nil {
		return errors.Wrapf(err, "creating issue for thread %s", thread.ID)
	}
	s.Links.CreateLink(thread.ID, thread.ChannelID, issue.ID, issue.Number, nil)
	debugf("Created issue %s#%d for thread %s", b.Repo, issue.Number, thread.ID)
	return nil
}

// OnThreadUpdate mirrors a thread's lock state, name, starter message, tags,
// and archived state onto its issue.
func (s *Service) OnThreadUpdate(ctx context.Context, ev ThreadEvent) error {
	if s.isSelf(ev.ActorID) {
		return nil
	}
	b, ok := s.Bindings.Resolve(ev.Thread.ChannelID)
	if !ok {
		return nil
	}
	thread := ev.Thread

	link, ok := s.Links.FindLinkByThread(thread.ID)
	if !ok {
		return errors.Wrapf(ErrLinkNotFound, "thread %s", thread.ID)
	}

	issue, err := s.Tracker.GetIssue(ctx, b.Repo, link.IssueNumber)
	if err != nil {
		return errors.Wrapf(err, "getting issue #%d", link.IssueNumber)
	}

	if issue.Locked != thread.Locked {
		if err := s.Tracker.SetLocked(ctx, b.Repo, link.IssueNumber, thread.Locked); err != nil {
			return errors.Wrapf(err, "setting lock of issue #%d", link.IssueNumber)
		}
	}
	if thread.Locked {
		// A locked thread's content is frozen,
		// but closing or reopening it still reaches the issue.
		if thread.Archived != issue.Closed {
			if _, err := s.Tracker.EditIssue(ctx, b.Repo, link.IssueNumber, IssueEdit{Closed: &thread.Archived}); err != nil {
				return errors.Wrapf(err, "closing issue #%d", link.IssueNumber)
			}
		}
		if !thread.Archived {
			log.Printf("anomaly: thread %s is locked but not archived (issue %s#%d)", thread.ID, b.Repo, link.IssueNumber)
		}
		return nil
	}

	ch, err := s.Chat.Channel(ctx, thread.ChannelID)
	if err != nil {
		return errors.Wrapf(err, "fetching channel %s", thread.ChannelID)
	}

	var edit IssueEdit
	if thread.Name != ThreadName(issue.Title) {
		edit.Title = &thread.Name
	}
	labels := b.withLabel(TagsToLabels(ch.Tags, thread.TagIDs, issue.Labels))
	if !sameSet(labels, issue.Labels) {
		edit.Labels = &labels
	}
	if thread.Archived != issue.Closed {
		edit.Closed = &thread.Archived
	}

	starter, err := s.Chat.StarterMessage(ctx, thread.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		// Leave the body alone.
	case err != nil:
		return errors.Wrapf(err, "fetching starter message of thread %s", thread.ID)
	case !s.isSelf(starter.Author.ID) && starter.Content != issue.Body:
		edit.Body = &starter.Content
	}

	if edit.empty() {
		return nil
	}
	_, err = s.Tracker.EditIssue(ctx, b.Repo, link.IssueNumber, edit)
	return errors.Wrapf(err, "editing issue #%d", link.IssueNumber)
}

// OnMessageCreate posts a message in a linked thread as a tracker comment.
func (s *Service) OnMessageCreate(ctx context.Context, ev MessageEvent) error {
	msg := ev.Message
	if s.isSelf(ev.ActorID) || s.isSelf(msg.Author.ID) {
		return nil
	}
	b, ok := s.Bindings.Resolve(msg.ChannelID)
	if !ok || msg.IsStarter() {
		return nil
	}

	link, ok := s.Links.FindLinkByThread(msg.ThreadID)
	if !ok {
		return errors.Wrapf(ErrLinkNotFound, "thread %s", msg.ThreadID)
	}

	comment, err := s.Tracker.CreateComment(ctx, b.Repo, link.IssueNumber, s.Users.commentBody(msg))
	if err != nil {
		return errors.Wrapf(err, "creating comment on issue #%d", link.IssueNumber)
	}
	return s.Links.RecordComment(msg.ThreadID, msg.ID, comment.ID)
}

// OnMessageUpdate mirrors an edited message onto its tracker comment,
// or an edited starter message onto the issue body.
func (s *Service) OnMessageUpdate(ctx context.Context, ev MessageEvent) error {
	msg := ev.Message
	if s.isSelf(ev.ActorID) || s.isSelf(msg.Author.ID) {
		return nil
	}
	b, ok := s.Bindings.Resolve(msg.ChannelID)
	if !ok {
		return nil
	}

	if msg.IsStarter() {
		link, ok := s.Links.FindLinkByThread(msg.ThreadID)
		if !ok {
			return errors.Wrapf(ErrLinkNotFound, "thread %s", msg.ThreadID)
		}
		_, err := s.Tracker.EditIssue(ctx, b.Repo, link.IssueNumber, IssueEdit{Body: &msg.Content})
		return errors.Wrapf(err, "editing body of issue #%d", link.IssueNumber)
	}

	cl, err := s.Links.CommentByMessage(msg.ThreadID, msg.ID)
	if err != nil {
		return err
	}
	err = s.Tracker.EditComment(ctx, b.Repo, cl.CommentID, s.Users.commentBody(msg))
	return errors.Wrapf(err, "editing comment %d", cl.CommentID)
}

// OnMessageDelete deletes the tracker comment a deleted message was mirrored to.
// Deleting a message this service posted (a mirror of a tracker comment)
// only forgets the link and leaves the tracker comment alone.
func (s *Service) OnMessageDelete(ctx context.Context, ev MessageEvent) error {
	msg := ev.Message
	if s.isSelf(ev.ActorID) {
		return nil
	}
	b, ok := s.Bindings.Resolve(msg.ChannelID)
	if !ok || msg.IsStarter() {
		return nil
	}

	cl, err := s.Links.CommentByMessage(msg.ThreadID, msg.ID)
	if err != nil {
		return err
	}
	link, _ := s.Links.FindLinkByThread(msg.ThreadID)

	mirror := s.isSelf(msg.Author.ID)
	if msg.Author.ID == "" {
		// Author not known: ask the tracker who wrote the comment.
		// Comments made from chat messages are authored by this service's bot account.
		c, err := s.findComment(ctx, b.Repo, link.IssueNumber, cl.CommentID)
		if err != nil {
			return err
		}
		mirror = c != nil && !c.Author.Bot
	}

	if !mirror {
		err = s.Tracker.DeleteComment(ctx, b.Repo, cl.CommentID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return errors.Wrapf(err, "deleting comment %d", cl.CommentID)
		}
	}
	s.Links.ForgetComment(msg.ThreadID, msg.ID)
	return nil
}

// findComment returns nil if the comment no longer exists.
func (s *Service) findComment(ctx context.Context, repo Repo, number int, commentID int64) (*Comment, error) {
	comments, err := s.Tracker.ListComments(ctx, repo, number, time.Time{})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listing comments of issue #%d", number)
	}
	for _, c := range comments {
		if c.ID == commentID {
			return c, nil
		}
	}
	return nil, nil
}
