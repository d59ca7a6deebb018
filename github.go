package forumsync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Longest message content the chat platform accepts.
const maxContent = 2000

// SyncAll runs one outbound pass:
// every issue updated since the watermark, in every bound repository,
// is mirrored into each channel whose binding it matches,
// and torn down from each linked channel whose binding it no longer matches.
//
// Issues are reconciled concurrently,
// and a failure reconciling one is logged without affecting the others.
// If every repository listing succeeded,
// the watermark then advances to start,
// which should be the time the pass began.
// The returned error reports listing failures only.
func (s *Service) SyncAll(ctx context.Context, start time.Time) error {
	var (
		since  = s.Links.Watermark()
		pass   = uuid.NewString()
		failed []string
		g      errgroup.Group
	)
	g.SetLimit(s.concurrency())

	debugf("Pass %s: syncing issues updated since %s", pass, since.Format(time.RFC3339))

	for _, repo := range s.Bindings.Repos() {
		issues, err := s.Tracker.ListIssues(ctx, repo, since)
		if err != nil {
			s.warn(ctx, fmt.Sprintf("outbound: listing issues in %s", repo), err)
			failed = append(failed, repo.String())
			continue
		}
		debugf("Pass %s: %d issue(s) in %s", pass, len(issues), repo)

		for _, issue := range issues {
			repo, issue := repo, issue
			g.Go(func() error {
				for _, err := range s.syncIssue(ctx, repo, issue, since) {
					s.warn(ctx, fmt.Sprintf("outbound: issue %s#%d", repo, issue.Number), err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if len(failed) > 0 {
		return errors.Errorf("could not list issues in %s", strings.Join(failed, ", "))
	}
	s.Links.SetWatermark(start)
	debugf("Pass %s: done", pass)
	return nil
}

// syncIssue reconciles one issue with every channel, concurrently.
func (s *Service) syncIssue(ctx context.Context, repo Repo, issue *Issue, since time.Time) []error {
	var (
		errs []error
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	for _, b := range s.Bindings.MatchingChannels(repo, issue.Labels) {
		b := b
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.syncIssueToChannel(ctx, b, issue, since); err != nil {
				mu.Lock()
				errs = append(errs, errors.Wrapf(err, "channel %s", b.ChannelID))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return append(errs, s.teardown(ctx, repo, issue)...)
}

func (s *Service) syncIssueToChannel(ctx context.Context, b Binding, issue *Issue, since time.Time) error {
	threadID, ok := s.Links.FindThread(b.ChannelID, issue.ID)
	if !ok {
		return s.createThread(ctx, b, issue)
	}
	return s.updateThread(ctx, b, issue, threadID, since)
}

func (s *Service) createThread(ctx context.Context, b Binding, issue *Issue) error {
	ch, err := s.Chat.Channel(ctx, b.ChannelID)
	if err != nil {
		return errors.Wrap(err, "fetching channel")
	}
	tags := appliedTags(ch.Tags, issue.Labels)
	thread, err := s.Chat.CreateThread(ctx, b.ChannelID, issue.Title, tags, issuePost(issue))
	if err != nil {
		return errors.Wrapf(err, "creating thread for issue #%d", issue.Number)
	}

	// Link first, so a failure below cannot lead to a second thread.
	s.Links.CreateLink(thread.ID, b.ChannelID, issue.ID, issue.Number, nil)
	debugf("Created thread %s in channel %s for issue %s#%d", thread.ID, b.ChannelID, b.Repo, issue.Number)

	comments, err := s.Tracker.ListComments(ctx, b.Repo, issue.Number, time.Time{})
	if err != nil {
		return errors.Wrapf(err, "listing comments of issue #%d", issue.Number)
	}
	for _, c := range comments {
		if err := s.mirrorComment(ctx, thread.ID, c); err != nil {
			return err
		}
	}

	var edit ThreadEdit
	if issue.Locked {
		edit.Locked = &issue.Locked
	}
	if issue.Closed {
		edit.Archived = &issue.Closed
	}
	if !edit.empty() {
		if err := s.Chat.EditThread(ctx, thread.ID, edit); err != nil {
			return errors.Wrapf(err, "closing thread %s", thread.ID)
		}
	}
	return nil
}

type commentEdit struct {
	link    CommentLink
	comment *Comment
}

func (s *Service) updateThread(ctx context.Context, b Binding, issue *Issue, threadID string, since time.Time) error {
	thread, err := s.Chat.Thread(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		debugf("Thread %s for issue %s#%d is gone, recreating", threadID, b.Repo, issue.Number)
		s.Links.RemoveLinks(threadID)
		return s.createThread(ctx, b, issue)
	}
	if err != nil {
		return errors.Wrapf(err, "fetching thread %s", threadID)
	}

	ch, err := s.Chat.Channel(ctx, b.ChannelID)
	if err != nil {
		return errors.Wrap(err, "fetching channel")
	}

	comments, err := s.Tracker.ListComments(ctx, b.Repo, issue.Number, since)
	if err != nil {
		return errors.Wrapf(err, "listing comments of issue #%d", issue.Number)
	}
	var (
		posts []*Comment
		edits []commentEdit
	)
	for _, c := range comments {
		if c.Author.Bot {
			// Includes the tracker side of messages mirrored from the chat.
			continue
		}
		if cl, ok := s.Links.CommentByTrackerID(threadID, c.ID); ok {
			if c.Edited() {
				edits = append(edits, commentEdit{link: cl, comment: c})
			}
			continue
		}
		posts = append(posts, c)
	}

	var (
		edit ThreadEdit
		tags = appliedTags(ch.Tags, issue.Labels)
	)
	if thread.Name != ThreadName(issue.Title) {
		edit.Name = &issue.Title
	}
	if !sameSet(thread.TagIDs, tags) {
		edit.TagIDs = &tags
	}
	if thread.Locked != issue.Locked {
		edit.Locked = &issue.Locked
	}

	var starter *Message
	if !issue.Closed {
		m, err := s.Chat.StarterMessage(ctx, threadID)
		switch {
		case errors.Is(err, ErrNotFound):
			// Nothing to update.
		case err != nil:
			return errors.Wrapf(err, "fetching starter message of thread %s", threadID)
		case m.Author.ID == s.Chat.BotID() && m.Content != issuePost(issue).Content:
			starter = m
		}
	}

	touch := !edit.empty() || starter != nil || len(posts) > 0 || len(edits) > 0

	if thread.Archived && (touch || !issue.Closed) {
		if err := s.setArchived(ctx, threadID, false); err != nil {
			return err
		}
	}
	if !edit.empty() {
		if err := s.Chat.EditThread(ctx, threadID, edit); err != nil {
			return errors.Wrapf(err, "editing thread %s", threadID)
		}
	}
	if starter != nil {
		if err := s.Chat.EditMessage(ctx, threadID, starter.ID, issuePost(issue)); err != nil {
			return errors.Wrapf(err, "editing starter message of thread %s", threadID)
		}
	}
	for _, e := range edits {
		if err := s.Chat.EditMessage(ctx, threadID, e.link.MessageID, commentPost(e.comment)); err != nil {
			return errors.Wrapf(err, "editing mirror of comment %d", e.comment.ID)
		}
	}
	for _, c := range posts {
		if err := s.mirrorComment(ctx, threadID, c); err != nil {
			return err
		}
	}
	if issue.Closed && (touch || !thread.Archived) {
		if err := s.setArchived(ctx, threadID, true); err != nil {
			return err
		}
	}

	if issue.Locked && !issue.Closed {
		log.Printf("anomaly: issue %s#%d is locked but open (thread %s)", b.Repo, issue.Number, threadID)
	}
	return nil
}

func (s *Service) setArchived(ctx context.Context, threadID string, archived bool) error {
	err := s.Chat.EditThread(ctx, threadID, ThreadEdit{Archived: &archived})
	return errors.Wrapf(err, "setting thread %s archived=%v", threadID, archived)
}

func (s *Service) mirrorComment(ctx context.Context, threadID string, c *Comment) error {
	msg, err := s.Chat.SendMessage(ctx, threadID, commentPost(c))
	if err != nil {
		return errors.Wrapf(err, "mirroring comment %d", c.ID)
	}
	return s.Links.RecordComment(threadID, msg.ID, c.ID)
}

// teardown deletes the threads of issue in channels whose binding it no longer matches,
// then forgets their links.
func (s *Service) teardown(ctx context.Context, repo Repo, issue *Issue) []error {
	var (
		errs    []error
		removed []string
	)
	for _, l := range s.Bindings.InvalidLinks(repo, issue.Labels, s.Links.FindLinksByIssue(issue.ID)) {
		err := s.Chat.DeleteThread(ctx, l.ThreadID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, errors.Wrapf(err, "deleting thread %s in channel %s", l.ThreadID, l.ChannelID))
			continue
		}
		debugf("Deleted thread %s in channel %s for issue %s#%d", l.ThreadID, l.ChannelID, repo, issue.Number)
		removed = append(removed, l.ThreadID)
	}
	s.Links.RemoveLinks(removed...)
	return errs
}

func issuePost(issue *Issue) Post {
	body := issue.Body
	if strings.TrimSpace(body) == "" {
		body = "No original message"
	}
	return Post{
		Content:       truncate(body, maxContent),
		Title:         fmt.Sprintf("Issue #%d", issue.Number),
		URL:           issue.URL,
		AuthorName:    authorName(issue.Author),
		AuthorURL:     issue.Author.URL,
		AuthorIconURL: issue.Author.AvatarURL,
	}
}

func commentPost(c *Comment) Post {
	return Post{
		Title:         "Issue comment",
		URL:           c.URL,
		Description:   c.Body,
		AuthorName:    authorName(c.Author),
		AuthorURL:     c.Author.URL,
		AuthorIconURL: c.Author.AvatarURL,
	}
}

// appliedTags is LabelsToTags capped at what a thread can carry.
func appliedTags(catalogue []Tag, labels []string) []string {
	tags := LabelsToTags(catalogue, labels)
	if len(tags) > MaxAppliedTags {
		tags = tags[:MaxAppliedTags]
	}
	return tags
}

func authorName(a Author) string {
	if a.Login == "" {
		return "unknown"
	}
	return a.Login
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
