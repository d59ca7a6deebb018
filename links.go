package forumsync

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StateBackend is durable storage for a SyncState.
type StateBackend interface {
	// Load returns the stored state,
	// or NewSyncState() if nothing has been stored yet.
	Load(context.Context) (*SyncState, error)

	Save(context.Context, *SyncState) error
}

// StateWatcher is implemented by backends that can detect modification by other writers.
// Watch calls onChange each time the stored state changes other than through Save,
// until the context is canceled.
type StateWatcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// LinkStore is the single owner of the SyncState.
// All methods are safe for concurrent use.
// Each method is atomic by itself;
// no lock is held across calls.
type LinkStore struct {
	backend StateBackend

	mu       sync.Mutex
	links    []*IssueLink
	byThread map[string]*IssueLink
	mark     time.Time
	gen      uint64 // bumped on every mutation
	savedGen uint64
}

// NewLinkStore produces an empty LinkStore persisted to backend.
// Call Load to populate it.
// A nil backend makes an in-memory-only store.
func NewLinkStore(backend StateBackend) *LinkStore {
	ls := &LinkStore{backend: backend}
	ls.replace(NewSyncState())
	ls.savedGen = ls.gen
	return ls
}

// Load replaces the in-memory state with the backend's.
func (ls *LinkStore) Load(ctx context.Context) error {
	if ls.backend == nil {
		return nil
	}
	st, err := ls.backend.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "loading sync state")
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.replace(st)
	ls.savedGen = ls.gen
	return nil
}

// Reload is Load for use after an out-of-band change to the backend.
// Mutations made since the last flush are discarded.
func (ls *LinkStore) Reload(ctx context.Context) error {
	if err := ls.Load(ctx); err != nil {
		return errors.Wrap(err, "reloading")
	}
	debugf("Reloaded link store, %d links", ls.Len())
	return nil
}

// Flush saves the state to the backend if it changed since the last Load or Flush.
func (ls *LinkStore) Flush(ctx context.Context) error {
	if ls.backend == nil {
		return nil
	}

	ls.mu.Lock()
	if ls.gen == ls.savedGen {
		ls.mu.Unlock()
		return nil
	}
	var (
		st  = ls.snapshot()
		gen = ls.gen
	)
	ls.mu.Unlock()

	if err := ls.backend.Save(ctx, st); err != nil {
		return errors.Wrap(err, "saving sync state")
	}

	ls.mu.Lock()
	if gen > ls.savedGen {
		ls.savedGen = gen
	}
	ls.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the current state.
func (ls *LinkStore) Snapshot() *SyncState {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.snapshot()
}

func (ls *LinkStore) snapshot() *SyncState {
	st := &SyncState{
		IssueLinks:    make([]IssueLink, 0, len(ls.links)),
		LastGitUpdate: ls.mark,
	}
	for _, l := range ls.links {
		st.IssueLinks = append(st.IssueLinks, l.clone())
	}
	return st
}

// Caller must hold ls.mu (or be the constructor).
// A later link for an already-seen thread is dropped.
func (ls *LinkStore) replace(st *SyncState) {
	ls.links = nil
	ls.byThread = make(map[string]*IssueLink)
	for _, l := range st.IssueLinks {
		if _, ok := ls.byThread[l.ThreadID]; ok {
			continue
		}
		l := l.clone()
		ls.links = append(ls.links, &l)
		ls.byThread[l.ThreadID] = &l
	}
	ls.mark = st.LastGitUpdate
	ls.gen++
}

// Len is the number of issue links.
func (ls *LinkStore) Len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.links)
}

// Links returns copies of all issue links.
func (ls *LinkStore) Links() []IssueLink {
	return ls.Snapshot().IssueLinks
}

// FindLinksByIssue returns the links of every thread mirroring the given issue.
func (ls *LinkStore) FindLinksByIssue(issueID int64) []IssueLink {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	var result []IssueLink
	for _, l := range ls.links {
		if l.IssueID == issueID {
			result = append(result, l.clone())
		}
	}
	return result
}

// FindLinkByThread returns the link for a thread.
func (ls *LinkStore) FindLinkByThread(threadID string) (IssueLink, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byThread[threadID]
	if !ok {
		return IssueLink{}, false
	}
	return l.clone(), true
}

// FindThread returns the id of the thread mirroring an issue in a channel.
func (ls *LinkStore) FindThread(channelID string, issueID int64) (string, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for _, l := range ls.links {
		if l.ChannelID == channelID && l.IssueID == issueID {
			return l.ThreadID, true
		}
	}
	return "", false
}

// CreateLink adds a link for a thread.
// If the thread already has a link,
// nothing changes and the existing link is returned.
func (ls *LinkStore) CreateLink(threadID, channelID string, issueID int64, issueNumber int, comments []CommentLink) IssueLink {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if l, ok := ls.byThread[threadID]; ok {
		return l.clone()
	}

	l := &IssueLink{
		IssueID:     issueID,
		IssueNumber: issueNumber,
		ThreadID:    threadID,
		ChannelID:   channelID,
		Comments:    []CommentLink{},
	}
	for _, c := range comments {
		if err := l.addComment(c); err != nil {
			debugf("Dropping comment link %v for thread %s: %s", c, threadID, err)
		}
	}
	ls.links = append(ls.links, l)
	ls.byThread[threadID] = l
	ls.gen++
	return l.clone()
}

// RecordComment appends a comment link to a thread's issue link.
// Recording an identical pair twice is a no-op.
func (ls *LinkStore) RecordComment(threadID, messageID string, commentID int64) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byThread[threadID]
	if !ok {
		return errors.Wrapf(ErrLinkNotFound, "thread %s", threadID)
	}
	before := len(l.Comments)
	if err := l.addComment(CommentLink{MessageID: messageID, CommentID: commentID}); err != nil {
		return errors.Wrapf(err, "thread %s", threadID)
	}
	if len(l.Comments) != before {
		ls.gen++
	}
	return nil
}

func (l *IssueLink) addComment(c CommentLink) error {
	for _, existing := range l.Comments {
		if existing == c {
			return nil
		}
		if existing.MessageID == c.MessageID {
			return errors.Wrapf(ErrCommentConflict, "message %s already linked to comment %d", c.MessageID, existing.CommentID)
		}
		if existing.CommentID == c.CommentID {
			return errors.Wrapf(ErrCommentConflict, "comment %d already linked to message %s", c.CommentID, existing.MessageID)
		}
	}
	l.Comments = append(l.Comments, c)
	return nil
}

// CommentByMessage returns the comment link for a chat message in a thread.
func (ls *LinkStore) CommentByMessage(threadID, messageID string) (CommentLink, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byThread[threadID]
	if !ok {
		return CommentLink{}, errors.Wrapf(ErrLinkNotFound, "thread %s", threadID)
	}
	for _, c := range l.Comments {
		if c.MessageID == messageID {
			return c, nil
		}
	}
	return CommentLink{}, errors.Wrapf(ErrCommentNotLinked, "message %s in thread %s", messageID, threadID)
}

// CommentByTrackerID returns the comment link for a tracker comment in a thread.
func (ls *LinkStore) CommentByTrackerID(threadID string, commentID int64) (CommentLink, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byThread[threadID]
	if !ok {
		return CommentLink{}, false
	}
	for _, c := range l.Comments {
		if c.CommentID == commentID {
			return c, true
		}
	}
	return CommentLink{}, false
}

// ForgetComment removes the comment link for a message,
// whose mirrored comment has been deleted.
func (ls *LinkStore) ForgetComment(threadID, messageID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	l, ok := ls.byThread[threadID]
	if !ok {
		return
	}
	for i, c := range l.Comments {
		if c.MessageID == messageID {
			l.Comments = append(l.Comments[:i], l.Comments[i+1:]...)
			ls.gen++
			return
		}
	}
}

// RemoveLinks removes the links for the given threads.
// Call it only after the threads are deleted on the chat side.
func (ls *LinkStore) RemoveLinks(threadIDs ...string) {
	if len(threadIDs) == 0 {
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	remove := make(map[string]bool, len(threadIDs))
	for _, id := range threadIDs {
		remove[id] = true
	}

	kept := ls.links[:0]
	for _, l := range ls.links {
		if remove[l.ThreadID] {
			delete(ls.byThread, l.ThreadID)
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) != len(ls.links) {
		ls.gen++
	}
	for i := len(kept); i < len(ls.links); i++ {
		ls.links[i] = nil
	}
	ls.links = kept
}

// Watermark is the lower bound for the next incremental fetch.
func (ls *LinkStore) Watermark() time.Time {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.mark
}

// SetWatermark advances the watermark.
// It never moves backwards.
func (ls *LinkStore) SetWatermark(t time.Time) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if !t.After(ls.mark) {
		return
	}
	ls.mark = t
	ls.gen++
}
