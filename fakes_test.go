package forumsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// fakeTracker is an in-memory Tracker.
type fakeTracker struct {
	mu       sync.Mutex
	now      time.Time
	nextID   int64
	issues   map[Repo]map[int]*Issue
	comments map[Repo]map[int][]*Comment
	listErr  map[Repo]error
	writes   []string
}

var _ Tracker = &fakeTracker{}

var botAuthor = Author{Login: "forumsync[bot]", Bot: true}

func newFakeTracker(now time.Time) *fakeTracker {
	return &fakeTracker{
		now:      now,
		nextID:   1000,
		issues:   make(map[Repo]map[int]*Issue),
		comments: make(map[Repo]map[int][]*Comment),
		listErr:  make(map[Repo]error),
	}
}

func (f *fakeTracker) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fakeTracker) write(format string, args ...any) {
	f.writes = append(f.writes, fmt.Sprintf(format, args...))
}

// takeWrites returns the mutations made so far and forgets them.
func (f *fakeTracker) takeWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.writes
	f.writes = nil
	return w
}

// addIssue stores an issue, assigning its ID and number if zero.
func (f *fakeTracker) addIssue(repo Repo, issue Issue) *Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addIssueLocked(repo, issue)
}

func (f *fakeTracker) addIssueLocked(repo Repo, issue Issue) *Issue {
	if f.issues[repo] == nil {
		f.issues[repo] = make(map[int]*Issue)
	}
	if issue.ID == 0 {
		f.nextID++
		issue.ID = f.nextID
	}
	if issue.Number == 0 {
		issue.Number = len(f.issues[repo]) + 1
	}
	if issue.Labels == nil {
		issue.Labels = []string{}
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = f.now
	}
	if issue.URL == "" {
		issue.URL = fmt.Sprintf("https://github.com/%s/issues/%d", repo, issue.Number)
	}
	f.issues[repo][issue.Number] = &issue
	return cloneIssue(&issue)
}

// updateIssue applies f to a stored issue and bumps its update time.
func (f *fakeTracker) updateIssue(repo Repo, number int, fn func(*Issue)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	issue := f.issues[repo][number]
	fn(issue)
	issue.UpdatedAt = f.now
}

func (f *fakeTracker) addComment(repo Repo, number int, author Author, body string) *Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addCommentLocked(repo, number, author, body)
}

func (f *fakeTracker) addCommentLocked(repo Repo, number int, author Author, body string) *Comment {
	if f.comments[repo] == nil {
		f.comments[repo] = make(map[int][]*Comment)
	}
	f.nextID++
	c := &Comment{
		ID:        f.nextID,
		Body:      body,
		URL:       fmt.Sprintf("https://github.com/%s/issues/%d#issuecomment-%d", repo, number, f.nextID),
		Author:    author,
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	f.comments[repo][number] = append(f.comments[repo][number], c)
	if issue, ok := f.issues[repo][number]; ok {
		issue.UpdatedAt = f.now
	}
	cc := *c
	return &cc
}

func (f *fakeTracker) editCommentLocked(repo Repo, commentID int64, body string) error {
	for number, cs := range f.comments[repo] {
		for _, c := range cs {
			if c.ID == commentID {
				c.Body = body
				c.UpdatedAt = f.now
				if issue, ok := f.issues[repo][number]; ok {
					issue.UpdatedAt = f.now
				}
				return nil
			}
		}
	}
	return errors.Wrapf(ErrNotFound, "comment %d", commentID)
}

// editComment changes a comment as a human would.
func (f *fakeTracker) editComment(repo Repo, commentID int64, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.editCommentLocked(repo, commentID, body); err != nil {
		panic(err)
	}
}

func (f *fakeTracker) issue(repo Repo, number int) *Issue {
	f.mu.Lock()
	defer f.mu.Unlock()
	if issue, ok := f.issues[repo][number]; ok {
		return cloneIssue(issue)
	}
	return nil
}

func (f *fakeTracker) commentsOf(repo Repo, number int) []Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []Comment
	for _, c := range f.comments[repo][number] {
		result = append(result, *c)
	}
	return result
}

func cloneIssue(issue *Issue) *Issue {
	c := *issue
	c.Labels = append([]string{}, issue.Labels...)
	return &c
}

func (f *fakeTracker) ListIssues(_ context.Context, repo Repo, since time.Time) ([]*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.listErr[repo]; err != nil {
		return nil, err
	}
	var result []*Issue
	for _, issue := range f.issues[repo] {
		if issue.UpdatedAt.Before(since) {
			continue
		}
		result = append(result, cloneIssue(issue))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Number < result[j].Number })
	return result, nil
}

func (f *fakeTracker) GetIssue(_ context.Context, repo Repo, number int) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.issues[repo][number]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "issue %s#%d", repo, number)
	}
	return cloneIssue(issue), nil
}

func (f *fakeTracker) CreateIssue(_ context.Context, repo Repo, title, body string, labels []string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.write("create issue %q", title)
	return f.addIssueLocked(repo, Issue{
		Title:  title,
		Body:   body,
		Labels: append([]string{}, labels...),
		Author: botAuthor,
	}), nil
}

func (f *fakeTracker) EditIssue(_ context.Context, repo Repo, number int, edit IssueEdit) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.issues[repo][number]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "issue %s#%d", repo, number)
	}
	f.write("edit issue #%d", number)
	if edit.Title != nil {
		issue.Title = *edit.Title
	}
	if edit.Body != nil {
		issue.Body = *edit.Body
	}
	if edit.Labels != nil {
		issue.Labels = append([]string{}, (*edit.Labels)...)
	}
	if edit.Closed != nil {
		issue.Closed = *edit.Closed
	}
	issue.UpdatedAt = f.now
	return cloneIssue(issue), nil
}

func (f *fakeTracker) SetLocked(_ context.Context, repo Repo, number int, locked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	issue, ok := f.issues[repo][number]
	if !ok {
		return errors.Wrapf(ErrNotFound, "issue %s#%d", repo, number)
	}
	f.write("lock issue #%d %v", number, locked)
	issue.Locked = locked
	issue.UpdatedAt = f.now
	return nil
}

func (f *fakeTracker) ListComments(_ context.Context, repo Repo, number int, since time.Time) ([]*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []*Comment
	for _, c := range f.comments[repo][number] {
		if c.UpdatedAt.Before(since) {
			continue
		}
		cc := *c
		result = append(result, &cc)
	}
	return result, nil
}

func (f *fakeTracker) CreateComment(_ context.Context, repo Repo, number int, body string) (*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.issues[repo][number]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "issue %s#%d", repo, number)
	}
	f.write("create comment %q", body)
	return f.addCommentLocked(repo, number, botAuthor, body), nil
}

func (f *fakeTracker) EditComment(_ context.Context, repo Repo, commentID int64, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.write("edit comment %d %q", commentID, body)
	return f.editCommentLocked(repo, commentID, body)
}

func (f *fakeTracker) DeleteComment(_ context.Context, repo Repo, commentID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for number, cs := range f.comments[repo] {
		for i, c := range cs {
			if c.ID == commentID {
				f.write("delete comment %d", commentID)
				f.comments[repo][number] = append(cs[:i], cs[i+1:]...)
				return nil
			}
		}
	}
	return errors.Wrapf(ErrNotFound, "comment %d", commentID)
}

// fakeChat is an in-memory Chat.
type fakeChat struct {
	mu       sync.Mutex
	botID    string
	nextID   int
	channels map[string]*Channel
	threads  map[string]*Thread
	messages map[string][]*fakeMessage // by thread id, starter first
	writes   []string

	// CreateThread fails for threads with this name.
	failName string
}

type fakeMessage struct {
	Message
	Post Post
}

var _ Chat = &fakeChat{}

func newFakeChat(botID string, channels ...*Channel) *fakeChat {
	f := &fakeChat{
		botID:    botID,
		channels: make(map[string]*Channel),
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*fakeMessage),
	}
	for _, ch := range channels {
		f.channels[ch.ID] = ch
	}
	return f
}

func (f *fakeChat) write(format string, args ...any) {
	f.writes = append(f.writes, fmt.Sprintf(format, args...))
}

func (f *fakeChat) takeWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.writes
	f.writes = nil
	return w
}

func (f *fakeChat) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

// userThread creates a thread as a human would.
func (f *fakeChat) userThread(channelID, ownerID, name, content string, tagIDs ...string) *Thread {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &Thread{
		ID:        f.id("t"),
		ChannelID: channelID,
		Name:      name,
		OwnerID:   ownerID,
		TagIDs:    append([]string{}, tagIDs...),
	}
	f.threads[t.ID] = t
	f.messages[t.ID] = []*fakeMessage{{Message: Message{
		ID:        t.ID,
		ThreadID:  t.ID,
		ChannelID: channelID,
		Content:   content,
		Author:    ChatUser{ID: ownerID, Name: ownerID},
	}}}
	cp := *t
	return &cp
}

// userMessage posts a message as a human would.
func (f *fakeChat) userMessage(threadID string, author ChatUser, content string) *Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	m := &fakeMessage{Message: Message{
		ID:        f.id("m"),
		ThreadID:  threadID,
		ChannelID: f.threads[threadID].ChannelID,
		Content:   content,
		Author:    author,
	}}
	f.messages[threadID] = append(f.messages[threadID], m)
	cp := m.Message
	return &cp
}

func (f *fakeChat) thread(id string) *Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return nil
	}
	cp := *t
	cp.TagIDs = append([]string{}, t.TagIDs...)
	return &cp
}

// setThread changes a thread as a moderator would.
func (f *fakeChat) setThread(id string, fn func(*Thread)) *Thread {
	f.mu.Lock()
	t := f.threads[id]
	fn(t)
	f.mu.Unlock()
	return f.thread(id)
}

// capTags truncates applied tags the way the platform does.
func capTags(tagIDs []string) []string {
	if len(tagIDs) > MaxAppliedTags {
		tagIDs = tagIDs[:MaxAppliedTags]
	}
	return append([]string{}, tagIDs...)
}

func (f *fakeChat) threadsIn(channelID string) []*Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*Thread
	for _, t := range f.threads {
		if t.ChannelID == channelID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (f *fakeChat) messagesIn(threadID string) []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []fakeMessage
	for _, m := range f.messages[threadID] {
		result = append(result, *m)
	}
	return result
}

func (f *fakeChat) removeThread(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.threads, id)
	delete(f.messages, id)
}

func (f *fakeChat) BotID() string {
	return f.botID
}

func (f *fakeChat) Channel(_ context.Context, channelID string) (*Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.channels[channelID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "channel %s", channelID)
	}
	cp := *ch
	return &cp, nil
}

func (f *fakeChat) Thread(_ context.Context, threadID string) (*Thread, error) {
	if t := f.thread(threadID); t != nil {
		return t, nil
	}
	return nil, errors.Wrapf(ErrNotFound, "thread %s", threadID)
}

func (f *fakeChat) CreateThread(_ context.Context, channelID, name string, tagIDs []string, starter Post) (*Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.channels[channelID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "channel %s", channelID)
	}
	if name == f.failName {
		return nil, fmt.Errorf("cannot create thread %q", name)
	}
	t := &Thread{
		ID:        f.id("t"),
		ChannelID: channelID,
		Name:      ThreadName(name),
		OwnerID:   f.botID,
		TagIDs:    capTags(tagIDs),
	}
	f.write("create thread %q in %s", name, channelID)
	f.threads[t.ID] = t
	f.messages[t.ID] = []*fakeMessage{{
		Message: Message{
			ID:        t.ID,
			ThreadID:  t.ID,
			ChannelID: channelID,
			Content:   starter.Content,
			Author:    ChatUser{ID: f.botID, Name: "bot", Bot: true},
		},
		Post: starter,
	}}
	cp := *t
	return &cp, nil
}

func (f *fakeChat) EditThread(_ context.Context, threadID string, edit ThreadEdit) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.threads[threadID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	if t.Archived && (edit.Archived == nil || *edit.Archived) {
		return fmt.Errorf("thread %s is archived", threadID)
	}
	if edit.Name != nil {
		f.write("rename thread %s %q", threadID, *edit.Name)
		t.Name = ThreadName(*edit.Name)
	}
	if edit.TagIDs != nil {
		f.write("tag thread %s %v", threadID, *edit.TagIDs)
		t.TagIDs = capTags(*edit.TagIDs)
	}
	if edit.Locked != nil {
		f.write("lock thread %s %v", threadID, *edit.Locked)
		t.Locked = *edit.Locked
	}
	if edit.Archived != nil {
		f.write("archive thread %s %v", threadID, *edit.Archived)
		t.Archived = *edit.Archived
	}
	return nil
}

func (f *fakeChat) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.threads[threadID]; !ok {
		return errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	f.write("delete thread %s", threadID)
	delete(f.threads, threadID)
	delete(f.messages, threadID)
	return nil
}

func (f *fakeChat) StarterMessage(_ context.Context, threadID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ms := f.messages[threadID]
	if len(ms) == 0 || ms[0].ID != threadID {
		return nil, errors.Wrapf(ErrNotFound, "starter of thread %s", threadID)
	}
	cp := ms[0].Message
	return &cp, nil
}

func (f *fakeChat) SendMessage(_ context.Context, threadID string, post Post) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.threads[threadID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "thread %s", threadID)
	}
	if t.Archived {
		return nil, fmt.Errorf("thread %s is archived", threadID)
	}
	m := &fakeMessage{
		Message: Message{
			ID:        f.id("m"),
			ThreadID:  threadID,
			ChannelID: t.ChannelID,
			Content:   post.Content,
			Author:    ChatUser{ID: f.botID, Name: "bot", Bot: true},
		},
		Post: post,
	}
	f.write("send %q to %s", post.Description, threadID)
	f.messages[threadID] = append(f.messages[threadID], m)
	cp := m.Message
	return &cp, nil
}

func (f *fakeChat) EditMessage(_ context.Context, threadID, messageID string, post Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.threads[threadID]; ok && t.Archived {
		return fmt.Errorf("thread %s is archived", threadID)
	}
	for _, m := range f.messages[threadID] {
		if m.ID == messageID {
			f.write("edit %s %q", messageID, post.Content+post.Description)
			m.Content = post.Content
			m.Post = post
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "message %s in thread %s", messageID, threadID)
}
