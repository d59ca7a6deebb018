package forumsync

import (
	"context"
	"log"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned by collaborators for a thread, message, or issue that no longer exists.
	ErrNotFound = errors.New("not found")

	// ErrLinkNotFound means no IssueLink exists for a thread.
	ErrLinkNotFound = errors.New("issue not linked")

	// ErrCommentNotLinked means no CommentLink exists for a chat message.
	ErrCommentNotLinked = errors.New("comment not linked")

	// ErrCommentConflict means a CommentLink would duplicate an existing message or comment id.
	ErrCommentConflict = errors.New("comment link conflict")
)

// Debug enables debugf output.
var Debug bool

func debugf(format string, args ...any) {
	if Debug {
		log.Printf(format, args...)
	}
}

// Service is the synchronization engine.
// It mirrors GitHub issues into forum threads (see SyncAll)
// and thread activity back into GitHub (see the On* event handlers).
type Service struct {
	Tracker  Tracker
	Chat     Chat
	Links    *LinkStore
	Bindings *Registry

	// Users maps chat user ids to GitHub logins, for comment attribution.
	Users Users

	// Alerter, if non-nil, receives every logged warning.
	Alerter Alerter

	// Concurrency bounds the number of issues reconciled at once in SyncAll.
	// Zero means DefaultConcurrency.
	Concurrency int

	inflight sync.Map // thread IDs with a thread-create in progress
}

const DefaultConcurrency = 8

// Alerter is a sink for warnings that operators should see.
type Alerter interface {
	Alert(ctx context.Context, op string, err error)
}

func (s *Service) warn(ctx context.Context, op string, err error) {
	log.Printf("%s: %s", op, err)
	if s.Alerter != nil {
		s.Alerter.Alert(ctx, op, err)
	}
}

func (s *Service) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return DefaultConcurrency
}
