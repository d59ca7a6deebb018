package pg

import (
	"context"
	"database/sql"
	"embed"

	"github.com/bobg/sqlutil"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"forumsync"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store keeps sync state in a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ forumsync.StateBackend = &Store{}

// Open connects to the database named by dsn
// and brings its schema up to date.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening db")
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting to db")
	}

	goose.SetBaseFS(migrations)
	if err = goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting migration dialect")
	}
	if err = goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "instantiating schema")
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) (*forumsync.SyncState, error) {
	st := forumsync.NewSyncState()
	index := make(map[string]int)

	const qLinks = `SELECT thread_id, channel_id, issue_id, issue_number FROM issue_links ORDER BY seq`
	err := sqlutil.ForQueryRows(ctx, s.db, qLinks, func(threadID, channelID string, issueID int64, issueNumber int) {
		index[threadID] = len(st.IssueLinks)
		st.IssueLinks = append(st.IssueLinks, forumsync.IssueLink{
			IssueID:     issueID,
			IssueNumber: issueNumber,
			ThreadID:    threadID,
			ChannelID:   channelID,
			Comments:    []forumsync.CommentLink{},
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading issue links")
	}

	const qComments = `SELECT thread_id, message_id, comment_id FROM comment_links ORDER BY thread_id, seq`
	err = sqlutil.ForQueryRows(ctx, s.db, qComments, func(threadID, messageID string, commentID int64) {
		i, ok := index[threadID]
		if !ok {
			return
		}
		st.IssueLinks[i].Comments = append(st.IssueLinks[i].Comments, forumsync.CommentLink{MessageID: messageID, CommentID: commentID})
	})
	if err != nil {
		return nil, errors.Wrap(err, "reading comment links")
	}

	const qState = `SELECT last_git_update FROM sync_state WHERE id = 1`
	err = sqlutil.QueryRowContext(ctx, s.db, qState).Scan(&st.LastGitUpdate)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "reading watermark")
	}

	return st, nil
}

// Save replaces the stored state in a single transaction.
func (s *Store) Save(ctx context.Context, st *forumsync.SyncState) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM comment_links`); err != nil {
		return errors.Wrap(err, "clearing comment links")
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM issue_links`); err != nil {
		return errors.Wrap(err, "clearing issue links")
	}

	const (
		qLink    = `INSERT INTO issue_links (thread_id, channel_id, issue_id, issue_number, seq) VALUES ($1, $2, $3, $4, $5)`
		qComment = `INSERT INTO comment_links (thread_id, message_id, comment_id, seq) VALUES ($1, $2, $3, $4)`
		qState   = `INSERT INTO sync_state (id, last_git_update) VALUES (1, $1) ON CONFLICT (id) DO UPDATE SET last_git_update = excluded.last_git_update`
	)
	for i, l := range st.IssueLinks {
		if _, err = tx.ExecContext(ctx, qLink, l.ThreadID, l.ChannelID, l.IssueID, l.IssueNumber, i); err != nil {
			return errors.Wrapf(err, "storing link for thread %s", l.ThreadID)
		}
		for j, c := range l.Comments {
			if _, err = tx.ExecContext(ctx, qComment, l.ThreadID, c.MessageID, c.CommentID, j); err != nil {
				return errors.Wrapf(err, "storing comment link for message %s", c.MessageID)
			}
		}
	}
	if _, err = tx.ExecContext(ctx, qState, st.LastGitUpdate.UTC()); err != nil {
		return errors.Wrap(err, "storing watermark")
	}

	return errors.Wrap(tx.Commit(), "committing")
}
