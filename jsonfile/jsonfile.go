// Package jsonfile stores sync state in a JSON file
// and notices when something else rewrites it.
package jsonfile

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"

	"forumsync"
)

// File is a forumsync.StateBackend and forumsync.StateWatcher.
type File struct {
	path string

	mu   sync.Mutex
	last [32]byte // hash of the content last written or read by this process
}

var (
	_ forumsync.StateBackend = &File{}
	_ forumsync.StateWatcher = &File{}
)

// New produces a File for the given path.
func New(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", path)
	}
	return &File{path: abs}, nil
}

// Path is the absolute path of the file.
func (f *File) Path() string {
	return f.path
}

// Load reads the file.
// If it does not exist it is created, holding an empty state.
func (f *File) Load(ctx context.Context) (*forumsync.SyncState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		st := forumsync.NewSyncState()
		return st, errors.Wrap(f.Save(ctx, st), "creating state file")
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", f.path)
	}

	st, err := Decode(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", f.path)
	}

	f.mu.Lock()
	f.last = blake3.Sum256(data)
	f.mu.Unlock()

	return st, nil
}

// Decode parses the JSON form of a SyncState.
func Decode(data []byte) (*forumsync.SyncState, error) {
	st := forumsync.NewSyncState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, err
	}
	if st.IssueLinks == nil {
		st.IssueLinks = []forumsync.IssueLink{}
	}
	for i := range st.IssueLinks {
		if st.IssueLinks[i].Comments == nil {
			st.IssueLinks[i].Comments = []forumsync.CommentLink{}
		}
	}
	return st, nil
}

// Save replaces the file's content atomically.
func (f *File) Save(_ context.Context, st *forumsync.SyncState) error {
	data, err := json.MarshalIndent(st, "", " ")
	if err != nil {
		return errors.Wrap(err, "encoding state")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := atomic.WriteFile(f.path, bytes.NewReader(data)); err != nil {
		return errors.Wrapf(err, "writing %s", f.path)
	}
	f.last = blake3.Sum256(data)
	return nil
}

// Watch calls onChange whenever the file gets content
// other than what this File last wrote or read.
// It watches the containing directory,
// since an atomic replacement swaps out the file itself.
// It returns when the context is canceled.
func (f *File) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating watcher")
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return errors.Wrapf(err, "watching %s", filepath.Dir(f.path))
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if f.foreign() {
				onChange()
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("jsonfile: watching %s: %s", f.path, err)
		}
	}
}

// foreign tells whether the file's current content came from someone else.
func (f *File) foreign() bool {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false
	}
	h := blake3.Sum256(data)

	f.mu.Lock()
	defer f.mu.Unlock()
	return h != f.last
}
