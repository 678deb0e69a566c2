// Package gitlog versions a book directory as a git repository, so a
// tutoring deployment can keep an auditable history of its memory streams
// and roll a book back by checking out an earlier commit.
package gitlog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	defaultName  = "tutor-memory"
	defaultEmail = "memory@localhost"
)

// Log is a git repository wrapping one book directory. Safe for concurrent
// use; snapshots are serialized.
type Log struct {
	dir  string
	repo *gogit.Repository
	mu   sync.Mutex
}

// Open opens the git repository at dir, initializing one if needed. The
// directory is created when missing so a log can be opened before the first
// record is written.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		// Not a repo yet — initialize.
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = defaultName
		cfg.User.Email = defaultEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}
	return &Log{dir: dir, repo: repo}, nil
}

// Dir returns the directory the log versions.
func (l *Log) Dir() string { return l.dir }

// Snapshot stages every change under the directory and commits it with msg.
// Returns the commit hash, or "" when the worktree was already clean.
func (l *Log) Snapshot(ctx context.Context, msg string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	w, err := l.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}
	if err := w.AddWithOptions(&gogit.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := w.Status()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return "", nil
	}

	now := time.Now()
	sig := &object.Signature{Name: defaultName, Email: defaultEmail, When: now}
	hash, err := w.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// CommitCount returns the total number of snapshots taken.
func (l *Log) CommitCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	iter, err := l.repo.Log(&gogit.LogOptions{})
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			// HEAD does not resolve yet: no commits.
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read commit log: %w", err)
	}
	defer iter.Close()

	n := 0
	if err := iter.ForEach(func(*object.Commit) error {
		n++
		return nil
	}); err != nil {
		return 0, fmt.Errorf("failed to walk commit log: %w", err)
	}
	return n, nil
}
