// Package watch tails a memory stream, emitting records as they are
// appended. It powers `memctl read -follow` so an operator can observe a
// tutoring session live.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/JinBoatus1/AI-tutor/internal/memory"
	"github.com/fsnotify/fsnotify"
)

// Tail emits every existing record of the addressed stream, then blocks
// watching for appends and emits each new record in order until ctx is
// canceled. Records are re-read from disk on every change, so a record is
// only ever emitted once and in append order.
//
// The stream's unit directory is watched rather than the file itself, so a
// stream that does not exist yet is picked up on creation.
func Tail(ctx context.Context, m *memory.Memory, addr string, fn func(memory.Record)) error {
	dataPath, err := m.StreamPath(addr)
	if err != nil {
		return fmt.Errorf("cannot tail %q: %w", addr, err)
	}
	dir := filepath.Dir(dataPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	// The unit directory may not exist before the first write; watch the
	// closest existing ancestor and re-add as directories appear.
	if err := addNearest(w, dir); err != nil {
		return err
	}

	seen, err := emitNew(m, addr, 0, fn)
	if err != nil {
		return err
	}

	// Fallback poll: directory chains created in one burst can outrun the
	// watcher re-add, and some filesystems drop events entirely.
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			seen, err = emitNew(m, addr, seen, fn)
			if err != nil {
				return err
			}
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				// A directory on the way to the stream appeared.
				if err := addNearest(w, dir); err != nil {
					return err
				}
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			seen, err = emitNew(m, addr, seen, fn)
			if err != nil {
				return err
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "watch error", "dir", dir, "err", werr)
		}
	}
}

// emitNew reads the stream and emits records past the first seen ones.
// Streams are append-only, so a count fully identifies the already-emitted
// prefix.
func emitNew(m *memory.Memory, addr string, seen int, fn func(memory.Record)) (int, error) {
	st, recs := m.Read(addr)
	switch st {
	case memory.OK:
	case memory.NotFound:
		return seen, nil
	default:
		return seen, fmt.Errorf("read %q: %s", addr, st)
	}
	for _, rec := range recs[min(seen, len(recs)):] {
		fn(rec)
	}
	if len(recs) > seen {
		seen = len(recs)
	}
	return seen, nil
}

// addNearest walks up from dir to the closest existing directory and watches
// it. Watching an ancestor is enough to observe the creation of the missing
// chain below it.
func addNearest(w *fsnotify.Watcher, dir string) error {
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			if err := w.Add(d); err != nil {
				return fmt.Errorf("failed to watch %s: %w", d, err)
			}
			return nil
		}
		if filepath.Dir(d) == d {
			return fmt.Errorf("no existing ancestor for %s", dir)
		}
	}
}
