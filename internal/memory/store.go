package memory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/JinBoatus1/AI-tutor/internal/address"
	"github.com/JinBoatus1/AI-tutor/internal/jsonl"
)

// locationLocks serializes appends per resolved data path. Writes to
// distinct locations never contend; the outer mutex only guards the map
// itself. Lock values are never removed, bounded by the number of distinct
// locations touched by this process.
//
// The locks are per-Memory instance. When several instances share one
// (root, book), interleaved appends stay intact because each record is a
// single write to an O_APPEND descriptor, which the kernel applies at
// end-of-file as one unit. The locks only order writes within an instance.
type locationLocks struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func (l *locationLocks) init() {
	l.m = make(map[string]*sync.Mutex)
}

func (l *locationLocks) get(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.m[path]
	if !ok {
		lk = &sync.Mutex{}
		l.m[path] = lk
	}
	return lk
}

// append durably persists rec as the last element of the stream at loc.
// The record line is written and flushed as one atomic unit; only then are
// the index entries emitted. Index appends are best-effort: indexes are
// rebuildable caches, so their failure is logged and never changes the
// status of an already durable write.
func (m *Memory) append(loc address.Location, rec Record) Status {
	data, err := json.Marshal(&rec)
	if err != nil {
		// A Record of valid UTF-8 strings always marshals; treat anything
		// else as a storage-layer failure.
		return IOError
	}

	dataPath := loc.DataPath()
	lk := m.locks.get(dataPath)
	lk.Lock()
	defer lk.Unlock()

	offset, length, err := jsonl.AppendLine(dataPath, data, m.sync)
	if err != nil {
		return IOError
	}

	entry := indexEntry{ID: rec.ID, T: rec.T, Offset: offset, Len: length}
	if b, err := json.Marshal(&entry); err == nil {
		if _, _, err := jsonl.AppendLine(loc.IndexPath(), b, false); err != nil {
			slog.Warn("failed to append unit index entry", "path", loc.IndexPath(), "err", err)
		}
	}
	gentry := globalIndexEntry{
		indexEntry: entry,
		Address:    loc.Unit,
		Stream:     loc.Stream.String(),
	}
	if b, err := json.Marshal(&gentry); err == nil {
		if _, _, err := jsonl.AppendLine(m.globalIndexPath(), b, false); err != nil {
			slog.Warn("failed to append global index entry", "path", m.globalIndexPath(), "err", err)
		}
	}

	m.idx.put(rec.ID, recordLoc{unit: loc.Unit, stream: loc.Stream, offset: offset, length: length})
	return OK
}

// readStream decodes every complete record of the stream at loc, in append
// order. Reads take no lock: appends are single atomic line writes, so a
// concurrent reader sees either a complete record or, at worst, a trailing
// fragment that the scanner skips.
func (m *Memory) readStream(loc address.Location) (Status, []Record) {
	var out []Record
	err := jsonl.ScanLines(loc.DataPath(), func(line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return jsonl.ErrCorrupt
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NotFound, nil
		}
		return IOError, nil
	}
	return OK, out
}
