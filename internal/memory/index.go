package memory

import (
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/JinBoatus1/AI-tutor/internal/address"
	"github.com/JinBoatus1/AI-tutor/internal/jsonl"
)

// globalIndexName is the book-level index file supporting id and time
// lookups across all units. Its leading underscore keeps it out of the
// address namespace, which forbids `_global_index.jsonl` as a segment
// anyway because of the dot.
const globalIndexName = "_global_index.jsonl"

// indexEntry is one line of a per-stream index file. Offset and Len locate
// the record's raw line inside the stream's data file.
type indexEntry struct {
	ID     string `json:"id"`
	T      int64  `json:"t"`
	Offset int64  `json:"offset"`
	Len    int    `json:"len"`
}

// globalIndexEntry additionally records which stream of which unit the
// record lives in.
type globalIndexEntry struct {
	indexEntry
	Address string `json:"address"`
	Stream  string `json:"stream"`
}

// recordLoc locates one record for the in-memory id cache.
type recordLoc struct {
	unit   string
	stream address.Stream
	offset int64
	length int
}

// idCache maps record ids to their location. It is hydrated lazily from the
// global index on first GetByID and kept current by append. It only ever
// accelerates lookups; the data files remain the source of truth.
type idCache struct {
	mu     sync.Mutex
	loaded bool
	byID   map[string]recordLoc
}

func (c *idCache) put(id string, loc recordLoc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID == nil {
		c.byID = make(map[string]recordLoc)
	}
	c.byID[id] = loc
}

func (c *idCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.byID = nil
}

func (m *Memory) globalIndexPath() string {
	return filepath.Join(m.BookDir(), globalIndexName)
}

// loadIDCache hydrates the id cache from the global index. Best effort: a
// missing or partially unreadable index just yields fewer cache hits.
func (m *Memory) loadIDCache() {
	m.idx.mu.Lock()
	defer m.idx.mu.Unlock()
	if m.idx.loaded {
		return
	}
	m.idx.loaded = true
	if m.idx.byID == nil {
		m.idx.byID = make(map[string]recordLoc)
	}
	_ = jsonl.ScanLines(m.globalIndexPath(), func(line []byte) error {
		var e globalIndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		stream, err := address.ParseStream(e.Stream)
		if err != nil || e.ID == "" || e.Address == "" {
			return nil
		}
		m.idx.byID[e.ID] = recordLoc{unit: e.Address, stream: stream, offset: e.Offset, length: e.Len}
		return nil
	})
}

// readRecordAt fetches and decodes one record from a stream data file by
// byte range.
func (m *Memory) readRecordAt(unit string, stream address.Stream, offset int64, length int) (*Record, error) {
	loc, err := address.Resolve(m.root, m.bookID, unit)
	if err != nil {
		return nil, err
	}
	raw, err := jsonl.ReadRange(loc.WithStream(stream).DataPath(), offset, length)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetByID retrieves one record anywhere in the book by its id, served by the
// global index. Unknown ids report NotFound; an id whose indexed location no
// longer decodes reports IOError (the index can be rebuilt).
func (m *Memory) GetByID(id string) (Status, *Record) {
	if id == "" {
		return InvalidParam, nil
	}
	m.loadIDCache()

	m.idx.mu.Lock()
	loc, ok := m.idx.byID[id]
	m.idx.mu.Unlock()
	if !ok {
		return NotFound, nil
	}
	rec, err := m.readRecordAt(loc.unit, loc.stream, loc.offset, loc.length)
	if err != nil {
		return IOError, nil
	}
	return OK, rec
}

// TimeQuery selects records by their integer timestamp T.
type TimeQuery struct {
	// Start and End bound the window, inclusive. A zero Start means
	// unbounded below; a zero End means unbounded above. A reversed window
	// is swapped, not rejected.
	Start time.Time
	End   time.Time
	// Address restricts the query to one unit. Empty queries the whole book
	// through the global index.
	Address string
	// Stream is "events", "summary", or "" meaning no filter for book-wide
	// queries and the events stream for unit queries.
	Stream string
	// Limit caps the number of returned records; 0 means no cap.
	Limit int
}

// QueryByTime returns records whose T falls inside the query window, in
// index order. Records whose indexed location no longer decodes are skipped:
// time queries are served by the rebuildable index layer and stale entries
// are not an error.
func (m *Memory) QueryByTime(q TimeQuery) (Status, []Record) {
	if q.Limit < 0 {
		return InvalidParam, nil
	}
	if q.Stream != "" {
		if _, err := address.ParseStream(q.Stream); err != nil {
			return InvalidParam, nil
		}
	}
	t0 := int64(math.MinInt64)
	if !q.Start.IsZero() {
		t0 = q.Start.Unix()
	}
	t1 := int64(math.MaxInt64)
	if !q.End.IsZero() {
		t1 = q.End.Unix()
	}
	if t1 < t0 {
		t0, t1 = t1, t0
	}

	if q.Address == "" {
		return m.queryGlobal(t0, t1, q.Stream, q.Limit)
	}
	return m.queryUnit(q.Address, t0, t1, q.Stream, q.Limit)
}

func (m *Memory) queryGlobal(t0, t1 int64, stream string, limit int) (Status, []Record) {
	var out []Record
	stop := errors.New("limit reached")
	err := jsonl.ScanLines(m.globalIndexPath(), func(line []byte) error {
		var e globalIndexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		if e.T < t0 || e.T > t1 {
			return nil
		}
		if stream != "" && e.Stream != stream {
			return nil
		}
		s, err := address.ParseStream(e.Stream)
		if err != nil || e.Address == "" {
			return nil
		}
		rec, err := m.readRecordAt(e.Address, s, e.Offset, e.Len)
		if err != nil {
			return nil
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			return stop
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		if errors.Is(err, os.ErrNotExist) {
			return NotFound, nil
		}
		return IOError, nil
	}
	return OK, out
}

func (m *Memory) queryUnit(unitAddr string, t0, t1 int64, stream string, limit int) (Status, []Record) {
	loc, err := address.Resolve(m.root, m.bookID, unitAddr)
	if err != nil {
		return InvalidAddress, nil
	}
	if loc.Stream != address.Events {
		return InvalidAddress, nil
	}
	s := address.Events
	if stream != "" {
		s, _ = address.ParseStream(stream)
	}
	loc = loc.WithStream(s)

	var out []Record
	stop := errors.New("limit reached")
	err = jsonl.ScanLines(loc.IndexPath(), func(line []byte) error {
		var e indexEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil
		}
		if e.T < t0 || e.T > t1 {
			return nil
		}
		rec, err := m.readRecordAt(loc.Unit, s, e.Offset, e.Len)
		if err != nil {
			return nil
		}
		out = append(out, *rec)
		if limit > 0 && len(out) >= limit {
			return stop
		}
		return nil
	})
	if err != nil && !errors.Is(err, stop) {
		if errors.Is(err, os.ErrNotExist) {
			return NotFound, nil
		}
		return IOError, nil
	}
	return OK, out
}

// RebuildUnitIndex regenerates one stream's index file from its data file,
// writing to a temp file and renaming over the old index. stream is
// "events", "summary", or "" for events.
func (m *Memory) RebuildUnitIndex(unitAddr, stream string) Status {
	loc, err := address.Resolve(m.root, m.bookID, unitAddr)
	if err != nil {
		return InvalidAddress
	}
	if loc.Stream != address.Events {
		return InvalidAddress
	}
	s := address.Events
	if stream != "" {
		if s, err = address.ParseStream(stream); err != nil {
			return InvalidParam
		}
	}
	loc = loc.WithStream(s)

	if _, err := os.Stat(loc.DataPath()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NotFound
		}
		return IOError
	}

	lk := m.locks.get(loc.DataPath())
	lk.Lock()
	defer lk.Unlock()

	if err := rewriteIndex(loc.DataPath(), loc.IndexPath()); err != nil {
		return IOError
	}
	return OK
}

// RebuildGlobalIndex regenerates the book's global index by walking every
// stream data file under the book directory. The id cache is dropped so the
// next lookup rehydrates from the fresh index.
func (m *Memory) RebuildGlobalIndex() Status {
	base := m.BookDir()
	if _, err := os.Stat(base); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NotFound
		}
		return IOError
	}
	tmp := m.globalIndexPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return IOError
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if name != "events.jsonl" && name != "summary.jsonl" {
			return nil
		}
		rel, err := filepath.Rel(base, filepath.Dir(p))
		if err != nil {
			return nil
		}
		unit := filepath.ToSlash(rel)
		if _, err := address.Normalize(unit); err != nil {
			return nil
		}
		stream := address.Events
		if name == "summary.jsonl" {
			stream = address.Summary
		}
		return scanIndexEntries(p, func(e indexEntry) error {
			g := globalIndexEntry{indexEntry: e, Address: unit, Stream: stream.String()}
			b, err := json.Marshal(&g)
			if err != nil {
				return nil
			}
			_, err = f.Write(append(b, '\n'))
			return err
		})
	})
	if err != nil {
		return IOError
	}
	if err := f.Close(); err != nil {
		return IOError
	}
	if err := os.Rename(tmp, m.globalIndexPath()); err != nil {
		return IOError
	}
	ok = true
	m.idx.reset()
	return OK
}

// scanIndexEntries derives an index entry per complete record of a data
// file. Undecodable lines are skipped, mirroring the read path.
func scanIndexEntries(dataPath string, fn func(indexEntry) error) error {
	return jsonl.ScanOffsets(dataPath, func(offset int64, length int, line []byte) error {
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		if rec.ID == "" {
			return nil
		}
		return fn(indexEntry{ID: rec.ID, T: rec.T, Offset: offset, Len: length})
	})
}

// rewriteIndex regenerates indexPath from dataPath via temp file + rename.
func rewriteIndex(dataPath, indexPath string) error {
	tmp := indexPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	err = scanIndexEntries(dataPath, func(e indexEntry) error {
		b, err := json.Marshal(&e)
		if err != nil {
			return nil
		}
		_, err = f.Write(append(b, '\n'))
		return err
	})
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, indexPath); err != nil {
		return err
	}
	ok = true
	return nil
}
