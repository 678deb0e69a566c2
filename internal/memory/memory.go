package memory

import (
	"fmt"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/JinBoatus1/AI-tutor/internal/address"
	"github.com/maruel/ksid"
)

// Status is the outcome of a memory operation. The numeric values are part
// of the persisted-API contract shared with the tutoring frontend and must
// not be renumbered.
type Status int

const (
	// OK means the operation succeeded.
	OK Status = 1
	// NotFound means the addressed stream or record has never been written.
	NotFound Status = 0
	// IOError means the underlying storage failed or is corrupt.
	IOError Status = -1
	// InvalidAddress means the address failed validation.
	InvalidAddress Status = -2
	// InvalidParam means a non-address argument was rejected.
	InvalidParam Status = -3
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case IOError:
		return "IO_ERROR"
	case InvalidAddress:
		return "INVALID_ADDRESS"
	case InvalidParam:
		return "INVALID_PARAM"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Record is one immutable logged event in a stream. ID, TS and T are
// generated at append time and never supplied by callers. TS and T describe
// the same instant: TS is ISO-8601 UTC for humans, T is epoch seconds so a
// caller can range-filter without parsing TS. SourceIDs is set only on
// summary records, pointing at the base-stream records the summary derives
// from.
type Record struct {
	ID        string   `json:"id"`
	TS        string   `json:"ts"`
	T         int64    `json:"t"`
	Content   string   `json:"content"`
	SourceIDs []string `json:"source_ids,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.SourceIDs = append([]string(nil), r.SourceIDs...)
	return &c
}

// newRecord assembles a record for the current instant.
func newRecord(content string, sourceIDs []string) Record {
	now := time.Now().UTC()
	return Record{
		ID:        ksid.NewID().String(),
		TS:        now.Format(time.RFC3339),
		T:         now.Unix(),
		Content:   content,
		SourceIDs: append([]string(nil), sourceIDs...),
	}
}

// Memory is a per-book memory log bound to one (root, bookID) pair. It holds
// no stream state in memory: every Read re-derives its result from disk, so
// multiple Memory instances over the same scope observe the same data.
type Memory struct {
	root   string
	bookID string
	sync   bool

	locks locationLocks
	idx   idCache
}

// Option configures a Memory at Open time.
type Option func(*Memory)

// WithSync makes every append fsync before reporting success. Without it,
// durability is whatever the OS page cache provides, matching the reference
// store's default.
func WithSync() Option {
	return func(m *Memory) { m.sync = true }
}

// Open binds a memory log to (root, bookID). It performs no I/O: the book
// subtree is created lazily on first successful write. The returned error is
// non-nil only when bookID itself is unusable, since no later call could
// succeed.
func Open(root, bookID string, opts ...Option) (*Memory, error) {
	if root == "" {
		return nil, fmt.Errorf("root must not be empty")
	}
	if !address.ValidBookID(bookID) {
		return nil, fmt.Errorf("invalid book id %q", bookID)
	}
	m := &Memory{root: root, bookID: bookID}
	m.locks.init()
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Root returns the storage root the memory is bound to.
func (m *Memory) Root() string { return m.root }

// BookID returns the book identifier the memory is bound to.
func (m *Memory) BookID() string { return m.bookID }

// BookDir returns the directory holding all of the book's streams.
func (m *Memory) BookDir() string {
	return filepath.Join(m.root, m.bookID)
}

// StreamPath returns the data file path the address resolves to, without
// touching storage. Used by the tailer to know what to watch.
func (m *Memory) StreamPath(addr string) (string, error) {
	loc, err := address.Resolve(m.root, m.bookID, addr)
	if err != nil {
		return "", err
	}
	return loc.DataPath(), nil
}

// Write appends content as a new record at the end of the stream the address
// resolves to. The stream (and the book subtree) is created on first write.
// Validation failures report InvalidAddress or InvalidParam with zero side
// effects; storage failures report IOError with no partially visible record.
func (m *Memory) Write(addr, content string) Status {
	if !utf8.ValidString(content) {
		return InvalidParam
	}
	loc, err := address.Resolve(m.root, m.bookID, addr)
	if err != nil {
		return InvalidAddress
	}
	return m.append(loc, newRecord(content, nil))
}

// Read returns every record of the addressed stream in append order. A
// stream that has never been written reports NotFound with an empty list,
// matching the reference store. Crash residue (a trailing half-written
// record) is skipped silently; any other undecodable data reports IOError.
func (m *Memory) Read(addr string) (Status, []Record) {
	loc, err := address.Resolve(m.root, m.bookID, addr)
	if err != nil {
		return InvalidAddress, nil
	}
	return m.readStream(loc)
}

// WriteSummary appends a summary record to the summary stream of the given
// unit. sourceIDs optionally names the base-stream records the summary was
// derived from. The unit address must not itself carry the summary suffix.
func (m *Memory) WriteSummary(unitAddr, text string, sourceIDs []string) Status {
	if !utf8.ValidString(text) {
		return InvalidParam
	}
	loc, err := address.Resolve(m.root, m.bookID, unitAddr)
	if err != nil {
		return InvalidAddress
	}
	if loc.Stream != address.Events {
		return InvalidAddress
	}
	return m.append(loc.WithStream(address.Summary), newRecord(text, sourceIDs))
}

// LatestSummary returns the most recent summary record of the given unit, or
// NotFound when the unit has no summaries.
func (m *Memory) LatestSummary(unitAddr string) (Status, *Record) {
	loc, err := address.Resolve(m.root, m.bookID, unitAddr)
	if err != nil {
		return InvalidAddress, nil
	}
	if loc.Stream != address.Events {
		return InvalidAddress, nil
	}
	st, recs := m.readStream(loc.WithStream(address.Summary))
	if st != OK {
		return st, nil
	}
	if len(recs) == 0 {
		return NotFound, nil
	}
	return OK, recs[len(recs)-1].Clone()
}
