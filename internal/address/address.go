// Package address validates hierarchical stream addresses and maps them to
// storage locations under a book directory.
//
// An address is a sequence of `/`-separated segments, each restricted to
// letters, digits, `_` and `-`. The reserved segment `__summary__` may appear
// only in final position and selects the summary stream of the unit named by
// the preceding segments. Resolution is pure: it never touches the
// filesystem, and distinct valid addresses always resolve to distinct
// locations.
package address

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// SummarySegment is the reserved terminal segment selecting a unit's summary
// stream.
const SummarySegment = "__summary__"

// Stream identifies which of a unit's two streams a location refers to.
type Stream int

const (
	// Events is the base stream of student utterances and session events.
	Events Stream = iota
	// Summary is the derived stream of generated summaries.
	Summary
)

// String returns the stream name as persisted in index entries.
func (s Stream) String() string {
	if s == Summary {
		return "summary"
	}
	return "events"
}

// ParseStream parses a persisted stream name.
func ParseStream(s string) (Stream, error) {
	switch s {
	case "events":
		return Events, nil
	case "summary":
		return Summary, nil
	}
	return Events, fmt.Errorf("unknown stream %q", s)
}

// ErrInvalid is returned for addresses that fail validation. Callers compare
// with errors.Is; the wrapped message carries the specific reason.
var ErrInvalid = errors.New("invalid address")

// Location is a resolved storage location for one stream of one unit within
// one book. It is a pure value: constructing it creates nothing on disk.
type Location struct {
	// Unit is the normalized unit address, without any summary suffix.
	Unit string
	// Stream selects the unit's events or summary stream.
	Stream Stream
	// Dir is the unit directory, root/bookID/<segments...>.
	Dir string
}

// DataPath returns the path of the stream's append-only data file.
func (l Location) DataPath() string {
	return filepath.Join(l.Dir, l.Stream.String()+".jsonl")
}

// IndexPath returns the path of the stream's index file. The index is a
// rebuildable cache of the data file, never the source of truth.
func (l Location) IndexPath() string {
	return filepath.Join(l.Dir, l.Stream.String()+".index.jsonl")
}

// WithStream returns a copy of the location pointing at the given stream of
// the same unit.
func (l Location) WithStream(s Stream) Location {
	l.Stream = s
	return l
}

// Normalize validates the address grammar and returns the canonical segment
// list. Leading or trailing slashes are rejected, not stripped: they produce
// an empty segment, which rules out absolute-path forms. The reserved summary
// segment is accepted only in final position, and only when at least one unit
// segment precedes it.
func Normalize(addr string) ([]string, error) {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	segs := strings.Split(trimmed, "/")
	for i, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrInvalid)
		}
		if seg == "." || seg == ".." {
			return nil, fmt.Errorf("%w: relative segment %q", ErrInvalid, seg)
		}
		if seg == SummarySegment {
			if i != len(segs)-1 {
				return nil, fmt.Errorf("%w: %s must be the final segment", ErrInvalid, SummarySegment)
			}
			if i == 0 {
				return nil, fmt.Errorf("%w: %s requires a unit address", ErrInvalid, SummarySegment)
			}
			continue
		}
		if !validSegment(seg) {
			return nil, fmt.Errorf("%w: bad segment %q", ErrInvalid, seg)
		}
	}
	return segs, nil
}

// validSegment reports whether seg consists only of letters, digits, `_` and
// `-`. The charset deliberately excludes `.`, path separators and NUL, so a
// segment can never name a data or index file, escape the book directory, or
// smuggle OS path syntax.
func validSegment(seg string) bool {
	for i := range len(seg) {
		c := seg[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

// Resolve validates addr and maps it to a Location scoped to (root, bookID).
// Same inputs always produce the same location, and two distinct valid
// addresses never share one: the unit directory mirrors the address segments
// and the summary variant differs only in the file name inside that
// directory, which no segment can collide with.
func Resolve(root, bookID, addr string) (Location, error) {
	segs, err := Normalize(addr)
	if err != nil {
		return Location{}, err
	}
	stream := Events
	if segs[len(segs)-1] == SummarySegment {
		stream = Summary
		segs = segs[:len(segs)-1]
	}
	return Location{
		Unit:   strings.Join(segs, "/"),
		Stream: stream,
		Dir:    filepath.Join(append([]string{root, bookID}, segs...)...),
	}, nil
}

// ValidBookID reports whether id is usable as a book identifier. A book id is
// a single address segment; the reserved summary segment is not a valid book.
func ValidBookID(id string) bool {
	return id != "" && id != SummarySegment && validSegment(id)
}
