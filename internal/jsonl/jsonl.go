// Package jsonl provides crash-tolerant append and scan primitives for
// line-delimited JSON files.
//
// Each record occupies exactly one line and is written with a single write
// call, so a reader can always resynchronize after an interrupted append: the
// encoded bytes contain no raw newlines, which makes "has no trailing
// newline" a reliable test for an incomplete final record. The package keeps
// no state between calls; every scan re-derives its result from disk.
package jsonl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrCorrupt is returned when a complete (newline-terminated) line fails to
// decode. A missing trailing newline on the last line is not corruption; it
// is residue of an interrupted append and is skipped silently.
var ErrCorrupt = errors.New("corrupt record")

// AppendLine appends one encoded record to the file at path, creating the
// file and its parent directory as needed. data must not contain a newline.
// Residue of an interrupted earlier append (an unterminated final line) is
// dropped first so the new record always starts a fresh line. The record and
// its terminating newline are written with a single write call. Returns the
// byte offset the record was written at and its total length including the
// newline.
func AppendLine(path string, data []byte, sync bool) (offset int64, length int, err error) {
	if bytes.IndexByte(data, '\n') >= 0 {
		return 0, 0, fmt.Errorf("record contains newline")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, 0, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s for append: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	offset, err = f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to seek %s: %w", path, err)
	}
	// If the file ends in an interrupted record (no trailing newline), drop
	// the residue before appending so the new record does not fuse with it.
	// The interrupted record was never complete, so removing it keeps the
	// all-or-nothing append contract.
	if offset > 0 {
		var last [1]byte
		if _, err := f.ReadAt(last[:], offset-1); err != nil {
			return 0, 0, fmt.Errorf("failed to read tail of %s: %w", path, err)
		}
		if last[0] != '\n' {
			end, err := lastNewline(f, offset)
			if err != nil {
				return 0, 0, fmt.Errorf("failed to scan tail of %s: %w", path, err)
			}
			if err := f.Truncate(end); err != nil {
				return 0, 0, fmt.Errorf("failed to drop partial record in %s: %w", path, err)
			}
			offset = end
		}
	}
	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return 0, 0, fmt.Errorf("failed to write record: %w", err)
	}
	if sync {
		if err := f.Sync(); err != nil {
			return 0, 0, fmt.Errorf("failed to sync %s: %w", path, err)
		}
	}
	return offset, len(line), nil
}

// lastNewline returns the end of the last newline-terminated prefix of f,
// scanning backwards from size. Returns 0 when no newline exists.
func lastNewline(f *os.File, size int64) (int64, error) {
	buf := make([]byte, 4096)
	for pos := size; pos > 0; {
		n := int64(len(buf))
		if n > pos {
			n = pos
		}
		pos -= n
		if _, err := f.ReadAt(buf[:n], pos); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return pos + int64(i) + 1, nil
		}
	}
	return 0, nil
}

// ScanLines calls fn for every complete line of the file at path, in file
// order. Blank lines are skipped. A final line without a terminating newline
// is treated as an interrupted append and skipped without error. Returns
// os.ErrNotExist (wrapped) when the file does not exist.
func ScanLines(path string, fn func(line []byte) error) error {
	return ScanOffsets(path, func(_ int64, _ int, line []byte) error {
		return fn(line)
	})
}

// ScanOffsets is ScanLines with each line's byte offset and raw length
// (newline included) passed along, as recorded in index entries.
func ScanOffsets(path string, fn func(offset int64, length int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	r := bufio.NewReader(f)
	var offset int64
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Anything left over lacks its newline: crash residue.
				return nil
			}
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		length := len(raw)
		line := bytes.TrimSuffix(raw, []byte("\n"))
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) > 0 {
			if err := fn(offset, length, line); err != nil {
				return err
			}
		}
		offset += int64(length)
	}
}

// ReadRange reads length bytes at offset from the file at path and returns
// them with the trailing newline stripped. Used for index-served random
// access into a stream file.
func ReadRange(path string, offset int64, length int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("failed to read %s at %d: %w", path, offset, err)
	}
	buf = bytes.TrimSuffix(buf, []byte("\n"))
	return buf, nil
}
