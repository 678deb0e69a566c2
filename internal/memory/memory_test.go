package memory

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTest(t *testing.T, opts ...Option) *Memory {
	t.Helper()
	m, err := Open(t.TempDir(), "calculus", opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func mustWrite(t *testing.T, m *Memory, addr, content string) {
	t.Helper()
	if st := m.Write(addr, content); st != OK {
		t.Fatalf("Write(%q) = %s, want OK", addr, st)
	}
}

func mustRead(t *testing.T, m *Memory, addr string) []Record {
	t.Helper()
	st, recs := m.Read(addr)
	if st != OK {
		t.Fatalf("Read(%q) = %s, want OK", addr, st)
	}
	return recs
}

// TestEndToEnd is the canonical tutoring-session scenario.
func TestEndToEnd(t *testing.T) {
	m := openTest(t)

	mustWrite(t, m, "ch1/sec2/unit3", "I don't understand chain rule")
	if st := m.Write("ch1/sec2/unit3/__summary__", "Unit covers chain rule for composite functions"); st != OK {
		t.Fatalf("summary write = %s, want OK", st)
	}

	recs := mustRead(t, m, "ch1/sec2/unit3")
	if len(recs) != 1 || recs[0].Content != "I don't understand chain rule" {
		t.Fatalf("unexpected base stream: %+v", recs)
	}
	sums := mustRead(t, m, "ch1/sec2/unit3/__summary__")
	if len(sums) != 1 || !strings.HasPrefix(sums[0].Content, "Unit covers chain rule") {
		t.Fatalf("unexpected summary stream: %+v", sums)
	}
}

func TestAppendOrder(t *testing.T) {
	m := openTest(t)
	want := []string{"c1", "c2", "c3", "c4", "c5"}
	for _, c := range want {
		mustWrite(t, m, "ch1/u1", c)
	}
	recs := mustRead(t, m, "ch1/u1")
	if len(recs) != len(want) {
		t.Fatalf("got %d records, want %d", len(recs), len(want))
	}
	for i, rec := range recs {
		if rec.Content != want[i] {
			t.Fatalf("record %d: got %q, want %q", i, rec.Content, want[i])
		}
	}
}

func TestRecordFields(t *testing.T) {
	m := openTest(t)
	before := time.Now().Add(-time.Second).Unix()
	mustWrite(t, m, "u", "hello")
	after := time.Now().Add(time.Second).Unix()

	rec := mustRead(t, m, "u")[0]
	if rec.ID == "" {
		t.Fatal("missing generated id")
	}
	if rec.T < before || rec.T > after {
		t.Fatalf("T=%d outside [%d, %d]", rec.T, before, after)
	}
	ts, err := time.Parse(time.RFC3339, rec.TS)
	if err != nil {
		t.Fatalf("TS %q is not RFC 3339: %v", rec.TS, err)
	}
	if ts.Unix() != rec.T {
		t.Fatalf("TS (%d) and T (%d) disagree", ts.Unix(), rec.T)
	}
	if !strings.HasSuffix(rec.TS, "Z") {
		t.Fatalf("TS %q is not UTC", rec.TS)
	}
	if rec.SourceIDs != nil {
		t.Fatalf("base record must not carry source ids: %v", rec.SourceIDs)
	}
}

func TestIDUnique(t *testing.T) {
	m := openTest(t)
	const n = 50
	for i := range n {
		mustWrite(t, m, "u", fmt.Sprintf("c%d", i))
	}
	seen := map[string]bool{}
	for _, rec := range mustRead(t, m, "u") {
		if seen[rec.ID] {
			t.Fatalf("duplicate id %q", rec.ID)
		}
		seen[rec.ID] = true
	}
	if len(seen) != n {
		t.Fatalf("got %d ids, want %d", len(seen), n)
	}
}

// TestIsolation checks that a unit's base and summary streams never leak
// into each other.
func TestIsolation(t *testing.T) {
	m := openTest(t)
	mustWrite(t, m, "ch1/u1", "base record")
	mustWrite(t, m, "ch1/u1/__summary__", "summary record")

	for _, rec := range mustRead(t, m, "ch1/u1") {
		if rec.Content == "summary record" {
			t.Fatal("summary record leaked into base stream")
		}
	}
	for _, rec := range mustRead(t, m, "ch1/u1/__summary__") {
		if rec.Content == "base record" {
			t.Fatal("base record leaked into summary stream")
		}
	}
}

func TestValidation(t *testing.T) {
	m := openTest(t)
	tests := []struct {
		addr string
		want Status
	}{
		{"", InvalidAddress},
		{"a//b", InvalidAddress},
		{"../etc", InvalidAddress},
		{"/abs", InvalidAddress},
		{"a/..", InvalidAddress},
		{"__summary__", InvalidAddress},
		{"a/__summary__/b", InvalidAddress},
		{"a b", InvalidAddress},
	}
	for _, tt := range tests {
		if st := m.Write(tt.addr, "x"); st != tt.want {
			t.Errorf("Write(%q) = %s, want %s", tt.addr, st, tt.want)
		}
		if st, _ := m.Read(tt.addr); st != tt.want {
			t.Errorf("Read(%q) = %s, want %s", tt.addr, st, tt.want)
		}
	}
	// Rejected writes must leave no trace on disk.
	if _, err := os.Stat(m.BookDir()); !os.IsNotExist(err) {
		t.Fatal("failed validation must not create the book directory")
	}
}

func TestInvalidContent(t *testing.T) {
	m := openTest(t)
	if st := m.Write("a/b", "\xff\xfe"); st != InvalidParam {
		t.Fatalf("non-text content = %s, want INVALID_PARAM", st)
	}
	if st := m.WriteSummary("a/b", "\xff", nil); st != InvalidParam {
		t.Fatalf("non-text summary = %s, want INVALID_PARAM", st)
	}
}

func TestReadNeverWritten(t *testing.T) {
	m := openTest(t)
	st, recs := m.Read("never/written")
	if st != NotFound {
		t.Fatalf("got %s, want NOT_FOUND", st)
	}
	if len(recs) != 0 {
		t.Fatalf("got %d records, want none", len(recs))
	}
}

func TestOpenRejectsBadBook(t *testing.T) {
	for _, id := range []string{"", "a/b", "..", "__summary__"} {
		if _, err := Open(t.TempDir(), id); err == nil {
			t.Errorf("Open with book id %q should fail", id)
		}
	}
	if _, err := Open("", "book"); err == nil {
		t.Error("Open with empty root should fail")
	}
}

// TestCrashTolerance truncates a stream mid-way through its last record; a
// read must still return every prior complete record with no error.
func TestCrashTolerance(t *testing.T) {
	m := openTest(t)
	for i := range 3 {
		mustWrite(t, m, "u", fmt.Sprintf("c%d", i))
	}
	path, err := m.StreamPath("u")
	if err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-3); err != nil {
		t.Fatal(err)
	}

	recs := mustRead(t, m, "u")
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Content != "c0" || recs[1].Content != "c1" {
		t.Fatalf("unexpected surviving records: %+v", recs)
	}

	// The next append must start a fresh, decodable record.
	mustWrite(t, m, "u", "after crash")
	recs = mustRead(t, m, "u")
	if len(recs) != 3 || recs[2].Content != "after crash" {
		t.Fatalf("append after crash residue: %+v", recs)
	}
}

// TestCorruptMiddle is different from crash residue: a complete line that no
// longer decodes is real corruption and must surface as IO_ERROR.
func TestCorruptMiddle(t *testing.T) {
	m := openTest(t)
	mustWrite(t, m, "u", "c0")
	mustWrite(t, m, "u", "c1")
	path, err := m.StreamPath("u")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := []byte("garbage\n")
	corrupted = append(corrupted, data...)
	if err := os.WriteFile(path, corrupted, 0o644); err != nil {
		t.Fatal(err)
	}
	if st, _ := m.Read("u"); st != IOError {
		t.Fatalf("got %s, want IO_ERROR", st)
	}
}

// TestConcurrentWrites runs N concurrent appends to one address; all must
// succeed and produce exactly N intact records.
func TestConcurrentWrites(t *testing.T) {
	m := openTest(t)
	const n = 64
	var wg sync.WaitGroup
	statuses := make([]Status, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = m.Write("ch/unit", fmt.Sprintf("writer %d", i))
		}()
	}
	wg.Wait()
	for i, st := range statuses {
		if st != OK {
			t.Fatalf("writer %d: got %s, want OK", i, st)
		}
	}
	recs := mustRead(t, m, "ch/unit")
	if len(recs) != n {
		t.Fatalf("got %d records, want %d", len(recs), n)
	}
	seen := map[string]bool{}
	for _, rec := range recs {
		if !strings.HasPrefix(rec.Content, "writer ") {
			t.Fatalf("corrupted record content %q", rec.Content)
		}
		if seen[rec.Content] {
			t.Fatalf("duplicate record %q", rec.Content)
		}
		seen[rec.Content] = true
	}
}

// TestConcurrentDistinctAddresses exercises the per-location locking path
// with writers spread over several streams.
func TestConcurrentDistinctAddresses(t *testing.T) {
	m := openTest(t)
	const units, per = 8, 8
	var wg sync.WaitGroup
	for u := range units {
		for i := range per {
			wg.Add(1)
			go func() {
				defer wg.Done()
				addr := fmt.Sprintf("ch/u%d", u)
				if st := m.Write(addr, fmt.Sprintf("r%d", i)); st != OK {
					t.Errorf("Write(%q) = %s", addr, st)
				}
			}()
		}
	}
	wg.Wait()
	for u := range units {
		recs := mustRead(t, m, fmt.Sprintf("ch/u%d", u))
		if len(recs) != per {
			t.Fatalf("unit %d: got %d records, want %d", u, len(recs), per)
		}
	}
}

// TestSharedState checks that two Memory instances over the same scope
// observe the same data: all state lives on disk.
func TestSharedState(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root, "book")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open(root, "book")
	if err != nil {
		t.Fatal(err)
	}
	mustWrite(t, a, "u", "from a")
	recs := mustRead(t, b, "u")
	if len(recs) != 1 || recs[0].Content != "from a" {
		t.Fatalf("instance b does not observe a's write: %+v", recs)
	}
}

// TestSharedStateInterleaved drives two instances over one (root, book)
// concurrently. The instances share no locks, so this proves the appends
// themselves keep interleaved records intact.
func TestSharedStateInterleaved(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root, "book")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Open(root, "book")
	if err != nil {
		t.Fatal(err)
	}
	const n = 200
	var wg sync.WaitGroup
	for _, m := range []*Memory{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range n {
				if st := m.Write("u", fmt.Sprintf("r%d", i)); st != OK {
					t.Errorf("Write = %s, want OK", st)
				}
			}
		}()
	}
	wg.Wait()

	recs := mustRead(t, a, "u")
	if len(recs) != 2*n {
		t.Fatalf("got %d records, want %d", len(recs), 2*n)
	}
	seen := make(map[string]bool, len(recs))
	for _, r := range recs {
		if seen[r.ID] {
			t.Fatalf("duplicate record id %s", r.ID)
		}
		seen[r.ID] = true
	}
}

func TestWriteSummary(t *testing.T) {
	m := openTest(t)
	mustWrite(t, m, "ch/u", "what is dx?")
	base := mustRead(t, m, "ch/u")

	if st := m.WriteSummary("ch/u", "covers differentials", []string{base[0].ID}); st != OK {
		t.Fatalf("WriteSummary = %s, want OK", st)
	}

	sums := mustRead(t, m, "ch/u/__summary__")
	if len(sums) != 1 {
		t.Fatalf("got %d summaries, want 1", len(sums))
	}
	if len(sums[0].SourceIDs) != 1 || sums[0].SourceIDs[0] != base[0].ID {
		t.Fatalf("unexpected source ids %v", sums[0].SourceIDs)
	}

	// Summary-suffixed address is not a unit.
	if st := m.WriteSummary("ch/u/__summary__", "x", nil); st != InvalidAddress {
		t.Fatalf("WriteSummary on summary address = %s, want INVALID_ADDRESS", st)
	}
}

func TestLatestSummary(t *testing.T) {
	m := openTest(t)
	if st, _ := m.LatestSummary("ch/u"); st != NotFound {
		t.Fatalf("got %s, want NOT_FOUND", st)
	}
	if st := m.WriteSummary("ch/u", "first", nil); st != OK {
		t.Fatal("first summary write failed")
	}
	if st := m.WriteSummary("ch/u", "second", nil); st != OK {
		t.Fatal("second summary write failed")
	}
	st, rec := m.LatestSummary("ch/u")
	if st != OK || rec == nil || rec.Content != "second" {
		t.Fatalf("got %s, %+v; want OK with the last summary", st, rec)
	}
}

func TestWithSync(t *testing.T) {
	m := openTest(t, WithSync())
	mustWrite(t, m, "u", "synced")
	if recs := mustRead(t, m, "u"); len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
}

func TestStatusString(t *testing.T) {
	tests := map[Status]string{
		OK:             "OK",
		NotFound:       "NOT_FOUND",
		IOError:        "IO_ERROR",
		InvalidAddress: "INVALID_ADDRESS",
		InvalidParam:   "INVALID_PARAM",
		Status(42):     "Status(42)",
	}
	for st, want := range tests {
		if got := st.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(st), got, want)
		}
	}
}

// The numeric codes are shared with the frontend and must never be
// renumbered.
func TestStatusCodes(t *testing.T) {
	if OK != 1 || NotFound != 0 || IOError != -1 || InvalidAddress != -2 || InvalidParam != -3 {
		t.Fatal("status codes changed")
	}
}
