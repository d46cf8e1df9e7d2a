package logfile

import (
	"path/filepath"
	"testing"
)

func TestAppendAndReadAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.jsonl")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	pos1, n1, err := f.Append([]byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if pos1 != 0 {
		t.Errorf("expected first append at position 0, got %d", pos1)
	}

	pos2, _, err := f.Append([]byte(`{"a":2}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if pos2 != int64(n1)+1 {
		t.Errorf("expected second append position to follow the first record plus its newline, got %d want %d", pos2, int64(n1)+1)
	}

	got, err := f.ReadAt(pos1, n1)
	if err != nil {
		t.Fatalf("readAt: %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("expected %q, got %q", `{"a":1}`, got)
	}
}

func TestReadFromReturnsEverythingAfterPos(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.jsonl")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	pos1, n1, _ := f.Append([]byte("first"))
	f.Append([]byte("second"))

	tail, err := f.ReadFrom(pos1 + int64(n1) + 1)
	if err != nil {
		t.Fatalf("readFrom: %v", err)
	}
	if string(tail) != "second\n" {
		t.Errorf("expected tail %q, got %q", "second\n", tail)
	}
}

func TestReadFromPastEndReturnsNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.jsonl")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	f.Append([]byte("only"))
	tail, err := f.ReadFrom(f.Size())
	if err != nil {
		t.Fatalf("readFrom: %v", err)
	}
	if tail != nil {
		t.Errorf("expected nil past the end of file, got %q", tail)
	}
}

func TestOpenResumesExistingSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.jsonl")
	f1, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f1.Append([]byte("persisted"))
	f1.Close()

	f2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	if f2.Size() == 0 {
		t.Errorf("expected reopened file to resume at the prior size, got 0")
	}
}

func TestScanYieldsEachRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segment.jsonl")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.Append([]byte("one"))
	f.Append([]byte("two"))
	f.Close()

	var records []string
	err = Scan(path, func(pos int64, data []byte) error {
		records = append(records, string(data))
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(records) != 2 || records[0] != "one" || records[1] != "two" {
		t.Errorf("expected [one two], got %v", records)
	}
}

func TestScanMissingFileIsNotAnError(t *testing.T) {
	err := Scan(filepath.Join(t.TempDir(), "missing.jsonl"), func(pos int64, data []byte) error {
		t.Fatalf("expected no records from a missing file")
		return nil
	})
	if err != nil {
		t.Errorf("expected Scan on a missing file to return nil, got %v", err)
	}
}
