package corpus

import (
	"path/filepath"
	"testing"

	"github.com/screenager/hnsearch/internal/record"
)

func ptr[T any](v T) *T { return &v }

func sampleRecords(ids ...uint32) []record.Record {
	recs := make([]record.Record, len(ids))
	for i, id := range ids {
		recs[i] = record.Record{
			ID: id, Kind: record.KindStory, Author: "alice", Time: 1000 + id,
			Title: ptr("title"), Score: ptr(uint32(1)),
		}
	}
	return recs
}

func TestWriteAndReadIncremental(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	w, err := s.NewIncrementalWriter(1)
	if err != nil {
		t.Fatal(err)
	}
	want := sampleRecords(1, 2, 3)
	if err := w.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingIncrementals()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("want 1 pending incremental, got %d", len(pending))
	}

	got, err := ReadAll(pending[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("want %d rows, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Author != want[i].Author {
			t.Errorf("row %d mismatch: got %+v want %+v", i, got[i], want[i])
		}
	}
}

func TestPendingIncrementalsOrdering(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, stamp := range []int64{300, 100, 200} {
		w, err := s.NewIncrementalWriter(stamp)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.Write(sampleRecords(uint32(stamp))); err != nil {
			t.Fatal(err)
		}
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}
	}
	pending, err := s.PendingIncrementals()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("want 3 pending, got %d", len(pending))
	}
	for i := 0; i < len(pending)-1; i++ {
		if filepath.Base(pending[i]) > filepath.Base(pending[i+1]) {
			t.Errorf("pending incrementals not sorted: %v", pending)
		}
	}
}

func TestMergeFoldsIncrementalsIntoMain(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	w1, err := s.NewIncrementalWriter(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := w1.Write(sampleRecords(1, 2)); err != nil {
		t.Fatal(err)
	}
	if err := w1.Close(); err != nil {
		t.Fatal(err)
	}

	w2, err := s.NewIncrementalWriter(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := w2.Write(sampleRecords(3)); err != nil {
		t.Fatal(err)
	}
	if err := w2.Close(); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingIncrementals()
	if err != nil {
		t.Fatal(err)
	}
	result, err := s.Merge(pending)
	if err != nil {
		t.Fatal(err)
	}
	if result.RowsWritten != 3 {
		t.Errorf("want 3 rows written, got %d", result.RowsWritten)
	}
	if len(result.FilesArchived) != 2 {
		t.Errorf("want 2 files archived, got %d", len(result.FilesArchived))
	}

	stillPending, err := s.PendingIncrementals()
	if err != nil {
		t.Fatal(err)
	}
	if len(stillPending) != 0 {
		t.Errorf("want 0 pending incrementals after merge, got %d", len(stillPending))
	}

	main, err := ReadAll(s.MainPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(main) != 3 {
		t.Fatalf("want 3 rows in main, got %d", len(main))
	}

	// A second merge with no pending incrementals should be a no-op that
	// preserves existing main rows, not truncate them.
	result2, err := s.Merge(nil)
	if err != nil {
		t.Fatal(err)
	}
	if result2.RowsWritten != 3 {
		t.Errorf("want merge-of-nothing to preserve 3 existing rows, got %d", result2.RowsWritten)
	}
}

func TestRowGroupReaderStreamsAllRows(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	w, err := s.NewIncrementalWriter(1)
	if err != nil {
		t.Fatal(err)
	}
	want := sampleRecords(1, 2, 3, 4, 5)
	if err := w.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingIncrementals()
	if err != nil {
		t.Fatal(err)
	}
	rr, err := OpenRows(pending[0])
	if err != nil {
		t.Fatal(err)
	}
	defer rr.Close()

	var got []record.Record
	for i := 0; i < rr.NumRowGroups(); i++ {
		rows, err := rr.ReadRowGroup(i)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, rows...)
	}
	if len(got) != len(want) {
		t.Fatalf("want %d rows across row groups, got %d", len(want), len(got))
	}
}
