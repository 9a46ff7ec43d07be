package mirror

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/screenager/hnsearch/internal/record"
)

func ptr[T any](v T) *T { return &v }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mirror.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertThenGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := record.Record{ID: 1, Kind: record.KindStory, Author: "pg", Time: 100, Title: ptr("hello"), Score: ptr(uint32(5))}
	if err := s.Upsert(ctx, r); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected record to be found")
	}
	if got.Author != "pg" || *got.Title != "hello" || *got.Score != 5 {
		t.Errorf("got %+v", got)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), 999)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected record not found")
	}
}

func TestUpsertIsFirstWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := record.Record{ID: 1, Kind: record.KindStory, Author: "alice", Time: 100, Title: ptr("first")}
	second := record.Record{ID: 1, Kind: record.KindStory, Author: "bob", Time: 200, Title: ptr("second")}

	if err := s.Upsert(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, ok, err := s.Get(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected record")
	}
	if got.Author != "alice" || *got.Title != "first" {
		t.Errorf("expected first write to win, got %+v", got)
	}
}

func TestHydrateFiltersByKindAndPreservesUnknownIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	recs := []record.Record{
		{ID: 1, Kind: record.KindStory, Author: "a", Time: 1, Title: ptr("story one")},
		{ID: 2, Kind: record.KindComment, Author: "b", Time: 2, Text: ptr("a comment")},
		{ID: 3, Kind: record.KindStory, Author: "c", Time: 3, Title: ptr("story two")},
	}
	if err := s.BulkUpsert(ctx, recs); err != nil {
		t.Fatal(err)
	}

	all, err := s.Hydrate(ctx, []uint32{1, 2, 3, 4}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("want 3 hydrated records (id 4 absent), got %d", len(all))
	}

	stories, err := s.Hydrate(ctx, []uint32{1, 2, 3}, record.KindStory)
	if err != nil {
		t.Fatal(err)
	}
	if len(stories) != 2 {
		t.Fatalf("want 2 stories, got %d", len(stories))
	}
	if _, ok := stories[2]; ok {
		t.Error("comment id 2 should be excluded by kind filter")
	}
}

func TestHydrateEmptyIDsReturnsEmptyMap(t *testing.T) {
	s := openTestStore(t)
	out, err := s.Hydrate(context.Background(), nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("want empty map, got %d entries", len(out))
	}
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	recs := []record.Record{
		{ID: 1, Kind: record.KindStory, Author: "a", Time: 1},
		{ID: 2, Kind: record.KindComment, Author: "b", Time: 2},
	}
	if err := s.BulkUpsert(ctx, recs); err != nil {
		t.Fatal(err)
	}
	n, err := s.Count(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("want 2, got %d", n)
	}
	n, err = s.Count(ctx, record.KindStory)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("want 1 story, got %d", n)
	}
}
