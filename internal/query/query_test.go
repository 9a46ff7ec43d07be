package query

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/screenager/hnsearch/internal/annindex"
	"github.com/screenager/hnsearch/internal/config"
	"github.com/screenager/hnsearch/internal/errs"
	"github.com/screenager/hnsearch/internal/mirror"
	"github.com/screenager/hnsearch/internal/record"
	"github.com/screenager/hnsearch/internal/vectorstore"
)

func ptr[T any](v T) *T { return &v }

// fakeEncoder maps known strings to fixed unit vectors so tests are
// deterministic without loading an ONNX model.
type fakeEncoder struct {
	vecs map[string][]float32
	dim  int
}

func (f *fakeEncoder) Embed(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vecs[t]
		if !ok {
			v = make([]float32, f.dim)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEncoder) EmbedQuery(q string) ([]float32, error) {
	vecs, err := f.Embed([]string{q})
	return vecs[0], err
}

func (f *fakeEncoder) Dim() int { return f.dim }

func setup(t *testing.T) (*Engine, *mirror.Store, *annindex.Manager) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Dim = 2
	cfg.ForceHNSW = true

	store, err := vectorstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := annindex.Open(dir, cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	m, err := mirror.Open(filepath.Join(dir, "mirror.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })

	enc := &fakeEncoder{dim: 2, vecs: map[string][]float32{
		"rust story":    {1, 0},
		"go comment":    {0, 1},
		"rust query":    {1, 0},
	}}

	if err := idx.AddIncremental([]uint32{1, 2}, [][]float32{{1, 0}, {0, 1}}); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	recs := []record.Record{
		{ID: 1, Kind: record.KindStory, Author: "a", Time: 1, Title: ptr("rust story")},
		{ID: 2, Kind: record.KindComment, Author: "b", Time: 2, Text: ptr("go comment")},
	}
	if err := m.BulkUpsert(ctx, recs); err != nil {
		t.Fatal(err)
	}

	return New(enc, idx, m), m, idx
}

func TestQueryReturnsTopMatch(t *testing.T) {
	e, _, _ := setup(t)
	results, err := e.Query(context.Background(), "rust query", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	if results[0].ID != 1 {
		t.Errorf("want id 1 as top match, got %d", results[0].ID)
	}
}

func TestQueryAppliesKindFilter(t *testing.T) {
	e, _, _ := setup(t)
	results, err := e.Query(context.Background(), "rust query", 5, record.KindComment)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.Kind != record.KindComment {
			t.Errorf("got kind %s, want only comments", r.Kind)
		}
	}
}

func TestQueryRejectsNonPositiveLimit(t *testing.T) {
	e, _, _ := setup(t)
	_, err := e.Query(context.Background(), "x", 0, "")
	if err == nil {
		t.Fatal("expected error for zero limit")
	}
	if !errors.Is(err, errs.ErrBadInput) {
		t.Errorf("want errs.ErrBadInput, got %v", err)
	}
}

func TestQueryRejectsEmptyText(t *testing.T) {
	e, _, _ := setup(t)
	_, err := e.Query(context.Background(), "   ", 5, "")
	if err == nil {
		t.Fatal("expected error for empty query text")
	}
	if !errors.Is(err, errs.ErrBadInput) {
		t.Errorf("want errs.ErrBadInput, got %v", err)
	}
}

func TestStatsReflectsMirrorAndIndexSizes(t *testing.T) {
	e, _, idx := setup(t)
	stats, err := e.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalRecords != 2 {
		t.Errorf("want 2 total records, got %d", stats.TotalRecords)
	}
	if stats.IncrementalVectors != idx.IncrementalSize() {
		t.Errorf("want stats to reflect index incremental size")
	}
}

func TestQueryOnEmptyIndexReturnsNoResults(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dim = 2
	cfg.ForceHNSW = true
	store, err := vectorstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := annindex.Open(dir, cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	m, err := mirror.Open(filepath.Join(dir, "mirror.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	e := New(&fakeEncoder{dim: 2}, idx, m)
	results, err := e.Query(context.Background(), "anything", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("want no results on empty index, got %d", len(results))
	}
}
