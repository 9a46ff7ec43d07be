package annindex

import (
	"math"
	"testing"

	"github.com/screenager/hnsearch/internal/config"
	"github.com/screenager/hnsearch/internal/vectorstore"
)

// These tests force the CGo-less HNSW backend so they exercise
// Manager's tier logic deterministically without depending on a FAISS
// shared library being present in the test environment.

func unit(vals ...float32) []float32 {
	var norm float64
	for _, v := range vals {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func testConfig(dim int) config.Config {
	cfg := config.Default()
	cfg.Dim = dim
	cfg.ForceHNSW = true
	return cfg
}

func TestAddIncrementalThenSearchFindsIt(t *testing.T) {
	dir := t.TempDir()
	store, err := vectorstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := Open(dir, testConfig(3), store)
	if err != nil {
		t.Fatal(err)
	}

	vecs := [][]float32{unit(1, 0, 0), unit(0, 1, 0), unit(0, 0, 1)}
	ids := []uint32{10, 20, 30}
	if err := mgr.AddIncremental(ids, vecs); err != nil {
		t.Fatal(err)
	}

	results, err := mgr.Search(unit(1, 0, 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 10 {
		t.Fatalf("want id 10 as the top match, got %+v", results)
	}
}

func TestIncrementalSizeTracksAdds(t *testing.T) {
	dir := t.TempDir()
	store, err := vectorstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := Open(dir, testConfig(2), store)
	if err != nil {
		t.Fatal(err)
	}
	if mgr.IncrementalSize() != 0 {
		t.Fatalf("want 0 initially, got %d", mgr.IncrementalSize())
	}
	if err := mgr.AddIncremental([]uint32{1, 2}, [][]float32{unit(1, 0), unit(0, 1)}); err != nil {
		t.Fatal(err)
	}
	if mgr.IncrementalSize() != 2 {
		t.Fatalf("want 2 after adding 2, got %d", mgr.IncrementalSize())
	}
}

func TestRebuildMovesIncrementalIntoMainAndClearsIncremental(t *testing.T) {
	dir := t.TempDir()
	store, err := vectorstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := Open(dir, testConfig(2), store)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.AddIncremental([]uint32{1, 2, 3}, [][]float32{unit(1, 0), unit(0, 1), unit(1, 1)}); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Rebuild(); err != nil {
		t.Fatal(err)
	}

	if mgr.IncrementalSize() != 0 {
		t.Errorf("want incremental tier empty after rebuild, got %d", mgr.IncrementalSize())
	}
	if mgr.MainSize() != 3 {
		t.Errorf("want main tier to hold 3 vectors after rebuild, got %d", mgr.MainSize())
	}

	// The vectors must still be findable post-rebuild (self-retrieval).
	results, err := mgr.Search(unit(1, 0), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != 1 {
		t.Fatalf("want id 1 as top match after rebuild, got %+v", results)
	}
}

func TestSearchMergesBothTiersWithoutDuplicates(t *testing.T) {
	dir := t.TempDir()
	store, err := vectorstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := Open(dir, testConfig(2), store)
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.AddIncremental([]uint32{1}, [][]float32{unit(1, 0)}); err != nil {
		t.Fatal(err)
	}
	if err := mgr.Rebuild(); err != nil {
		t.Fatal(err)
	}
	if err := mgr.AddIncremental([]uint32{2}, [][]float32{unit(0, 1)}); err != nil {
		t.Fatal(err)
	}

	results, err := mgr.Search(unit(1, 1), 10)
	if err != nil {
		t.Fatal(err)
	}
	seen := map[uint32]bool{}
	for _, r := range results {
		if seen[r.ID] {
			t.Fatalf("duplicate id %d in merged results: %+v", r.ID, results)
		}
		seen[r.ID] = true
	}
	if len(results) != 2 {
		t.Fatalf("want 2 merged results (one per tier), got %d", len(results))
	}
}

func TestOpenReconstructsFromExistingVectorstore(t *testing.T) {
	dir := t.TempDir()
	store, err := vectorstore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append(vectorstore.Incremental, []uint32{5}, [][]float32{unit(1, 0)}); err != nil {
		t.Fatal(err)
	}

	mgr, err := Open(dir, testConfig(2), store)
	if err != nil {
		t.Fatal(err)
	}
	if mgr.IncrementalSize() != 1 {
		t.Fatalf("want manager to pick up pre-existing vectorstore contents, got %d", mgr.IncrementalSize())
	}
}
