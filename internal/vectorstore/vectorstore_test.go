package vectorstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingIsEmptyNotError(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ids, vecs, err := s.Load(Main)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 || len(vecs) != 0 {
		t.Errorf("want empty store, got %d ids, %d vecs", len(ids), len(vecs))
	}
}

func TestAppendThenLoadRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ids := []uint32{1, 2, 3}
	vecs := [][]float32{{1, 0}, {0, 1}, {0.6, 0.8}}
	if err := s.Append(Incremental, ids, vecs); err != nil {
		t.Fatal(err)
	}

	gotIDs, gotVecs, err := s.Load(Incremental)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotIDs) != 3 {
		t.Fatalf("want 3 ids, got %d", len(gotIDs))
	}
	for i := range ids {
		if gotIDs[i] != ids[i] {
			t.Errorf("id %d: got %d want %d", i, gotIDs[i], ids[i])
		}
		for j := range vecs[i] {
			if gotVecs[i][j] != vecs[i][j] {
				t.Errorf("vec %d[%d]: got %v want %v", i, j, gotVecs[i][j], vecs[i][j])
			}
		}
	}

	// Main tier must remain untouched by an Incremental append.
	mainIDs, _, err := s.Load(Main)
	if err != nil {
		t.Fatal(err)
	}
	if len(mainIDs) != 0 {
		t.Errorf("want main tier untouched, got %d ids", len(mainIDs))
	}
}

func TestAppendAccumulates(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(Main, []uint32{1}, [][]float32{{1, 2}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(Main, []uint32{2}, [][]float32{{3, 4}}); err != nil {
		t.Fatal(err)
	}
	ids, vecs, err := s.Load(Main)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || len(vecs) != 2 {
		t.Fatalf("want 2 entries after two appends, got %d ids, %d vecs", len(ids), len(vecs))
	}
}

func TestClearRemovesTierFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(Incremental, []uint32{1}, [][]float32{{1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(Incremental); err != nil {
		t.Fatal(err)
	}
	ids, vecs, err := s.Load(Incremental)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 || len(vecs) != 0 {
		t.Errorf("want empty tier after Clear, got %d ids, %d vecs", len(ids), len(vecs))
	}
	// Clear on an already-empty tier must not error.
	if err := s.Clear(Incremental); err != nil {
		t.Errorf("Clear on empty tier should be a no-op, got %v", err)
	}
}

func TestLengthMismatchIsTreatedAsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Append(Main, []uint32{1, 2}, [][]float32{{1}, {2}}); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash between the ids-rename and the vecs-rename: leave
	// the vecs file one entry behind the ids file.
	if err := writeVecsAtomic(filepath.Join(dir, Main.vecsFile()), [][]float32{{1}}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.Load(Main); err == nil {
		t.Error("want length mismatch to surface as an error, got nil")
	}
}

func TestMissingVecsWithPresentIDsIsCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := writeIDsAtomic(filepath.Join(dir, Main.idsFile()), []uint32{1}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Load(Main); err == nil {
		t.Error("want missing vecs file with present ids file to be an error")
	}
}

func TestOpenCreatesDir(t *testing.T) {
	base := t.TempDir()
	nested := filepath.Join(base, "a", "b")
	if _, err := Open(nested); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(nested); err != nil {
		t.Errorf("want directory created, got %v", err)
	}
}
