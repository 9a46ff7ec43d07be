package annindex

import (
	"fmt"

	"github.com/screenager/hnsearch/internal/hnsw"
)

// hnswBackend adapts the hand-rolled HNSW graph to the Backend
// interface as a CGo-less fallback for environments that cannot link
// FAISS. It never requires training; item ids are carried natively by
// the graph, so no side table is needed here.
type hnswBackend struct {
	graph *hnsw.Graph
}

func newHNSWBackend() *hnswBackend {
	return &hnswBackend{graph: hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch)}
}

func (b *hnswBackend) Trained() bool { return true }

func (b *hnswBackend) Train([][]float32) error { return nil }

func (b *hnswBackend) Add(ids []uint32, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("annindex: hnsw add: %d ids vs %d vecs", len(ids), len(vecs))
	}
	for i, v := range vecs {
		b.graph.Insert(ids[i], v)
	}
	return nil
}

func (b *hnswBackend) Search(query []float32, k int) ([]Result, error) {
	if b.graph.Len() == 0 {
		return nil, nil
	}
	hits := b.graph.Search(query, k)
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{ID: h.ID, Score: h.Score}
	}
	return out, nil
}

func (b *hnswBackend) Ntotal() int { return b.graph.Len() }

func (b *hnswBackend) Save(path string) error {
	if err := b.graph.Save(path); err != nil {
		return fmt.Errorf("annindex: hnsw save %s: %w", path, err)
	}
	return nil
}

func (b *hnswBackend) Load(path string) error {
	g, err := hnsw.Load(path)
	if err != nil {
		return fmt.Errorf("annindex: hnsw load %s: %w", path, err)
	}
	b.graph = g
	return nil
}
