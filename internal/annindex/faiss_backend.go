package annindex

import (
	"fmt"

	faiss "github.com/blevesearch/go-faiss"
)

// faissBackend wraps a FAISS index built from an IndexFactory
// description string, with an IndexIDMap layered on top so external
// (Hacker News item) ids survive the round trip through FAISS's dense
// internal label space.
type faissBackend struct {
	dim       int
	desc      string
	nprobe    int
	trained   bool
	index     faiss.Index
	idmap     *faiss.IndexIDMap
	isFlat    bool
}

// newFAISSIVFPQ builds the main tier's trained index: an inverted file
// with product quantization, per spec.md §3's nlist/m formula.
func newFAISSIVFPQ(dim, nlist, m, nprobe int) (*faissBackend, error) {
	desc := fmt.Sprintf("IVF%d,PQ%dx8", nlist, m)
	idx, err := faiss.IndexFactory(dim, desc, faiss.MetricInnerProduct)
	if err != nil {
		return nil, fmt.Errorf("annindex: faiss factory %q: %w", desc, err)
	}
	idmap, err := faiss.NewIndexIDMap(idx)
	if err != nil {
		return nil, fmt.Errorf("annindex: faiss id map: %w", err)
	}
	return &faissBackend{dim: dim, desc: desc, nprobe: nprobe, index: idx, idmap: idmap}, nil
}

// newFAISSFlat builds an untrained-by-definition exact index, used for
// the incremental tier and as the main tier's fallback when there are
// too few vectors to train an IVF quantizer (spec.md §4.5 edge case).
func newFAISSFlat(dim int) (*faissBackend, error) {
	idx, err := faiss.IndexFactory(dim, "Flat", faiss.MetricInnerProduct)
	if err != nil {
		return nil, fmt.Errorf("annindex: faiss factory Flat: %w", err)
	}
	idmap, err := faiss.NewIndexIDMap(idx)
	if err != nil {
		return nil, fmt.Errorf("annindex: faiss id map: %w", err)
	}
	return &faissBackend{dim: dim, desc: "Flat", trained: true, isFlat: true, index: idx, idmap: idmap}, nil
}

func (b *faissBackend) Trained() bool { return b.trained }

func (b *faissBackend) Train(vecs [][]float32) error {
	if b.isFlat {
		return nil
	}
	flat := flatten(vecs, b.dim)
	if err := b.index.Train(flat); err != nil {
		return fmt.Errorf("annindex: faiss train (%s, n=%d): %w", b.desc, len(vecs), err)
	}
	b.trained = true
	if err := setNProbe(b.index, b.nprobe); err != nil {
		return fmt.Errorf("annindex: faiss set nprobe: %w", err)
	}
	return nil
}

func (b *faissBackend) Add(ids []uint32, vecs [][]float32) error {
	if !b.trained {
		return errNotTrained
	}
	if len(ids) != len(vecs) {
		return fmt.Errorf("annindex: add: %d ids vs %d vecs", len(ids), len(vecs))
	}
	if len(ids) == 0 {
		return nil
	}
	flat := flatten(vecs, b.dim)
	labels := make([]int64, len(ids))
	for i, id := range ids {
		labels[i] = int64(id)
	}
	if err := b.idmap.AddWithIDs(flat, labels); err != nil {
		return fmt.Errorf("annindex: faiss add: %w", err)
	}
	return nil
}

func (b *faissBackend) Search(query []float32, k int) ([]Result, error) {
	if !b.trained {
		return nil, errNotTrained
	}
	if b.idmap.Ntotal() == 0 {
		return nil, nil
	}
	dists, labels, err := b.idmap.Search(query, int64(k))
	if err != nil {
		return nil, fmt.Errorf("annindex: faiss search: %w", err)
	}
	out := make([]Result, 0, len(labels))
	for i, l := range labels {
		if l < 0 {
			continue // FAISS pads short result sets with -1
		}
		out = append(out, Result{ID: uint32(l), Score: dists[i]})
	}
	return out, nil
}

func (b *faissBackend) Ntotal() int { return int(b.idmap.Ntotal()) }

func (b *faissBackend) Save(path string) error {
	if err := faiss.WriteIndex(b.idmap, path); err != nil {
		return fmt.Errorf("annindex: faiss write %s: %w", path, err)
	}
	return nil
}

func (b *faissBackend) Load(path string) error {
	idx, err := faiss.ReadIndex(path, faiss.IOFlagReadOnly)
	if err != nil {
		return fmt.Errorf("annindex: faiss read %s: %w", path, err)
	}
	idmap, ok := idx.(*faiss.IndexIDMap)
	if !ok {
		return fmt.Errorf("annindex: faiss read %s: not an IndexIDMap", path)
	}
	b.idmap = idmap
	b.trained = true
	return nil
}

func flatten(vecs [][]float32, dim int) []float32 {
	out := make([]float32, 0, len(vecs)*dim)
	for _, v := range vecs {
		out = append(out, v...)
	}
	return out
}

// setNProbe configures the coarse-quantizer fan-out for an IVF index.
// Flat indexes have no such parameter and ignore the call.
func setNProbe(idx faiss.Index, nprobe int) error {
	ivf, ok := idx.(interface{ SetNProbe(int) })
	if !ok {
		return nil
	}
	ivf.SetNProbe(nprobe)
	return nil
}
