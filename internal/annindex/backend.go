// Package annindex is the two-tier approximate nearest-neighbour index
// manager (spec.md §4.5): a trained IVF+PQ "main" tier holding
// everything as of the last rebuild, and an exact "incremental" tier
// holding everything added since. Both tiers are backed by FAISS via
// github.com/blevesearch/go-faiss; a CGo-less HNSW backend (adapted
// from the teacher's hand-rolled graph) stands in when FAISS is not
// linkable, trading exactness on the incremental tier for a pure-Go
// build.
package annindex

import (
	"fmt"

	"github.com/screenager/hnsearch/internal/errs"
)

// Result is one ranked match from a Backend or from the merged
// two-tier Search.
type Result struct {
	ID    uint32
	Score float32 // inner product on unit-norm vectors == cosine similarity
}

// Backend is the minimal surface both the FAISS and HNSW
// implementations satisfy. Ids are caller-assigned and opaque to the
// backend; a backend that cannot natively attach external ids (like
// FAISS's base IndexFlat/IndexIVF) wraps itself in an id map.
type Backend interface {
	// Trained reports whether Train has been called successfully. Flat
	// backends are always trained.
	Trained() bool
	// Train fits the backend's quantizer/coarse structures on a
	// representative sample. A no-op for backends that need no
	// training.
	Train(vecs [][]float32) error
	// Add appends vectors under the given external ids. Train must have
	// been called first if the backend requires training.
	Add(ids []uint32, vecs [][]float32) error
	// Search returns the k nearest neighbours to query.
	Search(query []float32, k int) ([]Result, error)
	// Ntotal reports how many vectors have been added.
	Ntotal() int
	// Save persists the backend to path.
	Save(path string) error
	// Load replaces the backend's contents with what was saved at path.
	Load(path string) error
}

// errNotTrained is returned by Add/Search when a backend that requires
// training hasn't received one yet.
var errNotTrained = fmt.Errorf("annindex: backend not trained: %w", errs.ErrNotReady)
