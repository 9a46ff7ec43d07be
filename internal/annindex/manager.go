package annindex

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"

	"github.com/screenager/hnsearch/internal/config"
	"github.com/screenager/hnsearch/internal/errs"
	"github.com/screenager/hnsearch/internal/vectorstore"
)

// Manager owns both ANN tiers described in spec.md §4.5: a trained
// main index and an exact incremental index. It is the read side of
// the on-disk vectors that internal/vectorstore owns durably — Manager
// itself can always be rebuilt from vectorstore's arrays, so its own
// on-disk files are a cache, not a source of truth.
type Manager struct {
	dir   string
	cfg   config.Config
	store *vectorstore.Store

	main Backend
	inc  Backend
}

// Open restores both tiers from their persisted index files (written by
// a prior Save) when present and valid, and otherwise builds them in
// memory from the vectors vectorstore already has on disk.
func Open(dir string, cfg config.Config, store *vectorstore.Store) (*Manager, error) {
	m := &Manager{dir: dir, cfg: cfg, store: store}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

// load attempts to reconstruct both tiers from mainIndexPath/
// incIndexPath, falling back to rebuildFromStore when either file is
// missing, unreadable, or was written by a differently configured
// backend (e.g. after toggling --force-hnsw) — Backend.Load reports
// any such mismatch as a plain error, which is treated as "no cache".
func (m *Manager) load() error {
	mainIDs, _, err := m.store.Load(vectorstore.Main)
	if err != nil {
		return fmt.Errorf("annindex: load main tier: %w", err)
	}

	main := m.newMainBackend(len(mainIDs))
	inc := m.newIncrementalBackend()
	if main.Load(m.mainIndexPath()) == nil && inc.Load(m.incIndexPath()) == nil {
		m.main, m.inc = main, inc
		return nil
	}

	return m.rebuildFromStore()
}

func (m *Manager) mainIndexPath() string { return filepath.Join(m.dir, "main.index") }
func (m *Manager) incIndexPath() string  { return filepath.Join(m.dir, "incremental.index") }

// rebuildFromStore reconstructs both backends in memory from
// vectorstore's arrays. Called from load when the persisted index
// files cannot be used.
func (m *Manager) rebuildFromStore() error {
	mainIDs, mainVecs, err := m.store.Load(vectorstore.Main)
	if err != nil {
		return fmt.Errorf("annindex: load main tier: %w", err)
	}
	incIDs, incVecs, err := m.store.Load(vectorstore.Incremental)
	if err != nil {
		return fmt.Errorf("annindex: load incremental tier: %w", err)
	}

	main := m.newMainBackend(len(mainIDs))
	if len(mainIDs) > 0 {
		if err := main.Train(m.trainingSample(mainVecs)); err != nil {
			return fmt.Errorf("annindex: train main tier: %w: %w", err, errs.ErrIndex)
		}
		if err := main.Add(mainIDs, mainVecs); err != nil {
			return fmt.Errorf("annindex: populate main tier: %w: %w", err, errs.ErrIndex)
		}
	}

	inc := m.newIncrementalBackend()
	if len(incIDs) > 0 {
		if err := inc.Add(incIDs, incVecs); err != nil {
			return fmt.Errorf("annindex: populate incremental tier: %w: %w", err, errs.ErrIndex)
		}
	}

	m.main, m.inc = main, inc
	return nil
}

func (m *Manager) newMainBackend(n int) Backend {
	if m.cfg.ForceHNSW {
		return newHNSWBackend()
	}
	nlist := m.cfg.EffectiveNList(n)
	if nlist < 64 {
		// Too few vectors to train a meaningful IVF quantizer: fall back
		// to an exact Flat index rather than a degenerate one, per
		// spec.md §4.5's small-corpus edge case.
		if b, err := newFAISSFlat(m.cfg.Dim); err == nil {
			return b
		}
		return newHNSWBackend()
	}
	if b, err := newFAISSIVFPQ(m.cfg.Dim, nlist, m.cfg.M, m.cfg.NProbe); err == nil {
		return b
	}
	return newHNSWBackend()
}

// trainingSample returns at most cfg.TrainSampleMax vectors drawn
// uniformly at random without replacement from vecs, the set the main
// tier's quantizer is trained on.
func (m *Manager) trainingSample(vecs [][]float32) [][]float32 {
	limit := m.cfg.TrainSampleMax
	if limit <= 0 || len(vecs) <= limit {
		return vecs
	}
	sample := make([][]float32, limit)
	for i, j := range rand.Perm(len(vecs))[:limit] {
		sample[i] = vecs[j]
	}
	return sample
}

func (m *Manager) newIncrementalBackend() Backend {
	if m.cfg.ForceHNSW {
		return newHNSWBackend()
	}
	if b, err := newFAISSFlat(m.cfg.Dim); err == nil {
		return b
	}
	return newHNSWBackend()
}

// AddIncremental appends freshly embedded vectors to the incremental
// tier only — spec.md invariant 4 forbids ever writing directly into
// the main tier outside a rebuild.
func (m *Manager) AddIncremental(ids []uint32, vecs [][]float32) error {
	if len(ids) == 0 {
		return nil
	}
	if err := m.store.Append(vectorstore.Incremental, ids, vecs); err != nil {
		return fmt.Errorf("annindex: persist incremental vectors: %w", err)
	}
	if err := m.inc.Add(ids, vecs); err != nil {
		return fmt.Errorf("annindex: add to incremental backend: %w: %w", err, errs.ErrIndex)
	}
	return nil
}

// IncrementalSize reports how many vectors the incremental tier holds,
// the quantity spec.md §4.6 compares against RebuildThreshold.
func (m *Manager) IncrementalSize() int { return m.inc.Ntotal() }

// MainSize reports how many vectors the main tier holds.
func (m *Manager) MainSize() int { return m.main.Ntotal() }

// Rebuild retrains the main tier over every vector currently on disk
// (main ∪ incremental), then clears the incremental tier, restoring
// spec.md invariant 5 (main and incremental are disjoint and together
// cover every embedded id).
func (m *Manager) Rebuild() error {
	mainIDs, mainVecs, err := m.store.Load(vectorstore.Main)
	if err != nil {
		return fmt.Errorf("annindex: rebuild: load main tier: %w", err)
	}
	incIDs, incVecs, err := m.store.Load(vectorstore.Incremental)
	if err != nil {
		return fmt.Errorf("annindex: rebuild: load incremental tier: %w", err)
	}

	allIDs := append(append([]uint32{}, mainIDs...), incIDs...)
	allVecs := append(append([][]float32{}, mainVecs...), incVecs...)

	main := m.newMainBackend(len(allIDs))
	if len(allIDs) > 0 {
		if err := main.Train(m.trainingSample(allVecs)); err != nil {
			return fmt.Errorf("annindex: rebuild: train: %w: %w", err, errs.ErrIndex)
		}
		if err := main.Add(allIDs, allVecs); err != nil {
			return fmt.Errorf("annindex: rebuild: add: %w: %w", err, errs.ErrIndex)
		}
	}

	// Publish the merged vectors to the main tier's on-disk arrays
	// before clearing the incremental tier, so a crash between the two
	// leaves the incremental tier's vectors still reachable rather than
	// lost.
	if err := m.store.Clear(vectorstore.Main); err != nil {
		return fmt.Errorf("annindex: rebuild: clear main tier file: %w", err)
	}
	if err := m.store.Append(vectorstore.Main, allIDs, allVecs); err != nil {
		return fmt.Errorf("annindex: rebuild: publish merged main tier: %w", err)
	}
	if err := m.store.Clear(vectorstore.Incremental); err != nil {
		return fmt.Errorf("annindex: rebuild: clear incremental tier: %w", err)
	}

	m.main = main
	m.inc = m.newIncrementalBackend()

	// Persist the freshly rebuilt tiers so the next Open can skip
	// retraining and re-adding every vector.
	if err := m.Save(); err != nil {
		return fmt.Errorf("annindex: rebuild: %w", err)
	}
	return nil
}

// Search merges results from both tiers, matching semantic_search.py's
// behaviour of querying both the trained and incremental FAISS
// indexes and combining before hydration: search each tier for up to
// k candidates, concatenate, drop duplicate ids (an id cannot live in
// both tiers under invariant 5, but callers that pass a stale Manager
// mid-rebuild could otherwise see one), sort by descending score, and
// truncate to k.
func (m *Manager) Search(query []float32, k int) ([]Result, error) {
	mainHits, err := m.main.Search(query, k)
	if err != nil {
		return nil, fmt.Errorf("annindex: search main tier: %w: %w", err, errs.ErrIndex)
	}
	incHits, err := m.inc.Search(query, k)
	if err != nil {
		return nil, fmt.Errorf("annindex: search incremental tier: %w: %w", err, errs.ErrIndex)
	}

	byID := make(map[uint32]Result, len(mainHits)+len(incHits))
	for _, r := range append(mainHits, incHits...) {
		if existing, ok := byID[r.ID]; !ok || r.Score > existing.Score {
			byID[r.ID] = r
		}
	}

	merged := make([]Result, 0, len(byID))
	for _, r := range byID {
		merged = append(merged, r)
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// Save persists both backends' caches to dir. Safe to skip — the next
// Open will reconstruct identical backends from vectorstore — but
// skipping it means every process start pays the cost of re-adding
// every vector to a fresh FAISS index.
func (m *Manager) Save() error {
	if err := m.main.Save(m.mainIndexPath()); err != nil {
		return fmt.Errorf("annindex: save main tier: %w", err)
	}
	if err := m.inc.Save(m.incIndexPath()); err != nil {
		return fmt.Errorf("annindex: save incremental tier: %w", err)
	}
	return nil
}
