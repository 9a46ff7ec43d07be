// Package ingest is the incremental ingestion pipeline (spec.md §4.6):
// it discovers new Hacker News items in incremental Parquet files,
// skips anything already embedded, embeds the rest in batches,
// checkpoints progress so a crash can resume without re-embedding, and
// triggers a main-tier rebuild once the incremental tier grows past a
// threshold. Grounded on original_source/update_index.py.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/screenager/hnsearch/internal/annindex"
	"github.com/screenager/hnsearch/internal/config"
	"github.com/screenager/hnsearch/internal/corpus"
	"github.com/screenager/hnsearch/internal/embed"
	"github.com/screenager/hnsearch/internal/errs"
	"github.com/screenager/hnsearch/internal/mirror"
	"github.com/screenager/hnsearch/internal/record"
	"github.com/screenager/hnsearch/internal/vectorstore"
)

// Checkpoint records ingestion progress. Crash safety does not depend
// on its precision: the real resume mechanism is the id skip-set
// derived from vectorstore (spec.md invariant 2), which makes
// re-scanning a partially processed file idempotent and cheap (no
// re-embedding for ids already present in either ANN tier). The
// checkpoint file exists so a restarted run can report accurate
// progress and so File records which incremental file was in flight
// when the process stopped, without needing byte- or row-group-exact
// resume logic.
type Checkpoint struct {
	TotalProcessed uint64 `json:"total_processed"`
	File           string `json:"file"`
}

const checkpointFileName = "checkpoint.json"

func checkpointPath(dir string) string { return filepath.Join(dir, checkpointFileName) }

func loadCheckpoint(dir string) (Checkpoint, error) {
	b, err := os.ReadFile(checkpointPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, nil
		}
		return Checkpoint{}, fmt.Errorf("ingest: read checkpoint: %w: %w", err, errs.ErrIo)
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("ingest: parse checkpoint: %w: %w", err, errs.ErrCorrupt)
	}
	return cp, nil
}

func saveCheckpoint(dir string, cp Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("ingest: marshal checkpoint: %w", err)
	}
	tmp := checkpointPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("ingest: write checkpoint: %w: %w", err, errs.ErrIo)
	}
	if err := os.Rename(tmp, checkpointPath(dir)); err != nil {
		return fmt.Errorf("ingest: commit checkpoint: %w: %w", err, errs.ErrIo)
	}
	return nil
}

// ResetCheckpoint deletes any saved checkpoint, forcing the next Run to
// start from the beginning of the oldest pending incremental file.
func ResetCheckpoint(dir string) error {
	err := os.Remove(checkpointPath(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ingest: reset checkpoint: %w: %w", err, errs.ErrIo)
	}
	return nil
}

// Summary reports what one Run call did.
type Summary struct {
	Scanned  int
	Embedded int
	Skipped  int
	Rebuilt  bool
}

// ProgressFunc is called after each embedded batch, for CLI progress
// reporting.
type ProgressFunc func(embedded, total int)

// Options configures a single Run.
type Options struct {
	Rebuild          bool
	RebuildThreshold uint64
	SkipEmbeddings   bool
	Progress         ProgressFunc
}

// Pipeline wires together the corpus store, relational mirror, vector
// store, index manager, and text encoder that ingestion depends on.
type Pipeline struct {
	cfg     config.Config
	dir     string
	corpus  *corpus.Store
	mirror  *mirror.Store
	store   *vectorstore.Store
	index   *annindex.Manager
	encoder embed.TextEncoder
}

// New builds a Pipeline. dir is the working directory holding the
// checkpoint file alongside the corpus/ and vectors/ subdirectories
// and mirror.db.
func New(cfg config.Config, dir string, corpusStore *corpus.Store, mirrorStore *mirror.Store, vecStore *vectorstore.Store, index *annindex.Manager, encoder embed.TextEncoder) *Pipeline {
	return &Pipeline{cfg: cfg, dir: dir, corpus: corpusStore, mirror: mirrorStore, store: vecStore, index: index, encoder: encoder}
}

// skipSet returns the set of ids already present in either ANN tier —
// computed from vectorstore's id arrays rather than a separate id
// list, per spec.md's explicit instruction that the skip set is
// derived, not duplicated state.
func (p *Pipeline) skipSet() (map[uint32]bool, error) {
	mainIDs, _, err := p.store.Load(vectorstore.Main)
	if err != nil {
		return nil, fmt.Errorf("ingest: load main ids: %w", err)
	}
	incIDs, _, err := p.store.Load(vectorstore.Incremental)
	if err != nil {
		return nil, fmt.Errorf("ingest: load incremental ids: %w", err)
	}
	seen := make(map[uint32]bool, len(mainIDs)+len(incIDs))
	for _, id := range mainIDs {
		seen[id] = true
	}
	for _, id := range incIDs {
		seen[id] = true
	}
	return seen, nil
}

// Run performs one ingestion pass: consume every pending incremental
// Parquet file row-group by row-group, skipping already-embedded ids,
// embedding the rest in cfg.BatchSize batches, checkpointing after
// every cfg.CheckpointEvery items, mirroring every live record
// regardless of whether it was embeddable, and merging consumed
// incrementals into the corpus's main file. If the incremental tier
// then holds at least RebuildThreshold vectors (or opts.Rebuild forces
// it), the index is rebuilt.
func (p *Pipeline) Run(ctx context.Context, opts Options) (Summary, error) {
	var sum Summary

	pending, err := p.corpus.PendingIncrementals()
	if err != nil {
		return sum, fmt.Errorf("ingest: list pending incrementals: %w", err)
	}
	if len(pending) == 0 {
		return p.maybeRebuild(sum, opts)
	}

	cp, err := loadCheckpoint(p.dir)
	if err != nil {
		return sum, err
	}

	skip, err := p.skipSet()
	if err != nil {
		return sum, err
	}

	var consumed []string
	for i, path := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		fileSum, err := p.ingestFile(ctx, path, skip, opts, &cp)
		if err != nil {
			return sum, fmt.Errorf("ingest: %s: %w", path, err)
		}
		sum.Scanned += fileSum.Scanned
		sum.Embedded += fileSum.Embedded
		sum.Skipped += fileSum.Skipped
		consumed = append(consumed, path)

		if i == len(pending)-1 {
			// Every pending file has now been consumed — there is
			// nothing left to resume from, so drop the checkpoint
			// entirely rather than persist an empty File.
			if err := ResetCheckpoint(p.dir); err != nil {
				return sum, err
			}
		} else {
			cp.File = ""
			if err := saveCheckpoint(p.dir, cp); err != nil {
				return sum, err
			}
		}
	}

	if len(consumed) > 0 {
		if _, err := p.corpus.Merge(consumed); err != nil {
			return sum, fmt.Errorf("ingest: merge corpus: %w", err)
		}
	}

	return p.maybeRebuild(sum, opts)
}

// ingestFile streams one incremental file's rows group by group.
// Records whose id is already in skip are counted but not re-embedded,
// which is what makes re-running ingestFile against a partially
// consumed file safe after a crash.
func (p *Pipeline) ingestFile(ctx context.Context, path string, skip map[uint32]bool, opts Options, cp *Checkpoint) (Summary, error) {
	var sum Summary

	rr, err := corpus.OpenRows(path)
	if err != nil {
		return sum, err
	}
	defer rr.Close()

	var batchTexts []string
	var batchIDs []uint32
	var mirrorBatch []record.Record

	flush := func() error {
		if len(batchIDs) == 0 {
			return nil
		}
		if !opts.SkipEmbeddings {
			vecs, err := p.encoder.Embed(batchTexts)
			if err != nil {
				return fmt.Errorf("embed batch: %w: %w", err, errs.ErrEmbed)
			}
			if err := p.index.AddIncremental(batchIDs, vecs); err != nil {
				return fmt.Errorf("index batch: %w: %w", err, errs.ErrIndex)
			}
		}
		sum.Embedded += len(batchIDs)
		cp.TotalProcessed += uint64(len(batchIDs))
		batchTexts, batchIDs = batchTexts[:0], batchIDs[:0]

		if cp.TotalProcessed%p.cfg.CheckpointEvery < uint64(p.cfg.BatchSize) {
			cp.File = path
			if err := saveCheckpoint(p.dir, *cp); err != nil {
				return err
			}
		}
		if opts.Progress != nil {
			opts.Progress(sum.Embedded, sum.Scanned)
		}
		return nil
	}

	for g := 0; g < rr.NumRowGroups(); g++ {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rows, err := rr.ReadRowGroup(g)
		if err != nil {
			return sum, fmt.Errorf("read row group %d: %w", g, err)
		}

		if len(mirrorBatch) == 0 {
			mirrorBatch = make([]record.Record, 0, len(rows))
		}
		for _, r := range rows {
			sum.Scanned++
			if r.Live() {
				mirrorBatch = append(mirrorBatch, r)
			}

			if skip[r.ID] {
				sum.Skipped++
				continue
			}
			text, ok := record.Embeddable(r)
			if !ok {
				continue
			}
			batchTexts = append(batchTexts, text)
			batchIDs = append(batchIDs, r.ID)
			skip[r.ID] = true

			if len(batchIDs) >= p.cfg.BatchSize {
				if err := flush(); err != nil {
					return sum, err
				}
			}
		}

		if len(mirrorBatch) > 0 {
			if err := p.mirror.BulkUpsert(ctx, mirrorBatch); err != nil {
				return sum, fmt.Errorf("mirror upsert: %w", err)
			}
			mirrorBatch = mirrorBatch[:0]
		}
	}

	if err := flush(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (p *Pipeline) maybeRebuild(sum Summary, opts Options) (Summary, error) {
	threshold := opts.RebuildThreshold
	if threshold == 0 {
		threshold = p.cfg.RebuildThreshold
	}
	if opts.Rebuild || uint64(p.index.IncrementalSize()) >= threshold {
		if err := p.index.Rebuild(); err != nil {
			return sum, fmt.Errorf("ingest: rebuild: %w", err)
		}
		sum.Rebuilt = true
	}
	return sum, nil
}
