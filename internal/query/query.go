// Package query implements semantic search against an already-built
// index (spec.md §4.7), grounded on original_source/semantic_search.py:
// embed the query, over-fetch from the ANN index when a kind filter is
// given (since filtering happens after ANN search, not inside it),
// hydrate the surviving ids from the relational mirror, drop any id
// the mirror doesn't know about, and truncate to the requested limit
// while preserving ANN rank order.
package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/screenager/hnsearch/internal/annindex"
	"github.com/screenager/hnsearch/internal/embed"
	"github.com/screenager/hnsearch/internal/errs"
	"github.com/screenager/hnsearch/internal/mirror"
	"github.com/screenager/hnsearch/internal/record"
)

// overfetchFactor mirrors semantic_search.py's search_limit = limit*10
// when a type filter is active: ANN search has no notion of kind, so
// enough extra candidates must be pulled to have any chance of filling
// limit results after filtering.
const overfetchFactor = 10

// Result is one ranked, hydrated search hit.
type Result struct {
	record.Record
	Score float32
}

// Engine ties the embedder, index manager, and relational mirror
// together to answer queries.
type Engine struct {
	encoder embed.TextEncoder
	index   *annindex.Manager
	mirror  *mirror.Store
}

// New builds an Engine.
func New(encoder embed.TextEncoder, index *annindex.Manager, mirrorStore *mirror.Store) *Engine {
	return &Engine{encoder: encoder, index: index, mirror: mirrorStore}
}

// Stats summarizes index and mirror size, for the stats CLI command
// and the TUI's info panel.
type Stats struct {
	MainVectors        int
	IncrementalVectors int
	TotalRecords       int
}

// Stats reports current index and mirror sizes.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	n, err := e.mirror.Count(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("query: stats: %w", err)
	}
	return Stats{
		MainVectors:        e.index.MainSize(),
		IncrementalVectors: e.index.IncrementalSize(),
		TotalRecords:       n,
	}, nil
}

// Query embeds text, searches both ANN tiers, hydrates the results
// from the relational mirror, and returns up to limit hits ordered by
// descending score. An empty kindFilter means no filtering.
func (e *Engine) Query(ctx context.Context, text string, limit int, kindFilter record.Kind) ([]Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("query: empty query: %w", errs.ErrBadInput)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("query: limit must be positive, got %d: %w", limit, errs.ErrBadInput)
	}

	vec, err := e.encoder.EmbedQuery(text)
	if err != nil {
		return nil, fmt.Errorf("query: embed: %w: %w", err, errs.ErrEmbed)
	}

	searchLimit := limit
	if kindFilter != "" {
		searchLimit = limit * overfetchFactor
	}

	hits, err := e.index.Search(vec, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("query: search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uint32, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	hydrated, err := e.mirror.Hydrate(ctx, ids, kindFilter)
	if err != nil {
		return nil, fmt.Errorf("query: hydrate: %w: %w", err, errs.ErrIo)
	}

	// Reorder by original ANN rank, then truncate to limit — an id
	// missing from the mirror (never observed, or filtered out by
	// kind) is simply skipped rather than surfaced as a gap.
	results := make([]Result, 0, limit)
	for _, h := range hits {
		r, ok := hydrated[h.ID]
		if !ok {
			continue
		}
		results = append(results, Result{Record: r, Score: h.Score})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}
