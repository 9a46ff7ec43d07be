// Package watcher watches the corpus directory for newly-landed
// incremental_*.parquet files and triggers an ingestion run, adapted
// from the teacher's file-save watcher to fire on whole-file arrival
// instead of individual write events.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/screenager/hnsearch/internal/ingest"
)

// Watcher watches a corpus directory and re-runs a Pipeline whenever a
// new incremental file appears.
type Watcher struct {
	fw       *fsnotify.Watcher
	pipeline *ingest.Pipeline
}

// New creates a Watcher backed by pipeline.
func New(pipeline *ingest.Pipeline) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: fsnotify: %w", err)
	}
	return &Watcher{fw: fw, pipeline: pipeline}, nil
}

// Watch adds corpusDir to the watch list and processes events until
// ctx is cancelled. Call this in a goroutine.
func (w *Watcher) Watch(ctx context.Context, corpusDir string) error {
	if err := w.fw.Add(corpusDir); err != nil {
		return fmt.Errorf("watcher: watch %s: %w", corpusDir, err)
	}

	var debounce *time.Timer
	// runMu keeps ingestion runs from overlapping when a new file lands
	// while an earlier run is still in progress.
	var runMu sync.Mutex
	trigger := func() {
		runMu.Lock()
		defer runMu.Unlock()
		fmt.Fprintln(os.Stderr, "[watch] new incremental file detected, running ingestion")
		sum, err := w.pipeline.Run(ctx, ingest.Options{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "[watch] ingest error: %v\n", err)
			return
		}
		fmt.Fprintf(os.Stderr, "[watch] embedded %d, skipped %d, rebuilt=%v\n", sum.Embedded, sum.Skipped, sum.Rebuilt)
	}

	for {
		select {
		case <-ctx.Done():
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			if !isIncrementalFile(event.Name) {
				continue
			}
			if !(event.Has(fsnotify.Create) || event.Has(fsnotify.Write)) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, trigger)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "[watch] error: %v\n", err)
		}
	}
}

func isIncrementalFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, "incremental_") && strings.HasSuffix(name, ".parquet")
}
