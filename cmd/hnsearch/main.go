package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/screenager/hnsearch/internal/annindex"
	"github.com/screenager/hnsearch/internal/config"
	"github.com/screenager/hnsearch/internal/corpus"
	"github.com/screenager/hnsearch/internal/embed"
	"github.com/screenager/hnsearch/internal/ingest"
	"github.com/screenager/hnsearch/internal/mirror"
	"github.com/screenager/hnsearch/internal/query"
	"github.com/screenager/hnsearch/internal/record"
	"github.com/screenager/hnsearch/internal/tui"
	"github.com/screenager/hnsearch/internal/vectorstore"
	"github.com/screenager/hnsearch/internal/watcher"
)

const defaultConfigFile = ".hnsearch.toml"

// engine bundles every open component so command handlers can close
// them uniformly with a single defer.
type engine struct {
	cfg     config.Config
	corpus  *corpus.Store
	mirror  *mirror.Store
	store   *vectorstore.Store
	index   *annindex.Manager
	encoder *embed.Embedder
}

func (e *engine) Close() {
	if e.encoder != nil {
		e.encoder.Close()
	}
	if e.mirror != nil {
		e.mirror.Close()
	}
}

func openEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	corpusDir := filepath.Join(cfg.WorkDir, "corpus")
	vectorsDir := filepath.Join(cfg.WorkDir, "vectors")
	mirrorPath := filepath.Join(cfg.WorkDir, "mirror.db")

	cs, err := corpus.Open(corpusDir)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	vs, err := vectorstore.Open(vectorsDir)
	if err != nil {
		return nil, fmt.Errorf("open vectorstore: %w", err)
	}
	idx, err := annindex.Open(vectorsDir, cfg, vs)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	ms, err := mirror.Open(mirrorPath)
	if err != nil {
		return nil, fmt.Errorf("open mirror: %w", err)
	}

	// mirror.db can be lost or deleted without losing any data as long
	// as main.parquet survives — rebuild it from the corpus before
	// relying on it for hydration.
	if n, err := ms.Count(ctx, ""); err != nil {
		ms.Close()
		return nil, fmt.Errorf("count mirror rows: %w", err)
	} else if n == 0 {
		if _, statErr := os.Stat(cs.MainPath()); statErr == nil {
			fmt.Fprint(os.Stderr, "Rebuilding mirror from existing corpus… ")
			if err := ms.BulkCreate(ctx, cs.MainPath()); err != nil {
				ms.Close()
				return nil, fmt.Errorf("bulk create mirror: %w", err)
			}
			fmt.Fprintln(os.Stderr, "done.")
		}
	}

	fmt.Fprint(os.Stderr, "Loading model… ")
	enc, err := embed.New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "")
		ms.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}
	fmt.Fprintln(os.Stderr, "ready.")

	return &engine{cfg: cfg, corpus: cs, mirror: ms, store: vs, index: idx, encoder: enc}, nil
}

func (e *engine) pipeline() *ingest.Pipeline {
	return ingest.New(e.cfg, e.cfg.WorkDir, e.corpus, e.mirror, e.store, e.index, e.encoder)
}

func (e *engine) queryEngine() *query.Engine {
	return query.New(e.encoder, e.index, e.mirror)
}

func main() {
	root := &cobra.Command{
		Use:   "hnsearch",
		Short: "Incremental semantic search over the Hacker News archive",
		Long:  "hnsearch — builds and queries a two-tier semantic index over an append-only Hacker News corpus.",
	}

	defaults := config.Default()
	if loaded, err := config.Load(defaultConfigFile); err == nil {
		defaults = loaded
	}

	var cfg config.Config
	root.PersistentFlags().StringVar(&cfg.WorkDir, "work-dir", defaults.WorkDir, "directory holding the corpus, mirror, and vector index")
	root.PersistentFlags().StringVar(&cfg.ModelDir, "model-dir", defaults.ModelDir, "directory containing ONNX model files")
	root.PersistentFlags().StringVar(&cfg.OrtLib, "ort-lib", defaults.OrtLib, "path to onnxruntime.so")
	root.PersistentFlags().IntVar(&cfg.Threads, "threads", defaults.Threads, "ONNX intra-op thread count (0 = auto)")
	root.PersistentFlags().IntVar(&cfg.Dim, "dim", defaults.Dim, "embedding dimension")
	root.PersistentFlags().IntVar(&cfg.BatchSize, "batch-size", defaults.BatchSize, "embedding batch size")
	root.PersistentFlags().Uint64Var(&cfg.RebuildThreshold, "rebuild-threshold", defaults.RebuildThreshold, "incremental-tier size that triggers a main-index rebuild")
	root.PersistentFlags().BoolVar(&cfg.ForceHNSW, "force-hnsw", defaults.ForceHNSW, "use the CGo-less HNSW backend instead of FAISS")
	root.PersistentFlags().BoolVar(&cfg.UseCUDA, "use-cuda", defaults.UseCUDA, "enable the CUDA execution provider if available")

	fillDefaults := func() {
		cfg.ModelName = defaults.ModelName
		cfg.QueryPrefix = defaults.QueryPrefix
		cfg.CheckpointEvery = defaults.CheckpointEvery
		cfg.ChunkRows = defaults.ChunkRows
		cfg.NList = defaults.NList
		cfg.M = defaults.M
		cfg.NProbe = defaults.NProbe
		cfg.Metric = defaults.Metric
		cfg.TrainSampleMax = defaults.TrainSampleMax
	}
	cobra.OnInitialize(fillDefaults)

	// ---- hnsearch ingest ----------------------------------------------
	var (
		flagRebuild          bool
		flagRebuildThreshold uint64
		flagResetCheckpoint  bool
		flagSkipEmbeddings   bool
	)
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest pending incremental files, embed new items, and merge into the corpus",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if flagResetCheckpoint {
				if err := ingest.ResetCheckpoint(cfg.WorkDir); err != nil {
					return err
				}
			}

			eng, err := openEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			opts := ingest.Options{
				Rebuild:          flagRebuild,
				RebuildThreshold: flagRebuildThreshold,
				SkipEmbeddings:   flagSkipEmbeddings,
				Progress:         makeProgressPrinter(),
			}
			sum, err := eng.pipeline().Run(ctx, opts)
			if err != nil {
				if isInterrupted(err) {
					fmt.Fprintln(os.Stderr, "\nInterrupted — progress checkpointed, safe to resume.")
					return nil
				}
				return err
			}
			fmt.Fprintf(os.Stderr, "\nDone. scanned=%d embedded=%d skipped=%d rebuilt=%v\n",
				sum.Scanned, sum.Embedded, sum.Skipped, sum.Rebuilt)
			return nil
		},
	}
	ingestCmd.Flags().BoolVar(&flagRebuild, "rebuild", false, "force a main-index rebuild even below the threshold")
	ingestCmd.Flags().Uint64Var(&flagRebuildThreshold, "rebuild-threshold", 0, "override the configured rebuild threshold for this run")
	ingestCmd.Flags().BoolVar(&flagResetCheckpoint, "reset-checkpoint", false, "ignore any saved checkpoint and rescan from the start")
	ingestCmd.Flags().BoolVar(&flagSkipEmbeddings, "skip-embeddings", false, "mirror records without embedding them (useful for backfilling the relational mirror)")
	root.AddCommand(ingestCmd)

	// ---- hnsearch query <text> -----------------------------------------
	var (
		queryLimit int
		queryKind  string
		queryJSON  bool
	)
	queryCmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Run a single semantic search and print the results",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			ctx := context.Background()

			eng, err := openEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			results, err := eng.queryEngine().Query(ctx, text, queryLimit, record.Kind(queryKind))
			if err != nil {
				return err
			}
			if len(results) == 0 {
				if queryJSON {
					fmt.Println("[]")
				} else {
					fmt.Println("no results")
				}
				return nil
			}
			if queryJSON {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			for i, r := range results {
				title := ""
				if r.Title != nil {
					title = record.CleanDisplayText(*r.Title)
				} else if r.Text != nil {
					title = record.CleanDisplayText(*r.Text)
				}
				fmt.Printf("%2d  %.3f  [%s]  id=%d  by %s\n    %s\n\n", i+1, r.Score, r.Kind, r.ID, r.Author, title)
			}
			return nil
		},
	}
	queryCmd.Flags().IntVar(&queryLimit, "limit", 10, "maximum number of results")
	queryCmd.Flags().StringVar(&queryKind, "type", "", "filter by item kind (story, comment, job, poll)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output results as JSON")
	root.AddCommand(queryCmd)

	// ---- hnsearch watch -------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Ingest once, then watch the corpus directory for new incremental files",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			eng, err := openEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			sum, err := eng.pipeline().Run(ctx, ingest.Options{Progress: makeProgressPrinter()})
			if err != nil && !isInterrupted(err) {
				return err
			}
			fmt.Fprintf(os.Stderr, "\nDone. embedded=%d skipped=%d rebuilt=%v. Watching %s for new incremental files… (Ctrl+C to stop)\n",
				sum.Embedded, sum.Skipped, sum.Rebuilt, filepath.Join(cfg.WorkDir, "corpus"))

			w, err := watcher.New(eng.pipeline())
			if err != nil {
				return err
			}
			return w.Watch(ctx, filepath.Join(cfg.WorkDir, "corpus"))
		},
	})

	// ---- hnsearch tui ---------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui",
		Short: "Launch the interactive search interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			m := tui.New(eng.queryEngine())
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- hnsearch stats --------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show index and mirror statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, err := openEngine(ctx, cfg)
			if err != nil {
				return err
			}
			defer eng.Close()

			s, err := eng.queryEngine().Stats(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("records:              %d\n", s.TotalRecords)
			fmt.Printf("main tier vectors:    %d\n", s.MainVectors)
			fmt.Printf("incremental vectors:  %d\n", s.IncrementalVectors)
			return nil
		},
	})

	// ---- hnsearch bench --------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer and ONNX inference speed on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Loading model… ")
			enc, err := embed.New(cfg)
			if err != nil {
				return err
			}
			defer enc.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			texts := []struct {
				label string
				text  string
			}{
				{"title (8 words)  ", "Show HN: a tiny static site generator in Go"},
				{"comment (40 words)", strings.Repeat("I've used this in production for a while now and ", 8)},
				{"long thread (150 words)", strings.Repeat("The original point about caching invalidation still stands, and here's why. ", 18)},
			}

			fmt.Printf("\n%-24s  %10s  %10s  %10s\n", "text size", "tokenize", "inference", "total")
			fmt.Println(strings.Repeat("─", 60))
			for _, tc := range texts {
				tok, inf, tot, err := enc.BenchmarkSingle(tc.text)
				if err != nil {
					return fmt.Errorf("bench %s: %w", tc.label, err)
				}
				fmt.Printf("%-24s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Millisecond),
					inf.Round(time.Millisecond),
					tot.Round(time.Millisecond))
			}
			fmt.Printf("\nIf inference >500ms, try: hnsearch --threads 1 bench\n")
			fmt.Printf("Set HNSEARCH_DEBUG=1 for per-batch timing during ingest.\n")
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func isInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func makeProgressPrinter() ingest.ProgressFunc {
	return func(embedded, total int) {
		if total > 0 {
			fmt.Fprintf(os.Stderr, "\r  embedded %d/%d", embedded, total)
		} else {
			fmt.Fprintf(os.Stderr, "\r  embedded %d", embedded)
		}
	}
}
