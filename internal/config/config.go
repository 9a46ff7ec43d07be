// Package config provides the typed configuration shared by the
// ingestion pipeline, the index manager, the embedder, and the CLI.
package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Metric enumerates supported distance metrics. Only InnerProduct is
// implemented — unit-norm vectors make it equivalent to cosine
// similarity, per spec.md §3.
type Metric string

const (
	InnerProduct Metric = "inner_product"
)

// Config is the single typed configuration value threaded through the
// engine, replacing the duck-typed config dicts spec.md §9 calls out.
type Config struct {
	// WorkDir is the directory holding the corpus/ and vectors/
	// subdirectories, the mirror.db file, and the ingest checkpoint.
	WorkDir string `toml:"work-dir"`

	// Embedding / ingestion.
	ModelName      string `toml:"model-name"`
	ModelDir       string `toml:"model-dir"`
	OrtLib         string `toml:"ort-lib"`
	Threads        int    `toml:"threads"`
	QueryPrefix    string `toml:"query-prefix"`
	Dim            int    `toml:"dim"`
	BatchSize      int    `toml:"batch-size"`
	CheckpointEvery uint64 `toml:"checkpoint-every"`
	ChunkRows      int    `toml:"chunk-rows"`
	UseCUDA        bool   `toml:"use-cuda"`

	// Index manager.
	RebuildThreshold uint64 `toml:"rebuild-threshold"`
	NList            int    `toml:"nlist"`
	M                int    `toml:"m"`
	NProbe           int    `toml:"nprobe"`
	Metric           Metric `toml:"metric"`
	TrainSampleMax   int    `toml:"train-sample-max"`

	// ForceHNSW makes the index manager use the CGo-less HNSW backend
	// even when FAISS is available, for environments that cannot link
	// FAISS's shared library.
	ForceHNSW bool `toml:"force-hnsw"`
}

// Default returns the spec.md-mandated defaults (§3, §4.5, §4.6).
func Default() Config {
	return Config{
		WorkDir:          ".",
		ModelName:        "all-MiniLM-L6-v2",
		ModelDir:         "./models",
		OrtLib:           "./lib/onnxruntime.so",
		Threads:          0,
		QueryPrefix:      "",
		Dim:              384,
		BatchSize:        512,
		CheckpointEvery:  100_000,
		ChunkRows:        50_000,
		UseCUDA:          false,
		RebuildThreshold: 1_000_000,
		NList:            4096,
		M:                48,
		NProbe:           64,
		Metric:           InnerProduct,
		TrainSampleMax:   500_000,
	}
}

// Load reads .hnsearch.toml (if present) on top of Default(), the same
// precedence cmd/sift/main.go uses for .sift.toml: file values override
// built-in defaults, and CLI flags (applied by the caller afterwards)
// override both.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EffectiveNList returns the nlist spec.md §3 formula yields for n
// vectors, capped at c.NList.
func (c Config) EffectiveNList(n int) int {
	nlist := n / 100
	if nlist > c.NList {
		nlist = c.NList
	}
	return nlist
}
