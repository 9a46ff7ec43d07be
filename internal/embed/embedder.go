// Package embed provides sentence embedding via ONNX Runtime, used to
// turn Hacker News item text into the unit-norm vectors the index
// manager searches over (spec.md §4.3).
package embed

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/daulet/tokenizers"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/screenager/hnsearch/internal/config"
	"github.com/screenager/hnsearch/internal/errs"
)

// maxSeqLen caps tokenized input length. HN titles and comments rarely
// approach this; capping avoids a pathological O(seqLen²) attention
// cost on the rare very long comment.
const maxSeqLen = 256

// TextEncoder is the interface the ingestion pipeline and query engine
// depend on, so both can be exercised against a fake encoder in tests
// without loading an ONNX model.
type TextEncoder interface {
	Embed(texts []string) ([][]float32, error)
	EmbedQuery(query string) ([]float32, error)
	Dim() int
}

// Embedder wraps an ONNX session and a HuggingFace tokenizer.
type Embedder struct {
	session     *ort.DynamicAdvancedSession
	tokenizer   *tokenizers.Tokenizer
	batchSize   int
	dim         int
	queryPrefix string
}

var _ TextEncoder = (*Embedder)(nil)

// New loads the ONNX model and tokenizer described by cfg.
// cfg.ModelDir must contain model.onnx and tokenizer.json.
func New(cfg config.Config) (*Embedder, error) {
	modelPath := filepath.Join(cfg.ModelDir, "model.onnx")
	tokenPath := filepath.Join(cfg.ModelDir, "tokenizer.json")

	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model not found at %s: %w: %w", modelPath, err, errs.ErrEmbed)
	}
	if _, err := os.Stat(tokenPath); err != nil {
		return nil, fmt.Errorf("tokenizer not found at %s: %w: %w", tokenPath, err, errs.ErrEmbed)
	}

	if cfg.OrtLib != "" {
		ort.SetSharedLibraryPath(cfg.OrtLib)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init ort: %w: %w", err, errs.ErrEmbed)
	}

	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
		if numThreads > 4 {
			numThreads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()

	if err := opts.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	if cfg.UseCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "embed: CUDA requested but unavailable (%v), falling back to CPU\n", err)
		} else {
			defer cudaOpts.Destroy()
			if err := opts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
				fmt.Fprintf(os.Stderr, "embed: CUDA provider append failed (%v), falling back to CPU\n", err)
			}
		}
	}

	inputNames := []string{"input_ids", "attention_mask", "token_type_ids"}
	outputNames := []string{"last_hidden_state"}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w: %w", err, errs.ErrEmbed)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		session.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w: %w", err, errs.ErrEmbed)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	return &Embedder{
		session:     session,
		tokenizer:   tk,
		batchSize:   batchSize,
		dim:         cfg.Dim,
		queryPrefix: cfg.QueryPrefix,
	}, nil
}

// Close releases the ONNX session and tokenizer.
func (e *Embedder) Close() {
	if e.session != nil {
		e.session.Destroy()
	}
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Dim reports the configured embedding dimension.
func (e *Embedder) Dim() int { return e.dim }

// Embed embeds a batch of document texts, unprefixed.
func (e *Embedder) Embed(texts []string) ([][]float32, error) {
	results := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := e.embedBatch(texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch [%d:%d]: %w: %w", i, end, err, errs.ErrEmbed)
		}
		results = append(results, batch...)
	}
	return results, nil
}

// EmbedQuery embeds a single query string with the configured
// asymmetric-retrieval prefix, if any.
func (e *Embedder) EmbedQuery(query string) ([]float32, error) {
	vecs, err := e.Embed([]string{e.queryPrefix + query})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("empty result for query: %w", errs.ErrEmbed)
	}
	return vecs[0], nil
}

type encoded struct {
	ids  []int64
	mask []int64
}

// embedBatch runs a single ONNX inference call for up to batchSize texts.
// Set HNSEARCH_DEBUG=1 to print per-phase timing to stderr.
func (e *Embedder) embedBatch(texts []string) ([][]float32, error) {
	debug := os.Getenv("HNSEARCH_DEBUG") == "1"
	batchSize := len(texts)
	t0 := time.Now()

	all := make([]encoded, batchSize)
	maxLen := 0
	for i, text := range texts {
		enc := e.tokenizer.EncodeWithOptions(
			text,
			true,
			tokenizers.WithReturnAttentionMask(),
		)
		ids := enc.IDs
		if len(ids) > maxSeqLen {
			ids = ids[:maxSeqLen]
		}
		ids64 := make([]int64, len(ids))
		mask64 := make([]int64, len(ids))
		for j, v := range ids {
			ids64[j] = int64(v)
			mask64[j] = 1
		}
		if len(enc.AttentionMask) >= len(ids) {
			for j := range ids64 {
				mask64[j] = int64(enc.AttentionMask[j])
			}
		}
		all[i] = encoded{ids: ids64, mask: mask64}
		if len(ids64) > maxLen {
			maxLen = len(ids64)
		}
	}
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] tokenize(%d texts, maxLen=%d): %v\n", batchSize, maxLen, time.Since(t0))
	}

	if maxLen == 0 {
		return nil, fmt.Errorf("all texts tokenized to zero length")
	}

	t1 := time.Now()
	flatIDs := make([]int64, batchSize*maxLen)
	flatMask := make([]int64, batchSize*maxLen)
	flatType := make([]int64, batchSize*maxLen)
	for i, enc := range all {
		copy(flatIDs[i*maxLen:], enc.ids)
		copy(flatMask[i*maxLen:], enc.mask)
	}
	shape := ort.NewShape(int64(batchSize), int64(maxLen))

	inputIDs, err := ort.NewTensor(shape, flatIDs)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer inputIDs.Destroy()

	attnMask, err := ort.NewTensor(shape, flatMask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer attnMask.Destroy()

	typeIDs, err := ort.NewTensor(shape, flatType)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typeIDs.Destroy()
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] build tensors: %v\n", time.Since(t1))
	}

	t2 := time.Now()
	inputs := []ort.Value{inputIDs, attnMask, typeIDs}
	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("ort run: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] session.Run (batch=%d, seq=%d): %v\n", batchSize, maxLen, time.Since(t2))
	}

	t3 := time.Now()
	hiddenTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output type (want *Tensor[float32])")
	}
	hidden := hiddenTensor.GetData()
	seqLen := int(hiddenTensor.GetShape()[1])

	embeddings := make([][]float32, batchSize)
	for i := 0; i < batchSize; i++ {
		vec := make([]float32, e.dim)
		// Sentence-transformer CLS pooling: the embedding is the hidden
		// state at the first (CLS) token position.
		base := i * seqLen * e.dim
		for d := 0; d < e.dim; d++ {
			vec[d] = hidden[base+d]
		}
		l2Normalize(vec)
		embeddings[i] = vec
	}
	if debug {
		fmt.Fprintf(os.Stderr, "[debug] CLS pool + normalize: %v  (total: %v)\n", time.Since(t3), time.Since(t0))
	}

	return embeddings, nil
}

// BenchmarkSingle embeds a single short text and returns the tokenize,
// inference, and total wall-clock time, backing the "hnsearch bench"
// command's per-sample timing report.
func (e *Embedder) BenchmarkSingle(text string) (tokenize, inference, total time.Duration, err error) {
	t0 := time.Now()
	enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
	ids := enc.IDs
	if len(ids) > maxSeqLen {
		ids = ids[:maxSeqLen]
	}
	tokenize = time.Since(t0)

	ids64 := make([]int64, len(ids))
	mask64 := make([]int64, len(ids))
	flatType := make([]int64, len(ids))
	for j, v := range ids {
		ids64[j] = int64(v)
		mask64[j] = 1
	}
	shape := ort.NewShape(1, int64(len(ids)))
	idsT, e2 := ort.NewTensor(shape, ids64)
	if e2 != nil {
		return 0, 0, 0, e2
	}
	defer idsT.Destroy()
	maskT, e2 := ort.NewTensor(shape, mask64)
	if e2 != nil {
		return 0, 0, 0, e2
	}
	defer maskT.Destroy()
	typT, e2 := ort.NewTensor(shape, flatType)
	if e2 != nil {
		return 0, 0, 0, e2
	}
	defer typT.Destroy()

	t1 := time.Now()
	outputs := []ort.Value{nil}
	if e2 := e.session.Run([]ort.Value{idsT, maskT, typT}, outputs); e2 != nil {
		return 0, 0, 0, e2
	}
	if outputs[0] != nil {
		outputs[0].Destroy()
	}
	inference = time.Since(t1)
	total = time.Since(t0)
	return tokenize, inference, total, nil
}

// l2Normalize normalizes v in-place to unit length.
func l2Normalize(v []float32) {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
}
