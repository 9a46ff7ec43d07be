// Package corpus is the append-only columnar store for Hacker News
// items (spec.md §4.1). Items land in timestamped incremental Parquet
// files; Merge periodically folds consumed incrementals into a single
// main file, grounded on original_source/update_index.py's
// merge_parquet_files.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/screenager/hnsearch/internal/errs"
	"github.com/screenager/hnsearch/internal/record"
)

// Row is the on-disk Parquet schema for one item. Kind and Author are
// stored under the upstream column names "type" and "by". Pointer
// fields are nullable columns: a nil Title/Text/URL/Score round-trips
// as a Parquet null rather than a zero value.
type Row struct {
	ID      uint32  `parquet:"id"`
	Kind    string  `parquet:"type"`
	Author  string  `parquet:"by"`
	Time    uint32  `parquet:"time"`
	Title   *string `parquet:"title,optional"`
	Text    *string `parquet:"text,optional"`
	URL     *string `parquet:"url,optional"`
	Score   *uint32 `parquet:"score,optional"`
	Deleted bool    `parquet:"deleted"`
	Dead    bool    `parquet:"dead"`
}

func toRow(r record.Record) Row {
	return Row{
		ID: r.ID, Kind: string(r.Kind), Author: r.Author, Time: r.Time,
		Title: r.Title, Text: r.Text, URL: r.URL, Score: r.Score,
		Deleted: r.Deleted, Dead: r.Dead,
	}
}

func fromRow(row Row) record.Record {
	return record.Record{
		ID: row.ID, Kind: record.ParseKind(row.Kind), Author: row.Author, Time: row.Time,
		Title: row.Title, Text: row.Text, URL: row.URL, Score: row.Score,
		Deleted: row.Deleted, Dead: row.Dead,
	}
}

const (
	mainFileName       = "main.parquet"
	incrementalPrefix  = "incremental_"
	incrementalSuffix  = ".parquet"
	processedSubdir    = "processed_incremental"
	rowGroupTargetSize = 100_000
)

// Store owns the corpus directory.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir (and its
// processed_incremental subdirectory) if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, processedSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("corpus: mkdir %s: %w: %w", dir, err, errs.ErrIo)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) MainPath() string { return filepath.Join(s.dir, mainFileName) }

// NewIncrementalWriter creates a fresh incremental_<unixnano>.parquet
// file and returns a Writer appending rows to it. stamp is supplied by
// the caller (spec.md forbids using wall-clock time inside this
// package so callers can make file naming deterministic in tests).
func (s *Store) NewIncrementalWriter(stamp int64) (*Writer, error) {
	name := fmt.Sprintf("%s%d%s", incrementalPrefix, stamp, incrementalSuffix)
	path := filepath.Join(s.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("corpus: create %s: %w: %w", path, err, errs.ErrIo)
	}
	pw := parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Snappy))
	return &Writer{f: f, pw: pw, path: path}, nil
}

// Writer appends records to one incremental file.
type Writer struct {
	f    *os.File
	pw   *parquet.GenericWriter[Row]
	path string
}

func (w *Writer) Write(recs []record.Record) error {
	rows := make([]Row, len(recs))
	for i, r := range recs {
		rows[i] = toRow(r)
	}
	if _, err := w.pw.Write(rows); err != nil {
		return fmt.Errorf("corpus: write %s: %w: %w", w.path, err, errs.ErrIo)
	}
	return nil
}

// Close flushes and fsyncs the incremental file so it is durable
// before the caller records a checkpoint past these rows.
func (w *Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("corpus: close %s: %w: %w", w.path, err, errs.ErrIo)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("corpus: sync %s: %w: %w", w.path, err, errs.ErrIo)
	}
	return w.f.Close()
}

// Path reports the file this writer targets.
func (w *Writer) Path() string { return w.path }

// PendingIncrementals lists incremental_*.parquet files in the corpus
// directory, oldest first (sorted by filename, which embeds a unix
// timestamp, matching the upstream glob-then-sort ordering).
func (s *Store) PendingIncrementals() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("corpus: readdir %s: %w: %w", s.dir, err, errs.ErrIo)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, incrementalPrefix) && strings.HasSuffix(n, incrementalSuffix) {
			paths = append(paths, filepath.Join(s.dir, n))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// RowGroupReader streams rows from a Parquet file one row group at a
// time, so ingestion never has to hold an entire file in memory.
type RowGroupReader struct {
	file   *parquet.File
	f      *os.File
	groups []parquet.RowGroup
	idx    int
}

// OpenRows opens path for row-group streaming.
func OpenRows(path string) (*RowGroupReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("corpus: open %s: %w: %w", path, err, errs.ErrIo)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("corpus: stat %s: %w: %w", path, err, errs.ErrIo)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("corpus: parse %s: %w: %w", path, err, errs.ErrCorrupt)
	}
	return &RowGroupReader{file: pf, f: f, groups: pf.RowGroups()}, nil
}

// NumRowGroups reports how many row groups the file contains.
func (r *RowGroupReader) NumRowGroups() int { return len(r.groups) }

// ReadRowGroup materializes row group i as records, in file order.
func (r *RowGroupReader) ReadRowGroup(i int) ([]record.Record, error) {
	if i < 0 || i >= len(r.groups) {
		return nil, fmt.Errorf("corpus: row group %d out of range [0,%d)", i, len(r.groups))
	}
	rows := parquet.NewGenericRowGroupReader[Row](r.groups[i])
	out := make([]Row, 0, r.groups[i].NumRows())
	buf := make([]Row, 1024)
	for {
		n, err := rows.Read(buf)
		for _, row := range buf[:n] {
			out = append(out, row)
		}
		if err != nil {
			break
		}
	}
	recs := make([]record.Record, len(out))
	for j, row := range out {
		recs[j] = fromRow(row)
	}
	return recs, nil
}

// Close releases the underlying file handle.
func (r *RowGroupReader) Close() error { return r.f.Close() }

// ReadAll streams path's entire contents into memory, for use against
// incremental files (small) or in tests. Main-file consumers should
// use RowGroupReader instead.
func ReadAll(path string) ([]record.Record, error) {
	rr, err := OpenRows(path)
	if err != nil {
		return nil, err
	}
	defer rr.Close()

	var out []record.Record
	for i := 0; i < rr.NumRowGroups(); i++ {
		rows, err := rr.ReadRowGroup(i)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

// MergeResult summarizes a Merge call.
type MergeResult struct {
	RowsWritten  int
	FilesArchived []string
}

// Merge folds every pending incremental file into a new main.parquet,
// archiving each consumed incremental into processed_incremental/.
// This mirrors update_index.py's merge_parquet_files: write the
// combined rows to a temp file, back up the existing main file to
// main.parquet.bak, rename the temp file into place, then move the
// consumed incrementals aside. A crash before the final rename leaves
// the old main.parquet and the untouched incrementals in place, so a
// retried Merge is safe to re-run from scratch.
func (s *Store) Merge(incrementals []string) (MergeResult, error) {
	var rows []record.Record

	if _, err := os.Stat(s.MainPath()); err == nil {
		existing, err := ReadAll(s.MainPath())
		if err != nil {
			return MergeResult{}, fmt.Errorf("corpus: merge: read existing main: %w", err)
		}
		rows = append(rows, existing...)
	} else if !os.IsNotExist(err) {
		return MergeResult{}, fmt.Errorf("corpus: merge: stat main: %w: %w", err, errs.ErrIo)
	}

	for _, path := range incrementals {
		recs, err := ReadAll(path)
		if err != nil {
			return MergeResult{}, fmt.Errorf("corpus: merge: read %s: %w", path, err)
		}
		rows = append(rows, recs...)
	}

	tmpPath := s.MainPath() + ".tmp"
	if err := writeMain(tmpPath, rows); err != nil {
		return MergeResult{}, err
	}

	if _, err := os.Stat(s.MainPath()); err == nil {
		bakPath := s.MainPath() + ".bak"
		if err := os.Rename(s.MainPath(), bakPath); err != nil {
			os.Remove(tmpPath)
			return MergeResult{}, fmt.Errorf("corpus: merge: backup main: %w: %w", err, errs.ErrIo)
		}
	}

	if err := os.Rename(tmpPath, s.MainPath()); err != nil {
		return MergeResult{}, fmt.Errorf("corpus: merge: publish main: %w: %w", err, errs.ErrIo)
	}

	var archived []string
	for _, path := range incrementals {
		dest := filepath.Join(s.dir, processedSubdir, filepath.Base(path))
		if err := os.Rename(path, dest); err != nil {
			return MergeResult{RowsWritten: len(rows), FilesArchived: archived},
				fmt.Errorf("corpus: merge: archive %s: %w: %w", path, err, errs.ErrIo)
		}
		archived = append(archived, dest)
	}

	return MergeResult{RowsWritten: len(rows), FilesArchived: archived}, nil
}

func writeMain(path string, rows []record.Record) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("corpus: create %s: %w: %w", path, err, errs.ErrIo)
	}
	pw := parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Snappy))

	buf := make([]Row, 0, rowGroupTargetSize)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := pw.Write(buf); err != nil {
			return err
		}
		if err := pw.Flush(); err != nil {
			return err
		}
		buf = buf[:0]
		return nil
	}

	for _, r := range rows {
		buf = append(buf, toRow(r))
		if len(buf) >= rowGroupTargetSize {
			if err := flush(); err != nil {
				f.Close()
				os.Remove(path)
				return fmt.Errorf("corpus: write %s: %w: %w", path, err, errs.ErrIo)
			}
		}
	}
	if err := flush(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("corpus: write %s: %w: %w", path, err, errs.ErrIo)
	}
	if err := pw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("corpus: close %s: %w: %w", path, err, errs.ErrIo)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("corpus: sync %s: %w: %w", path, err, errs.ErrIo)
	}
	return f.Close()
}

// stampFromName extracts the unix-nanosecond stamp embedded in an
// incremental filename, used by callers that need to order files by
// creation time rather than lexical order (the two coincide for
// zero-padded stamps but callers should not assume padding).
func stampFromName(path string) (int64, error) {
	base := filepath.Base(path)
	base = strings.TrimPrefix(base, incrementalPrefix)
	base = strings.TrimSuffix(base, incrementalSuffix)
	var stamp int64
	if _, err := fmt.Sscanf(base, "%d", &stamp); err != nil {
		return 0, fmt.Errorf("corpus: bad incremental filename %s: %w", path, err)
	}
	return stamp, nil
}

// StampNow is the sole place this package would call time.Now; it is
// exposed so cmd/hnsearch can supply a real timestamp while tests
// supply deterministic ones via NewIncrementalWriter's stamp argument.
func StampNow() int64 { return time.Now().UnixNano() }
