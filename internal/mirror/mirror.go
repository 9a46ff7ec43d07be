// Package mirror keeps a SQLite relational mirror of every Hacker News
// item, used for id/kind-filtered hydration of search results
// (spec.md §4.2). It is grounded on the metadata store pattern in
// ihavespoons-zrok/internal/vectordb/sqlite.go, adapted from a
// code-chunk schema to the Hacker News item schema.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/screenager/hnsearch/internal/corpus"
	"github.com/screenager/hnsearch/internal/errs"
	"github.com/screenager/hnsearch/internal/record"
)

// Store is the SQLite-backed relational mirror.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the mirror database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mirror: mkdir %s: %w: %w", dir, err, errs.ErrIo)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("mirror: open %s: %w: %w", path, err, errs.ErrIo)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one *DB

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS records (
			id      INTEGER PRIMARY KEY,
			kind    TEXT NOT NULL,
			author  TEXT NOT NULL,
			time    INTEGER NOT NULL,
			title   TEXT,
			text    TEXT,
			url     TEXT,
			score   INTEGER,
			deleted INTEGER NOT NULL DEFAULT 0,
			dead    INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);
		CREATE INDEX IF NOT EXISTS idx_records_time ON records(time);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("mirror: create schema: %w: %w", err, errs.ErrIo)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts r if absent; an existing row for the same id is left
// untouched (INSERT OR IGNORE), since the upstream HN API dataset is
// immutable once an item's initial snapshot is captured and
// spec.md §4.6 defines skip-on-seen semantics at the ingestion layer,
// not last-write-wins here.
func (s *Store) Upsert(ctx context.Context, r record.Record) error {
	return s.BulkUpsert(ctx, []record.Record{r})
}

// BulkUpsert upserts many records inside one transaction, the
// relational-mirror analogue of corpus.Writer batching.
func (s *Store) BulkUpsert(ctx context.Context, recs []record.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mirror: begin tx: %w: %w", err, errs.ErrIo)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO records
		(id, kind, author, time, title, text, url, score, deleted, dead)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("mirror: prepare upsert: %w: %w", err, errs.ErrIo)
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx,
			r.ID, string(r.Kind), r.Author, r.Time,
			r.Title, r.Text, r.URL, r.Score,
			boolToInt(r.Deleted), boolToInt(r.Dead),
		); err != nil {
			return fmt.Errorf("mirror: upsert id %d: %w: %w", r.ID, err, errs.ErrIo)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mirror: commit: %w: %w", err, errs.ErrIo)
	}
	return nil
}

// BulkCreate populates the mirror from the corpus's main columnar
// file, streaming it row group by row group so a large archive doesn't
// need to fit in memory at once. Intended for the recovery path where
// mirror.db is missing or empty but main.parquet already holds data —
// callers decide when that condition applies and call this before
// relying on Hydrate. Soft-deleted (deleted or dead) rows are skipped.
// Rows already present are left untouched, so it is safe to call on a
// partially populated mirror too.
func (s *Store) BulkCreate(ctx context.Context, corpusPath string) error {
	rr, err := corpus.OpenRows(corpusPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("mirror: bulk create: open %s: %w", corpusPath, err)
	}
	defer rr.Close()

	for i := 0; i < rr.NumRowGroups(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := rr.ReadRowGroup(i)
		if err != nil {
			return fmt.Errorf("mirror: bulk create: read row group %d of %s: %w: %w", i, corpusPath, err, errs.ErrCorrupt)
		}
		live := rows[:0]
		for _, r := range rows {
			if r.Live() {
				live = append(live, r)
			}
		}
		if err := s.BulkUpsert(ctx, live); err != nil {
			return fmt.Errorf("mirror: bulk create: %w", err)
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get retrieves a single record by id.
func (s *Store) Get(ctx context.Context, id uint32) (record.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, author, time, title, text, url, score, deleted, dead
		FROM records WHERE id = ?
	`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return record.Record{}, false, nil
	}
	if err != nil {
		return record.Record{}, false, fmt.Errorf("mirror: get %d: %w: %w", id, err, errs.ErrIo)
	}
	return r, true, nil
}

// Hydrate returns the records for ids, in no particular order — callers
// that need result-rank order (spec.md §4.7) must reorder by id
// themselves, matching semantic_search.py's
// "reorder to match original ranking" step. An optional kindFilter
// restricts the rows returned; pass "" for no filter.
func (s *Store) Hydrate(ctx context.Context, ids []uint32, kindFilter record.Kind) (map[uint32]record.Record, error) {
	if len(ids) == 0 {
		return map[uint32]record.Record{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT id, kind, author, time, title, text, url, score, deleted, dead
		FROM records WHERE id IN (%s)
	`, strings.Join(placeholders, ","))
	if kindFilter != "" {
		query += " AND kind = ?"
		args = append(args, string(kindFilter))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mirror: hydrate: %w: %w", err, errs.ErrIo)
	}
	defer rows.Close()

	out := make(map[uint32]record.Record, len(ids))
	for rows.Next() {
		r, err := scanRecordRow(rows)
		if err != nil {
			return nil, fmt.Errorf("mirror: hydrate scan: %w: %w", err, errs.ErrCorrupt)
		}
		out[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("mirror: hydrate: %w: %w", err, errs.ErrIo)
	}
	return out, nil
}

// Count returns the total number of rows, optionally filtered by kind.
func (s *Store) Count(ctx context.Context, kindFilter record.Kind) (int, error) {
	query := "SELECT COUNT(*) FROM records"
	args := []any{}
	if kindFilter != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kindFilter))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("mirror: count: %w: %w", err, errs.ErrIo)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (record.Record, error) {
	return scanRecordRow(row)
}

func scanRecordRow(row scanner) (record.Record, error) {
	var (
		r              record.Record
		kind           string
		title, text, u sql.NullString
		score          sql.NullInt64
		deleted, dead  int
	)
	if err := row.Scan(&r.ID, &kind, &r.Author, &r.Time, &title, &text, &u, &score, &deleted, &dead); err != nil {
		return record.Record{}, err
	}
	r.Kind = record.ParseKind(kind)
	if title.Valid {
		v := title.String
		r.Title = &v
	}
	if text.Valid {
		v := text.String
		r.Text = &v
	}
	if u.Valid {
		v := u.String
		r.URL = &v
	}
	if score.Valid {
		v := uint32(score.Int64)
		r.Score = &v
	}
	r.Deleted = deleted != 0
	r.Dead = dead != 0
	return r, nil
}
