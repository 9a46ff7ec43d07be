// Package vectorstore owns the on-disk (ids[], vecs[]) arrays for both
// ANN tiers (spec.md §4.4). Every write goes through a temp file and an
// atomic rename so a crash mid-write never leaves a partially-written
// canonical file observable to a reader.
package vectorstore

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/screenager/hnsearch/internal/errs"
)

// Tier identifies which of the two ANN tiers a file pair belongs to.
type Tier int

const (
	Main Tier = iota
	Incremental
)

func (t Tier) String() string {
	if t == Main {
		return "main"
	}
	return "incremental"
}

func (t Tier) idsFile() string  { return t.String() + "_ids.bin" }
func (t Tier) vecsFile() string { return t.String() + "_vecs.bin" }

// magic identifies vectorstore binary files; version allows format
// evolution without breaking old stores silently.
var magic = [4]byte{'H', 'N', 'V', 'S'}

const formatVersion = uint16(1)

// Store owns a directory holding the four tier files (two tiers × two
// arrays each).
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: mkdir %s: %w: %w", dir, err, errs.ErrIo)
	}
	return &Store{dir: dir}, nil
}

// Load reads the (ids, vecs) pair for tier. A missing file pair is not
// an error: it returns empty slices, matching a freshly initialised
// store.
func (s *Store) Load(tier Tier) ([]uint32, [][]float32, error) {
	idsPath := filepath.Join(s.dir, tier.idsFile())
	vecsPath := filepath.Join(s.dir, tier.vecsFile())

	ids, err := readIDs(idsPath)
	if os.IsNotExist(err) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("vectorstore: read %s: %w: %w", idsPath, err, errs.ErrIo)
	}

	vecs, err := readVecs(vecsPath)
	if os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("vectorstore: %s present without %s: %w", idsPath, vecsPath, errCorruptPair)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("vectorstore: read %s: %w: %w", vecsPath, err, errs.ErrIo)
	}

	if len(ids) != len(vecs) {
		return nil, nil, fmt.Errorf("vectorstore: %s tier length mismatch: %d ids vs %d vecs: %w",
			tier, len(ids), len(vecs), errCorruptPair)
	}
	return ids, vecs, nil
}

// Append concatenates newIDs/newVecs onto the tier's existing arrays
// and publishes the result atomically: both files are written to
// temporaries first, then renamed into place ids-before-vecs. A crash
// between the two renames is detected on the next Load as a length
// mismatch (treated as Corrupt, never silently accepted) rather than
// silently corrupting the tier.
func (s *Store) Append(tier Tier, newIDs []uint32, newVecs [][]float32) error {
	if len(newIDs) != len(newVecs) {
		return fmt.Errorf("vectorstore: append: %d ids vs %d vecs: %w", len(newIDs), len(newVecs), errCorruptPair)
	}
	if len(newIDs) == 0 {
		return nil
	}

	ids, vecs, err := s.Load(tier)
	if err != nil {
		return err
	}
	ids = append(ids, newIDs...)
	vecs = append(vecs, newVecs...)

	idsPath := filepath.Join(s.dir, tier.idsFile())
	vecsPath := filepath.Join(s.dir, tier.vecsFile())

	if err := writeIDsAtomic(idsPath, ids); err != nil {
		return fmt.Errorf("vectorstore: write %s: %w: %w", idsPath, err, errs.ErrIo)
	}
	if err := writeVecsAtomic(vecsPath, vecs); err != nil {
		return fmt.Errorf("vectorstore: write %s: %w: %w", vecsPath, err, errs.ErrIo)
	}
	return nil
}

// Clear removes both files for tier (spec.md invariant 5, post-merge).
func (s *Store) Clear(tier Tier) error {
	for _, name := range []string{tier.idsFile(), tier.vecsFile()} {
		p := filepath.Join(s.dir, name)
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("vectorstore: remove %s: %w: %w", p, err, errs.ErrIo)
		}
	}
	return nil
}

// errCorruptPair is wrapped into the errors this package returns when
// the ids/vecs arrays for a tier are inconsistent.
var errCorruptPair = fmt.Errorf("vectorstore: ids/vecs length mismatch: %w", errs.ErrCorrupt)

// --- binary framing, in the style of internal/hnsw/persist.go ---

func writeIDsAtomic(path string, ids []uint32) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := &binaryWriter{w: f}
	w.write(magic)
	w.writeU16(formatVersion)
	w.writeU32(uint32(len(ids)))
	for _, id := range ids {
		w.writeU32(id)
	}
	if w.err == nil {
		w.err = f.Sync()
	}
	if cerr := f.Close(); w.err == nil {
		w.err = cerr
	}
	if w.err != nil {
		os.Remove(tmp)
		return w.err
	}
	return os.Rename(tmp, path)
}

func readIDs(path string) ([]uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := &binaryReader{r: f}
	var got [4]byte
	r.read(&got)
	if r.err == nil && got != magic {
		return nil, fmt.Errorf("%s: bad magic: %w", path, errCorruptPair)
	}
	version := r.readU16()
	if r.err == nil && version != formatVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", path, version)
	}
	n := r.readU32()
	if r.err != nil {
		return nil, r.err
	}
	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = r.readU32()
	}
	return ids, r.err
}

func writeVecsAtomic(path string, vecs [][]float32) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := &binaryWriter{w: f}
	w.write(magic)
	w.writeU16(formatVersion)
	w.writeU32(uint32(len(vecs)))
	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	w.writeU32(uint32(dim))
	for _, v := range vecs {
		if len(v) != dim {
			w.err = fmt.Errorf("ragged vector row: got %d want %d", len(v), dim)
			break
		}
		for _, x := range v {
			w.writeF32(x)
		}
	}
	if w.err == nil {
		w.err = f.Sync()
	}
	if cerr := f.Close(); w.err == nil {
		w.err = cerr
	}
	if w.err != nil {
		os.Remove(tmp)
		return w.err
	}
	return os.Rename(tmp, path)
}

func readVecs(path string) ([][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := &binaryReader{r: f}
	var got [4]byte
	r.read(&got)
	if r.err == nil && got != magic {
		return nil, fmt.Errorf("%s: bad magic: %w", path, errCorruptPair)
	}
	version := r.readU16()
	if r.err == nil && version != formatVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", path, version)
	}
	n := r.readU32()
	dim := r.readU32()
	if r.err != nil {
		return nil, r.err
	}
	vecs := make([][]float32, n)
	for i := range vecs {
		v := make([]float32, dim)
		for j := range v {
			v[j] = r.readF32()
		}
		vecs[i] = v
	}
	return vecs, r.err
}

type binaryWriter struct {
	w   io.Writer
	err error
}

func (bw *binaryWriter) write(v interface{}) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}
func (bw *binaryWriter) writeU16(v uint16)  { bw.write(v) }
func (bw *binaryWriter) writeU32(v uint32)  { bw.write(v) }
func (bw *binaryWriter) writeF32(v float32) { bw.write(v) }

type binaryReader struct {
	r   io.Reader
	err error
}

func (br *binaryReader) read(v interface{}) {
	if br.err != nil {
		return
	}
	br.err = binary.Read(br.r, binary.LittleEndian, v)
}
func (br *binaryReader) readU16() uint16 {
	var v uint16
	br.read(&v)
	return v
}
func (br *binaryReader) readU32() uint32 {
	var v uint32
	br.read(&v)
	return v
}
func (br *binaryReader) readF32() float32 {
	var v float32
	br.read(&v)
	return v
}
