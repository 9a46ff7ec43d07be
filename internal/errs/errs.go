// Package errs defines the sentinel error kinds shared across
// hnsearch's components. Callers wrap one of these with fmt.Errorf's
// %w verb and distinguish failure modes with errors.Is rather than by
// matching on message text.
package errs

import "errors"

var (
	// ErrIo covers filesystem and database I/O failures: a missing
	// directory, a truncated read, a failed write.
	ErrIo = errors.New("io error")
	// ErrCorrupt covers malformed on-disk data: a record that doesn't
	// parse, or ids/vectors whose lengths don't line up.
	ErrCorrupt = errors.New("corrupt data")
	// ErrEmbed covers embedding-model failures: tokenizer or ONNX
	// runtime errors.
	ErrEmbed = errors.New("embedding error")
	// ErrIndex covers ANN backend failures during search or add.
	ErrIndex = errors.New("index error")
	// ErrNotReady covers operations attempted before an index has been
	// trained or built.
	ErrNotReady = errors.New("not ready")
	// ErrBadInput covers caller-supplied arguments that are invalid on
	// their face, such as an empty query or a non-positive limit.
	ErrBadInput = errors.New("bad input")
)
