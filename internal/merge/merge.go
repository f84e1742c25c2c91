// Package merge concatenates stored segments into one stream in index order.
package merge

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// ErrMissingSegmentData is returned when a segment expected in the store is
// absent at merge time.
var ErrMissingSegmentData = errors.New("missing segment data")

// Store gives read and delete access to stored segments by index.
type Store interface {
	OpenSegment(index int) (io.ReadCloser, error)
	RemoveSegment(index int) error
}

// Merge appends segments 0..total-1 to sink in ascending index order and
// returns the number of bytes written. Each segment is removed from the store
// once appended unless keep is set.
func Merge(total int, store Store, sink io.Writer, keep bool) (int64, error) {
	var written int64
	for i := 0; i < total; i++ {
		n, err := appendAndCleanup(i, store, sink, keep)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// ToFile merges into a newly created file at path. A partially written file
// is removed on failure.
func ToFile(total int, store Store, path string, keep bool) (int64, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create merged output: %w", err)
	}

	n, err := Merge(total, store, out, keep)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close merged output: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
		return n, err
	}
	return n, nil
}

func appendAndCleanup(index int, store Store, sink io.Writer, keep bool) (int64, error) {
	src, err := store.OpenSegment(index)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("%w: segment %d", ErrMissingSegmentData, index)
		}
		return 0, fmt.Errorf("open segment %d: %w", index, err)
	}

	n, err := io.Copy(sink, src)
	src.Close()
	if err != nil {
		return n, fmt.Errorf("append segment %d: %w", index, err)
	}

	if keep {
		return n, nil
	}
	if err := store.RemoveSegment(index); err != nil {
		return n, fmt.Errorf("remove segment %d: %w", index, err)
	}
	return n, nil
}
