// Package workspace manages the per-job temporary store: one file per segment
// keyed by its index, plus the merged transport stream handed to the transcoder.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/segmentio/ksuid"
)

const mergedName = "merged.ts"

// Workspace is a job-exclusive directory under a shared temp root.
type Workspace struct {
	ID  string
	Dir string
}

// New creates a fresh workspace directory named by a new job ID under root.
func New(root string) (*Workspace, error) {
	return Open(root, ksuid.New().String())
}

// Open creates (or reuses) the workspace for an existing job ID.
func Open(root, id string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	return &Workspace{ID: id, Dir: dir}, nil
}

// SegmentPath returns the temporary store location for a segment index.
func (w *Workspace) SegmentPath(index int) string {
	return filepath.Join(w.Dir, fmt.Sprintf("seg_%05d.ts", index))
}

// MergedPath returns the location of the merged transport stream.
func (w *Workspace) MergedPath() string {
	return filepath.Join(w.Dir, mergedName)
}

// WriteSegment persists a segment's plaintext. The data is written to a
// scratch file and renamed into place, so a segment path only ever holds
// complete data.
func (w *Workspace) WriteSegment(index int, data []byte) error {
	tmp, err := os.CreateTemp(w.Dir, fmt.Sprintf("seg_%05d_*.part", index))
	if err != nil {
		return fmt.Errorf("segment %d: %w", index, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("segment %d: write: %w", index, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("segment %d: close: %w", index, err)
	}

	if err := os.Rename(tmpPath, w.SegmentPath(index)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("segment %d: rename: %w", index, err)
	}
	return nil
}

// OpenSegment opens a persisted segment for reading. A segment that was never
// written yields an error matching fs.ErrNotExist.
func (w *Workspace) OpenSegment(index int) (io.ReadCloser, error) {
	return os.Open(w.SegmentPath(index))
}

// RemoveSegment deletes a persisted segment.
func (w *Workspace) RemoveSegment(index int) error {
	return os.Remove(w.SegmentPath(index))
}

// Remove deletes the workspace and everything in it.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}
