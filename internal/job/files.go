package job

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// partialPath names the in-progress file for dst. The extension is kept last
// so ffmpeg still picks the muxer from it: movie.mp4 -> movie.part.mp4.
func partialPath(dst string) string {
	ext := filepath.Ext(dst)
	return strings.TrimSuffix(dst, ext) + ".part" + ext
}

// placeFile puts src at dst. src is kept when keep is set, otherwise it is
// renamed, falling back to a copy when the two are on different devices.
func placeFile(src, dst string, keep bool) error {
	if !keep {
		if err := os.Rename(src, dst); err == nil {
			return nil
		}
	}

	partial := partialPath(dst)
	if err := copyFile(src, partial); err != nil {
		os.Remove(partial)
		return err
	}
	if err := os.Rename(partial, dst); err != nil {
		os.Remove(partial)
		return err
	}
	if !keep {
		return os.Remove(src)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
