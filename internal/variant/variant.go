// Package variant defines data structures for HLS variant streams in master playlists.
package variant

import (
	"fmt"
	"strconv"
	"strings"
)

// Resolution is a video frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

// Area returns width*height.
func (r Resolution) Area() int {
	return r.Width * r.Height
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution parses a RESOLUTION attribute such as "1920x1080".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil || width < 0 {
		return Resolution{}, fmt.Errorf("invalid resolution width %q", s)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height < 0 {
		return Resolution{}, fmt.Errorf("invalid resolution height %q", s)
	}
	return Resolution{Width: width, Height: height}, nil
}

// Variant represents a single variant stream in an HLS master playlist.
// Each variant typically represents a different quality level (bitrate/resolution).
// It is used for selection only and never fetched as media itself.
type Variant struct {
	// URI is the variant's media playlist location, relative or absolute.
	URI string

	// Bandwidth is the peak segment bitrate in bits per second
	Bandwidth int

	// Resolution is the video resolution. Nil if not specified in the master playlist.
	Resolution *Resolution

	// Codecs is the codec string (e.g., "avc1.4d401f,mp4a.40.2")
	// Empty string if not specified in master playlist
	Codecs string
}

// Area returns the resolution area, or 0 when no resolution was given.
func (v Variant) Area() int {
	if v.Resolution == nil {
		return 0
	}
	return v.Resolution.Area()
}
