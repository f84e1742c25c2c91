// Package parser provides HLS manifest acquisition and decoding.
package parser

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/agleyzer/hls2mp4/internal/fetch"
	"github.com/agleyzer/hls2mp4/internal/segment"
	"github.com/agleyzer/hls2mp4/internal/variant"
	"github.com/grafov/m3u8"
)

// Manifest contains the decoded playlist.
// Exactly one of Variants (master playlist) or Segments (media playlist) is populated,
// as indicated by IsMaster. URIs are kept as they appear in the source.
type Manifest struct {
	// IsMaster indicates whether this is a master playlist with multiple variants
	IsMaster bool

	// Variants contains the variant streams (only populated for master playlists)
	Variants []variant.Variant

	// Segments contains the ordered segments (only populated for media playlists)
	Segments []segment.Segment

	// TargetDuration is the maximum segment duration in seconds (media playlists)
	TargetDuration int

	// MediaSequence is the EXT-X-MEDIA-SEQUENCE of the first segment (media playlists)
	MediaSequence uint64
}

// IsRemote reports whether location is fetched over HTTP rather than read from disk.
func IsRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Load returns the raw manifest bytes at location: an HTTP(S) URL fetched with
// client, or a local file path read from disk.
func Load(ctx context.Context, client fetch.Getter, location string) ([]byte, error) {
	if IsRemote(location) {
		data, err := client.Get(ctx, location)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch playlist: %w", err)
		}
		return data, nil
	}

	data, err := os.ReadFile(location)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}
	return data, nil
}

// ParsePlaylist loads and decodes the manifest at location.
func ParsePlaylist(ctx context.Context, client fetch.Getter, location string) (*Manifest, error) {
	data, err := Load(ctx, client, location)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data))
}

// Decode parses an m3u8 document into a Manifest.
func Decode(r io.Reader) (*Manifest, error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("unexpected playlist type")
		}
		return decodeMaster(master)
	case m3u8.MEDIA:
		media, ok := playlist.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, fmt.Errorf("unexpected playlist type")
		}
		return decodeMedia(media)
	default:
		return nil, fmt.Errorf("unknown playlist type")
	}
}

// decodeMaster extracts variant information. Variants are not fetched here.
func decodeMaster(master *m3u8.MasterPlaylist) (*Manifest, error) {
	var variants []variant.Variant
	for i, v := range master.Variants {
		if v == nil {
			continue
		}

		var resolution *variant.Resolution
		if v.Resolution != "" {
			res, err := variant.ParseResolution(v.Resolution)
			if err != nil {
				return nil, fmt.Errorf("variant %d: %w", i, err)
			}
			resolution = &res
		}

		variants = append(variants, variant.Variant{
			URI:        v.URI,
			Bandwidth:  int(v.Bandwidth),
			Resolution: resolution,
			Codecs:     v.Codecs,
		})
	}

	return &Manifest{
		IsMaster: true,
		Variants: variants,
	}, nil
}

func decodeMedia(media *m3u8.MediaPlaylist) (*Manifest, error) {
	var segments []segment.Segment
	for i, seg := range media.Segments {
		if seg == nil {
			break
		}

		// m3u8 attaches each EXT-X-KEY to the segment that follows it.
		segments = append(segments, segment.Segment{
			Index:    i,
			URI:      seg.URI,
			Duration: seg.Duration,
			Key:      convertKey(seg.Key),
		})
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}

	targetDuration := int(media.TargetDuration)
	if targetDuration == 0 {
		// If target duration is not set, use the max segment duration
		maxDuration := 0.0
		for _, seg := range segments {
			if seg.Duration > maxDuration {
				maxDuration = seg.Duration
			}
		}
		targetDuration = int(maxDuration) + 1
	}

	return &Manifest{
		IsMaster:       false,
		Segments:       segments,
		TargetDuration: targetDuration,
		MediaSequence:  media.SeqNo,
	}, nil
}

func convertKey(k *m3u8.Key) *segment.Key {
	if k == nil {
		return nil
	}
	return &segment.Key{
		Method: k.Method,
		URI:    k.URI,
		IV:     k.IV,
	}
}
