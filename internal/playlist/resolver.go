// Package playlist selects the media playlist to download and resolves its URIs.
package playlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/agleyzer/hls2mp4/internal/fetch"
	"github.com/agleyzer/hls2mp4/internal/parser"
	"github.com/agleyzer/hls2mp4/internal/segment"
	"github.com/agleyzer/hls2mp4/internal/variant"
)

var (
	// ErrNoVariants is returned when a master playlist lists no variants.
	ErrNoVariants = errors.New("master playlist contains no variants")

	// ErrMissingBaseURL is returned when a relative URI appears in a playlist
	// that was not loaded from a network location.
	ErrMissingBaseURL = errors.New("relative URI requires a network playlist location")
)

// Media is a resolved media playlist ready for download.
type Media struct {
	// Location is where the media playlist was loaded from.
	Location string

	// Base is the directory URL of Location. Nil for local playlists.
	Base *url.URL

	// Variant is the variant chosen from a master playlist, nil when the
	// input was already a media playlist.
	Variant *variant.Variant

	// Segments are in playlist order with absolute URIs.
	Segments []segment.Segment

	// TargetDuration is the maximum segment duration in seconds
	TargetDuration int
}

// SelectBestVariant picks the variant with the largest resolution area,
// breaking ties by bandwidth. A missing resolution counts as area 0. When both
// are equal the later variant wins.
func SelectBestVariant(variants []variant.Variant) (variant.Variant, error) {
	if len(variants) == 0 {
		return variant.Variant{}, ErrNoVariants
	}

	best := variants[0]
	for _, v := range variants[1:] {
		area, bestArea := v.Area(), best.Area()
		if area > bestArea || (area == bestArea && v.Bandwidth >= best.Bandwidth) {
			best = v
		}
	}
	return best, nil
}

// BaseURL returns the directory of a playlist location: query and fragment
// stripped, path truncated after its last "/". Local paths have no base and
// yield nil.
func BaseURL(location string) (*url.URL, error) {
	if !parser.IsRemote(location) {
		return nil, nil
	}

	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid playlist URL: %w", err)
	}

	base := *u
	base.RawQuery = ""
	base.ForceQuery = false
	base.Fragment = ""
	base.RawFragment = ""

	path := base.Path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[:i+1]
	} else {
		path = "/"
	}
	base.Path = path
	base.RawPath = ""

	return &base, nil
}

// ResolveURI joins ref against base. Absolute references are returned as-is;
// a relative reference without a base fails with ErrMissingBaseURL.
func ResolveURI(base *url.URL, ref string) (string, error) {
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid URI %q: %w", ref, err)
	}

	if rel.IsAbs() {
		return rel.String(), nil
	}

	if base == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingBaseURL, ref)
	}

	return base.ResolveReference(rel).String(), nil
}

// Resolver turns a manifest location into a resolved media playlist.
type Resolver struct {
	client fetch.Getter
	logger *slog.Logger
}

// NewResolver creates a Resolver that fetches playlists with client.
func NewResolver(client fetch.Getter, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		logger: logger,
	}
}

// Resolve loads the manifest at location. A master playlist is reduced to its
// best variant, whose media playlist is then fetched. Segment URIs in the
// result are absolute.
func (r *Resolver) Resolve(ctx context.Context, location string) (*Media, error) {
	manifest, err := parser.ParsePlaylist(ctx, r.client, location)
	if err != nil {
		return nil, err
	}

	base, err := BaseURL(location)
	if err != nil {
		return nil, err
	}

	var selected *variant.Variant
	if manifest.IsMaster {
		r.logger.Info("detected master playlist", "variants", len(manifest.Variants))

		best, err := SelectBestVariant(manifest.Variants)
		if err != nil {
			return nil, err
		}
		selected = &best

		resolution := "unknown"
		if best.Resolution != nil {
			resolution = best.Resolution.String()
		}
		r.logger.Info("selected variant",
			"bandwidth", best.Bandwidth,
			"resolution", resolution,
			"uri", best.URI,
		)

		location, err = ResolveURI(base, best.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		manifest, err = parser.ParsePlaylist(ctx, r.client, location)
		if err != nil {
			return nil, fmt.Errorf("failed to load variant playlist: %w", err)
		}
		if manifest.IsMaster {
			return nil, fmt.Errorf("expected media playlist at %s, got master playlist", location)
		}

		// Segments of a variant are relative to the variant playlist itself.
		base, err = BaseURL(location)
		if err != nil {
			return nil, err
		}
	}

	segments := make([]segment.Segment, len(manifest.Segments))
	for i, seg := range manifest.Segments {
		uri, err := ResolveURI(base, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment %d URL: %w", i, err)
		}
		seg.URI = uri
		seg.Index = i
		segments[i] = seg
	}

	r.logger.Info("resolved media playlist",
		"segments", len(segments),
		"targetDuration", manifest.TargetDuration,
	)

	return &Media{
		Location:       location,
		Base:           base,
		Variant:        selected,
		Segments:       segments,
		TargetDuration: manifest.TargetDuration,
	}, nil
}
