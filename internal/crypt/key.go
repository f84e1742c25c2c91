package crypt

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/agleyzer/hls2mp4/internal/fetch"
	"github.com/agleyzer/hls2mp4/internal/playlist"
	"github.com/agleyzer/hls2mp4/internal/segment"
)

// MethodAES128 is the only segment encryption method supported.
const MethodAES128 = "AES-128"

var (
	// ErrIVFormat is returned for an IV that is missing, not hex, or not 16 bytes.
	ErrIVFormat = errors.New("invalid IV")

	// ErrUnsupportedMethod is returned for encryption methods other than AES-128.
	ErrUnsupportedMethod = errors.New("unsupported encryption method")
)

// KeyFetchError reports a failure to retrieve the key from its URI.
type KeyFetchError struct {
	URI string
	Err error
}

func (e *KeyFetchError) Error() string {
	return fmt.Sprintf("fetch key %s: %v", e.URI, e.Err)
}

func (e *KeyFetchError) Unwrap() error {
	return e.Err
}

// ResolveKey inspects the first segment's key reference and, when it names
// AES-128, fetches the key once and decodes its IV. It returns nil when the
// stream is unencrypted.
func ResolveKey(ctx context.Context, client fetch.Getter, segments []segment.Segment, base *url.URL) (*Key, error) {
	if len(segments) == 0 {
		return nil, nil
	}

	ref := segments[0].Key
	if !ref.Encrypted() {
		return nil, nil
	}
	if !strings.EqualFold(ref.Method, MethodAES128) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, ref.Method)
	}

	iv, err := ParseIV(ref.IV)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(ref.URI) == "" {
		return nil, &KeyFetchError{URI: ref.URI, Err: errors.New("key has no URI")}
	}

	keyURL, err := playlist.ResolveURI(base, ref.URI)
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, keyURL)
	if err != nil {
		return nil, &KeyFetchError{URI: keyURL, Err: err}
	}

	return NewKey(keyURL, data, iv)
}

// ParseIV decodes a hexadecimal IV with an optional "0x" prefix into exactly 16 bytes.
func ParseIV(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: missing", ErrIVFormat)
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
	}

	iv, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIVFormat, err)
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrIVFormat, BlockSize, len(iv))
	}
	return iv, nil
}

// FirstRotation returns the index of the first segment whose key reference
// differs from the first segment's, or -1 when all segments share it.
// Segments without their own reference inherit the previous one.
func FirstRotation(segments []segment.Segment) int {
	if len(segments) == 0 {
		return -1
	}

	first := segments[0].Key
	for i := 1; i < len(segments); i++ {
		k := segments[i].Key
		if k == nil {
			continue
		}
		if first == nil {
			if k.Encrypted() {
				return i
			}
			continue
		}
		if k.Method != first.Method || k.URI != first.URI || k.IV != first.IV {
			return i
		}
	}
	return -1
}
