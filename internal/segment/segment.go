// Package segment defines data structures for HLS media segments.
package segment

// Segment represents a single HLS media segment.
type Segment struct {
	// Index is the zero-based position in the media playlist. It defines the
	// final byte order of the merged stream.
	Index int

	// URI is the segment location. Absolute once the playlist has been resolved.
	URI string

	// Duration is the segment duration in seconds
	Duration float64

	// Key is the encryption key reference attached to this segment, if any.
	// Only the first segment's reference is used to decrypt the whole stream.
	Key *Key
}

// Key is the EXT-X-KEY metadata a segment refers to.
type Key struct {
	// Method is the encryption method, e.g. "AES-128" or "NONE".
	Method string

	// URI is the key location, relative or absolute.
	URI string

	// IV is the initialization vector as a hex string, optionally prefixed with "0x".
	IV string
}

// Encrypted reports whether k describes an actual encryption method.
func (k *Key) Encrypted() bool {
	return k != nil && k.Method != "" && k.Method != "NONE"
}
