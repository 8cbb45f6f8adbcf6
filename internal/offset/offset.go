// Package offset implements the opaque stream offset tokens used by the
// durable streams protocol.
//
// An offset addresses a position in a stream's logical byte sequence.
// Canonical form: "0000000000000000_0000000000000000", two 16-digit
// zero-padded decimals (read sequence, byte offset). The zero padding makes
// lexicographic string order identical to numeric order, so clients may
// compare offsets without parsing them.
package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// Sentinel values accepted in the offset position of a request.
const (
	// SentinelStart requests reading from the beginning of the stream.
	SentinelStart = "-1"

	// SentinelNow requests the stream's tail at the moment of the call.
	SentinelNow = "now"
)

// Offset is a position within a stream.
type Offset struct {
	ReadSeq    uint64 // segment counter, reserved for retention; currently always 0
	ByteOffset uint64 // cumulative logical payload bytes (framing excluded)
}

// Zero is the starting offset of a new stream.
var Zero = Offset{}

// String formats the offset in its canonical, lexicographically sortable form.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether this is the stream-start offset.
func (o Offset) IsZero() bool {
	return o.ReadSeq == 0 && o.ByteOffset == 0
}

// Add returns the offset advanced by the given number of logical bytes.
func (o Offset) Add(n uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + n}
}

// Compare returns -1, 0 or 1 as a is less than, equal to or greater than b.
func Compare(a, b Offset) int {
	if a.ReadSeq != b.ReadSeq {
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	}
	if a.ByteOffset != b.ByteOffset {
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether o sorts before other.
func (o Offset) Less(other Offset) bool { return Compare(o, other) < 0 }

// Equal reports whether the two offsets are identical.
func (o Offset) Equal(other Offset) bool { return Compare(o, other) == 0 }

// Parse parses a concrete offset string. The empty string and SentinelStart
// both map to Zero. SentinelNow is rejected here: it cannot be resolved
// without the stream's live tail, so callers handle it via Normalize.
func Parse(s string) (Offset, error) {
	if s == "" || s == SentinelStart {
		return Zero, nil
	}
	if !wellFormed(s) {
		return Offset{}, fmt.Errorf("invalid offset %q: want digits_digits", s)
	}
	sep := strings.IndexByte(s, '_')
	readSeq, err := strconv.ParseUint(s[:sep], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	byteOffset, err := strconv.ParseUint(s[sep+1:], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// Normalize resolves the request form of an offset. It returns the parsed
// offset, or isNow=true when the caller must substitute the stream's current
// tail. Empty strings and SentinelStart normalize to Zero.
func Normalize(s string) (o Offset, isNow bool, err error) {
	if s == SentinelNow {
		return Zero, true, nil
	}
	o, err = Parse(s)
	return o, false, err
}

// Valid reports whether s is an acceptable request offset: one of the
// sentinels or a well-formed digits_digits pair.
func Valid(s string) bool {
	if s == SentinelStart || s == SentinelNow {
		return true
	}
	return wellFormed(s)
}

// wellFormed checks the digits_digits shape: one or more digits, exactly one
// underscore not at either end, nothing else. Strictness here is what keeps
// offsets safe to echo into headers and file names.
func wellFormed(s string) bool {
	if len(s) < 3 {
		return false
	}
	sep := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '_' {
			if sep >= 0 {
				return false
			}
			sep = i
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
	}
	return sep > 0 && sep < len(s)-1
}
