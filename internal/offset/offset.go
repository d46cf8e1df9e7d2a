// Package offset implements the lexicographically sortable stream offset
// format used throughout the stream engine: PAD16(readSeq)_PAD16(byteOffset).
package offset

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset locates a position within a single stream incarnation. ReadSeq is
// bumped on every resurrection so offsets from an old incarnation never
// compare greater than offsets from the new one (§3 Invariant).
type Offset struct {
	ReadSeq    uint64
	ByteOffset uint64
}

// Zero is the starting offset for a freshly created stream. A resurrected
// stream starts at AtIncarnation of its bumped ReadSeq instead.
var Zero = Offset{}

// String renders the offset as "%016d_%016d", which sorts lexicographically
// in the same order as the logical (ReadSeq, ByteOffset) order.
func (o Offset) String() string {
	return fmt.Sprintf("%016d_%016d", o.ReadSeq, o.ByteOffset)
}

// IsZero reports whether this is the start-of-stream offset.
func (o Offset) IsZero() bool {
	return o.ReadSeq == 0 && o.ByteOffset == 0
}

// Add returns the offset advanced by n bytes within the same incarnation.
func (o Offset) Add(n uint64) Offset {
	return Offset{ReadSeq: o.ReadSeq, ByteOffset: o.ByteOffset + n}
}

// AtIncarnation returns the zero offset for a new incarnation (readSeq).
func AtIncarnation(readSeq uint64) Offset {
	return Offset{ReadSeq: readSeq}
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b.
func Compare(a, b Offset) int {
	switch {
	case a.ReadSeq != b.ReadSeq:
		if a.ReadSeq < b.ReadSeq {
			return -1
		}
		return 1
	case a.ByteOffset != b.ByteOffset:
		if a.ByteOffset < b.ByteOffset {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (o Offset) LessThan(other Offset) bool         { return Compare(o, other) < 0 }
func (o Offset) LessThanOrEqual(other Offset) bool  { return Compare(o, other) <= 0 }
func (o Offset) Equal(other Offset) bool            { return Compare(o, other) == 0 }
func (o Offset) GreaterThan(other Offset) bool      { return Compare(o, other) > 0 }

// Sentinels accepted on the wire in place of a literal offset string.
const (
	SentinelFromBeginning = "-1"
	SentinelNow           = "now"
)

// Parse parses an offset string, honoring the "-1" (from beginning) and
// "now" sentinels. tail is consulted only for the "now" sentinel.
func Parse(s string, tail Offset) (Offset, error) {
	switch s {
	case "":
		return Zero, nil
	case SentinelFromBeginning:
		return Zero, nil
	case SentinelNow:
		return tail, nil
	}

	if !isValidFormat(s) {
		return Offset{}, fmt.Errorf("invalid offset format: must be 'digits_digits', -1, or now")
	}

	parts := strings.SplitN(s, "_", 2)
	readSeq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: readSeq not a number: %w", err)
	}
	byteOffset, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("invalid offset: byteOffset not a number: %w", err)
	}
	return Offset{ReadSeq: readSeq, ByteOffset: byteOffset}, nil
}

// isValidFormat enforces "digits_digits" with exactly one underscore, never
// at the start or end — rejects anything that isn't a well-formed offset
// before it reaches strconv.
func isValidFormat(s string) bool {
	if len(s) < 3 {
		return false
	}
	underscores, pos := 0, -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
			underscores++
			pos = i
			if underscores > 1 {
				return false
			}
		case c < '0' || c > '9':
			return false
		}
	}
	return underscores == 1 && pos > 0 && pos < len(s)-1
}
