package yjsprovider

import "strings"

// Offset is an opaque position token in a durable stream.
//
// Offsets are never parsed or compared structurally; the only operations
// a caller may perform on one are equality checks and the sentinel tests
// below. The three well-known literals come straight off the wire
// protocol; everything else (including `<N>_snapshot` tokens and other
// server-issued opaque strings) passes through unexamined.
type Offset string

const (
	// OffsetBeginning reads from the start of the stream.
	OffsetBeginning Offset = "-1"

	// OffsetNow skips history and starts tailing at the current tail.
	OffsetNow Offset = "now"

	// OffsetSnapshot is the sentinel a server resolves via a 307 redirect
	// to either a concrete `<N>_snapshot` token or OffsetBeginning.
	OffsetSnapshot Offset = "snapshot"
)

// String returns the offset's wire representation.
func (o Offset) String() string {
	return string(o)
}

// IsBeginning reports whether this offset represents the start of the
// stream. The empty offset is treated as equivalent to OffsetBeginning.
func (o Offset) IsBeginning() bool {
	return o == OffsetBeginning || o == ""
}

// IsSnapshotToken reports whether this offset identifies a snapshot body
// (`<N>_snapshot`) as opposed to a plain stream position.
func (o Offset) IsSnapshotToken() bool {
	return strings.HasSuffix(string(o), "_snapshot")
}
