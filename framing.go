package yjsprovider

import "encoding/binary"

// FrameUpdate prepends an unsigned varint length prefix to update, using
// the same base-128 continuation encoding as Protocol Buffers' wire
// format. Concatenating several framed updates produces a byte string
// that is itself valid framed data — this is what lets the producer
// merge many pending updates into a single HTTP body (§4.A, §4.C).
func FrameUpdate(update []byte) []byte {
	framed := make([]byte, binary.MaxVarintLen64+len(update))
	n := binary.PutUvarint(framed, uint64(len(update)))
	return append(framed[:n], update...)
}

// ParseFrames splits a complete byte string of concatenated framed
// updates back into the individual updates. It is used against whole,
// already-buffered long-poll response bodies, so unlike a live decoder it
// has no "wait for more bytes" state: any truncation — a partial varint
// at the tail, or a length prefix whose payload exceeds what remains —
// is a Framing error, per spec §4.A.
func ParseFrames(data []byte) ([][]byte, error) {
	var updates [][]byte
	for len(data) > 0 {
		length, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, newError(KindFraming, "parse", "", 0, nil)
		}
		data = data[n:]
		if uint64(len(data)) < length {
			return nil, newError(KindFraming, "parse", "", 0, nil)
		}
		updates = append(updates, data[:length])
		data = data[length:]
	}
	return updates, nil
}
