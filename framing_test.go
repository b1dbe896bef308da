package yjsprovider

import (
	"bytes"
	"testing"
)

// TestFrameRoundTrip covers testable property 3 from spec §8: framing a
// sequence of updates and parsing the concatenation back out returns the
// same sequence.
func TestFrameRoundTrip(t *testing.T) {
	updates := [][]byte{
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte{0xAB}, 300),
		[]byte("hello world"),
	}

	var buf bytes.Buffer
	for _, u := range updates {
		buf.Write(FrameUpdate(u))
	}

	got, err := ParseFrames(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseFrames: %v", err)
	}
	if len(got) != len(updates) {
		t.Fatalf("got %d updates, want %d", len(got), len(updates))
	}
	for i := range updates {
		if !bytes.Equal(got[i], updates[i]) {
			t.Errorf("update %d = %x, want %x", i, got[i], updates[i])
		}
	}
}

func TestParseFramesEmpty(t *testing.T) {
	got, err := ParseFrames(nil)
	if err != nil {
		t.Fatalf("ParseFrames(nil): %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d updates, want 0", len(got))
	}
}

func TestParseFramesTruncated(t *testing.T) {
	framed := FrameUpdate([]byte("hello"))
	truncated := framed[:len(framed)-2]

	if _, err := ParseFrames(truncated); err == nil {
		t.Fatal("expected a framing error for truncated data, got nil")
	} else if perr, ok := err.(*Error); !ok || perr.Kind != KindFraming {
		t.Fatalf("expected *Error{Kind: KindFraming}, got %#v", err)
	}
}

func TestParseFramesBadLengthPrefix(t *testing.T) {
	// A length prefix claiming far more data than is actually present.
	bad := append(FrameUpdate(nil)[:0], 0xFF, 0xFF, 0xFF, 0xFF, 0x0F)
	if _, err := ParseFrames(bad); err == nil {
		t.Fatal("expected a framing error for an over-long length prefix, got nil")
	}
}
