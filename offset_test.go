package yjsprovider

import "testing"

func TestOffsetIsBeginning(t *testing.T) {
	cases := []struct {
		offset Offset
		want   bool
	}{
		{OffsetBeginning, true},
		{Offset(""), true},
		{OffsetNow, false},
		{Offset("42"), false},
	}
	for _, c := range cases {
		if got := c.offset.IsBeginning(); got != c.want {
			t.Errorf("Offset(%q).IsBeginning() = %v, want %v", c.offset, got, c.want)
		}
	}
}

func TestOffsetIsSnapshotToken(t *testing.T) {
	cases := []struct {
		offset Offset
		want   bool
	}{
		{Offset("128_snapshot"), true},
		{OffsetBeginning, false},
		{OffsetSnapshot, false},
		{Offset("snapshot_128"), false},
	}
	for _, c := range cases {
		if got := c.offset.IsSnapshotToken(); got != c.want {
			t.Errorf("Offset(%q).IsSnapshotToken() = %v, want %v", c.offset, got, c.want)
		}
	}
}
