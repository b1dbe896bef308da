package yjsprovider

import "testing"

func TestResolveDocumentURL(t *testing.T) {
	cases := []struct {
		name    string
		base    string
		docID   string
		want    string
		wantErr bool
	}{
		{"simple", "https://example.com/streams", "room-1", "https://example.com/streams/room-1", false},
		{"nested", "https://example.com/streams", "a/b/c", "https://example.com/streams/a/b/c", false},
		{"collapses slashes", "https://example.com/streams", "a//b", "https://example.com/streams/a/b", false},
		{"rejects dot segment", "https://example.com/streams", "a/./b", "", true},
		{"rejects dotdot segment", "https://example.com/streams", "a/../b", "", true},
		{"rejects encoded dotdot", "https://example.com/streams", "a%2F..%2Fb", "", true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := resolveDocumentURL(c.base, c.docID)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got url %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Errorf("resolveDocumentURL(%q, %q) = %q, want %q", c.base, c.docID, got, c.want)
			}
		})
	}
}

func TestDefaultProducerTuning(t *testing.T) {
	tuning := defaultProducerTuning()
	if !tuning.autoClaim {
		t.Error("expected autoClaim to default true per spec §6.4")
	}
	if tuning.maxInFlight != 5 {
		t.Errorf("maxInFlight = %d, want 5", tuning.maxInFlight)
	}
}
