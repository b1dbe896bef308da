package yjsprovider

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorIsSentinel(t *testing.T) {
	err := &Error{Kind: KindStaleEpoch, Op: "append", URL: "https://x/doc", StatusCode: 403, CurrentEpoch: 5}
	if !errors.Is(err, ErrStaleEpoch) {
		t.Error("expected errors.Is(err, ErrStaleEpoch) to be true")
	}
	if errors.Is(err, ErrSequenceGap) {
		t.Error("expected errors.Is(err, ErrSequenceGap) to be false")
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		name            string
		status          int
		meta            responseMeta
		producerContext bool
		want            Kind
	}{
		{"not found", 404, responseMeta{}, false, KindNotFound},
		{"offset gone", 410, responseMeta{}, false, KindOffsetGone},
		{"forbidden plain", 403, responseMeta{}, true, KindForbidden},
		{"stale epoch", 403, responseMeta{HasProducerEpoch: true, ProducerEpoch: 3}, true, KindStaleEpoch},
		{"conflict plain", 409, responseMeta{}, true, KindConflict},
		{"sequence gap", 409, responseMeta{HasSequenceHeaders: true}, true, KindSequenceGap},
		{"rate limited", 429, responseMeta{}, false, KindRateLimited},
		{"server busy", 503, responseMeta{}, false, KindServerBusy},
		{"conflict without producer context stays conflict", 409, responseMeta{HasSequenceHeaders: true}, false, KindConflict},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifyStatus(c.status, c.meta, c.producerContext); got != c.want {
				t.Errorf("classifyStatus(%d, producerContext=%v) = %v, want %v", c.status, c.producerContext, got, c.want)
			}
		})
	}
}

func TestErrorMessageIncludesStatus(t *testing.T) {
	err := newError(KindNotFound, "snapshot", "https://x/doc?offset=snapshot", 404, nil)
	msg := err.Error()
	if msg == "" {
		t.Fatal("expected a non-empty message")
	}
	if !strings.Contains(msg, "status 404") {
		t.Errorf("Error() = %q, want it to include %q", msg, "status 404")
	}
}
