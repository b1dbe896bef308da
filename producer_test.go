package yjsprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fencingServer is a minimal stand-in for the ack table in spec §4.C,
// used directly (instead of yjsprovidertest.MockServer) to keep this
// unit test independent of the SSE/snapshot machinery it doesn't need.
type fencingServer struct {
	mu      sync.Mutex
	epoch   int
	nextSeq int
	offset  int
	appends int
}

func newFencingServer(t *testing.T) (*httptest.Server, *fencingServer) {
	fs := &fencingServer{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		epoch, _ := strconv.Atoi(r.Header.Get("Producer-Epoch"))
		seq, _ := strconv.Atoi(r.Header.Get("Producer-Seq"))

		fs.mu.Lock()
		defer fs.mu.Unlock()

		switch {
		case epoch < fs.epoch:
			w.Header().Set("Producer-Epoch", strconv.Itoa(fs.epoch))
			w.WriteHeader(http.StatusForbidden)
			return
		case epoch > fs.epoch:
			fs.epoch = epoch
			fs.nextSeq = 0
		}

		switch {
		case seq < fs.nextSeq:
			w.Header().Set("Stream-Next-Offset", strconv.Itoa(fs.offset))
			w.WriteHeader(http.StatusNoContent)
			return
		case seq > fs.nextSeq:
			w.Header().Set("Producer-Expected-Seq", strconv.Itoa(fs.nextSeq))
			w.Header().Set("Producer-Received-Seq", strconv.Itoa(seq))
			w.WriteHeader(http.StatusConflict)
			return
		}

		fs.nextSeq++
		fs.offset += 10
		fs.appends++
		w.Header().Set("Stream-Next-Offset", strconv.Itoa(fs.offset))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, fs
}

func TestProducerFlushDeliversOffset(t *testing.T) {
	srv, _ := newFencingServer(t)
	tr := newTransport(srv.Client())

	p, err := newIdempotentProducer(context.Background(), tr, srv.URL, "p1", nil, ProducerConfig{AutoClaim: true, MaxInFlight: 1}, defaultProducerTuning(), testLogger())
	if err != nil {
		t.Fatalf("newIdempotentProducer: %v", err)
	}

	if err := p.Append(FrameUpdate([]byte("one"))); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := p.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.LastOffset == "" {
		t.Error("expected a non-empty LastOffset after flush")
	}
}

func TestProducerDuplicateDetection(t *testing.T) {
	srv, fs := newFencingServer(t)
	tr := newTransport(srv.Client())

	cfg := ProducerConfig{AutoClaim: false, MaxInFlight: 1}
	p, err := newIdempotentProducer(context.Background(), tr, srv.URL, "p1", nil, cfg, defaultProducerTuning(), testLogger())
	if err != nil {
		t.Fatalf("newIdempotentProducer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.Append(FrameUpdate([]byte("a"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Manually rewind nextSeq to resend the same logical batch, simulating
	// a producer retry after a network timeout whose response was lost.
	p.mu.Lock()
	p.nextSeq = 0
	p.mu.Unlock()

	if err := p.Append(FrameUpdate([]byte("a"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := p.DuplicateCount(); got != 1 {
		t.Errorf("DuplicateCount() = %d, want 1", got)
	}
	fs.mu.Lock()
	appends := fs.appends
	fs.mu.Unlock()
	if appends != 1 {
		t.Errorf("server recorded %d appends, want 1 (second send should be a no-op duplicate)", appends)
	}
}

func TestProducerAutoClaimOnStaleEpoch(t *testing.T) {
	srv, fs := newFencingServer(t)
	fs.mu.Lock()
	fs.epoch = 5
	fs.mu.Unlock()

	tr := newTransport(srv.Client())
	cfg := ProducerConfig{Epoch: 0, AutoClaim: true, MaxInFlight: 1}
	p, err := newIdempotentProducer(context.Background(), tr, srv.URL, "p1", nil, cfg, defaultProducerTuning(), testLogger())
	if err != nil {
		t.Fatalf("newIdempotentProducer: %v", err)
	}

	if err := p.Append(FrameUpdate([]byte("a"))); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := p.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if got := p.Epoch(); got != 6 {
		t.Errorf("Epoch() = %d, want 6 (auto-claimed to stale+1)", got)
	}
}

func TestProducerAutoClaimRejectsConcurrency(t *testing.T) {
	cfg := ProducerConfig{AutoClaim: true, MaxInFlight: 3}
	_, err := newIdempotentProducer(context.Background(), nil, "http://x", "p1", nil, cfg, defaultProducerTuning(), testLogger())
	if err != ErrAutoClaimConcurrency {
		t.Fatalf("expected ErrAutoClaimConcurrency, got %v", err)
	}
}
