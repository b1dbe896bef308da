package yjsprovider_test

import (
	"context"
	"sync"
	"testing"
	"time"

	yjsprovider "github.com/durable-streams/yjs-provider-go"
	"github.com/durable-streams/yjs-provider-go/yjsprovidertest"
)

// fakeDocEngine is a minimal DocumentEngine test double: it records
// applied updates and lets the test simulate a local edit via Type.
type fakeDocEngine struct {
	mu       sync.Mutex
	clientID uint64
	applied  [][]byte
	observer func([]byte, string)
}

func newFakeDocEngine(clientID uint64) *fakeDocEngine {
	return &fakeDocEngine{clientID: clientID}
}

func (e *fakeDocEngine) OnUpdate(cb func([]byte, string)) func() {
	e.mu.Lock()
	e.observer = cb
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.observer = nil
		e.mu.Unlock()
	}
}

func (e *fakeDocEngine) Apply(update []byte, origin string) error {
	e.mu.Lock()
	e.applied = append(e.applied, append([]byte(nil), update...))
	e.mu.Unlock()
	return nil
}

func (e *fakeDocEngine) ClientID() uint64 { return e.clientID }

func (e *fakeDocEngine) Type(update []byte) {
	e.mu.Lock()
	cb := e.observer
	e.mu.Unlock()
	if cb != nil {
		cb(update, "local")
	}
}

func (e *fakeDocEngine) appliedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.applied)
}

// TestProviderEmptyDocSync covers scenario S1 from spec §8: connecting
// against a brand-new, empty document must reach synced=true without
// any server-side data existing yet.
func TestProviderEmptyDocSync(t *testing.T) {
	srv := yjsprovidertest.NewMockServer()
	defer srv.Close()

	engine := newFakeDocEngine(1)

	var mu sync.Mutex
	synced := false
	syncedCh := make(chan struct{}, 1)

	p, err := yjsprovider.NewProvider(engine, nil,
		yjsprovider.WithBaseURL(srv.URL()),
		yjsprovider.WithDocID("empty-doc"),
		yjsprovider.WithHTTPClient(srv.HTTPClient()),
		yjsprovider.WithAutoConnect(false),
	)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Destroy()

	p.OnSynced(func(v bool) {
		mu.Lock()
		synced = v
		mu.Unlock()
		select {
		case syncedCh <- struct{}{}:
		default:
		}
	})

	if err := p.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	select {
	case <-syncedCh:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for synced event")
	}

	mu.Lock()
	defer mu.Unlock()
	if !synced {
		t.Error("expected synced=true after initial connect to an empty document")
	}
	if p.State() != yjsprovider.StateConnected {
		t.Errorf("State() = %v, want Connected", p.State())
	}
}

// TestProviderTwoClientConvergence covers the propagation half of
// scenario S2: an update typed on provider A reaches B's document engine
// through the shared document.
func TestProviderTwoClientConvergence(t *testing.T) {
	srv := yjsprovidertest.NewMockServer()
	defer srv.Close()

	engineA := newFakeDocEngine(1)
	engineB := newFakeDocEngine(2)

	pA, err := yjsprovider.NewProvider(engineA, nil,
		yjsprovider.WithBaseURL(srv.URL()),
		yjsprovider.WithDocID("shared-doc"),
		yjsprovider.WithHTTPClient(srv.HTTPClient()),
		yjsprovider.WithProducerID("producer-a"),
	)
	if err != nil {
		t.Fatalf("NewProvider A: %v", err)
	}
	defer pA.Destroy()

	pB, err := yjsprovider.NewProvider(engineB, nil,
		yjsprovider.WithBaseURL(srv.URL()),
		yjsprovider.WithDocID("shared-doc"),
		yjsprovider.WithHTTPClient(srv.HTTPClient()),
		yjsprovider.WithProducerID("producer-b"),
	)
	if err != nil {
		t.Fatalf("NewProvider B: %v", err)
	}
	defer pB.Destroy()

	engineA.Type([]byte("hello-from-a"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if engineB.appliedCount() > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if engineB.appliedCount() == 0 {
		t.Error("expected B's document engine to observe A's update")
	}
}

// TestProviderFlushesPendingWriteOnDisconnect covers spec §1's "flushing
// pending writes" guarantee: a local edit still sitting out its linger
// timer when Disconnect is called must still reach the wire, not be
// dropped by cancelling the connection context out from under it.
func TestProviderFlushesPendingWriteOnDisconnect(t *testing.T) {
	srv := yjsprovidertest.NewMockServer()
	defer srv.Close()

	engine := newFakeDocEngine(1)

	p, err := yjsprovider.NewProvider(engine, nil,
		yjsprovider.WithBaseURL(srv.URL()),
		yjsprovider.WithDocID("disconnect-flush-doc"),
		yjsprovider.WithHTTPClient(srv.HTTPClient()),
		yjsprovider.WithProducerLinger(2*time.Second),
	)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	engine.Type([]byte("pending-write"))
	p.Disconnect()

	if got := srv.DocBytes("disconnect-flush-doc"); len(got) == 0 {
		t.Error("expected the pending write to reach the server before Disconnect tore down the connection")
	}

	p.Destroy()
}
