// Package yjsprovidertest provides an in-memory mock of the durable
// stream protocol a yjsprovider.Provider talks to: snapshot discovery,
// producer-fenced appends, long-poll catch-up/tailing, and SSE
// awareness. It is adapted from the sibling durable-streams client's
// generic MockServer, specialized to the fencing and snapshot-redirect
// behavior this package's provider exercises.
//
// Example:
//
//	srv := yjsprovidertest.NewMockServer()
//	defer srv.Close()
//
//	p, _ := yjsprovider.NewProvider(docEngine, nil,
//		yjsprovider.WithBaseURL(srv.URL()),
//		yjsprovider.WithDocID("doc-1"),
//		yjsprovider.WithHTTPClient(srv.HTTPClient()),
//	)
package yjsprovidertest

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// longPollTimeout bounds how long an updates long-poll blocks before
// returning an up-to-date, empty chunk. A real server's window is much
// longer; tests want this short so catch-up completes quickly.
const longPollTimeout = 300 * time.Millisecond

// MockServer is an in-memory implementation of the document stream
// protocol described in spec §4.A-§4.G.
type MockServer struct {
	server *httptest.Server

	mu   sync.Mutex
	docs map[string]*mockDoc
}

type mockDoc struct {
	mu sync.Mutex

	data      []byte
	producers map[string]*producerState

	snapshot       []byte
	snapshotOffset int
	hasSnapshot    bool

	cond *sync.Cond

	awareness map[string]*awarenessTopic
}

type producerState struct {
	epoch   int
	nextSeq int
}

type awarenessTopic struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
}

// NewMockServer starts a mock server. Documents are created lazily on
// first access; there is no explicit Create operation in this protocol.
func NewMockServer() *MockServer {
	ms := &MockServer{docs: make(map[string]*mockDoc)}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handle))
	return ms
}

// URL returns the mock server's base URL.
func (ms *MockServer) URL() string { return ms.server.URL }

// HTTPClient returns an HTTP client preconfigured to reach the mock.
func (ms *MockServer) HTTPClient() *http.Client { return ms.server.Client() }

// Close shuts the server down.
func (ms *MockServer) Close() { ms.server.Close() }

func (ms *MockServer) doc(path string) *mockDoc {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	d, ok := ms.docs[path]
	if !ok {
		d = &mockDoc{
			producers: make(map[string]*producerState),
			awareness: make(map[string]*awarenessTopic),
		}
		d.cond = sync.NewCond(&d.mu)
		ms.docs[path] = d
	}
	return d
}

// DocBytes returns a copy of the document's current raw stream bytes, for
// tests asserting that a write actually reached the wire.
func (ms *MockServer) DocBytes(path string) []byte {
	d := ms.doc(path)
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.data...)
}

// TakeSnapshot records the document's current bytes as a snapshot,
// simulating the server's background compaction (spec §4.E). Tests use
// this to exercise snapshot discovery deterministically.
func (ms *MockServer) TakeSnapshot(path string) {
	d := ms.doc(path)
	d.mu.Lock()
	d.snapshot = append([]byte(nil), d.data...)
	d.snapshotOffset = len(d.data)
	d.hasSnapshot = true
	d.mu.Unlock()
}

func (ms *MockServer) handle(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("awareness"); name != "" {
		ms.handleAwareness(w, r, name)
		return
	}

	path := r.URL.Path
	switch r.Method {
	case http.MethodPost:
		ms.handleAppend(w, r, path)
	case http.MethodGet:
		ms.handleRead(w, r, path)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleRead serves both the snapshot-discovery redirect dance and the
// updates long-poll/catch-up read, per spec §4.E/§4.F.
func (ms *MockServer) handleRead(w http.ResponseWriter, r *http.Request, path string) {
	d := ms.doc(path)
	offset := r.URL.Query().Get("offset")

	if offset == "snapshot" {
		d.mu.Lock()
		hasSnapshot := d.hasSnapshot
		snapOffset := d.snapshotOffset
		d.mu.Unlock()

		target := *r.URL
		q := target.Query()
		if hasSnapshot {
			q.Set("offset", fmt.Sprintf("%d_snapshot", snapOffset))
		} else {
			q.Set("offset", "-1")
		}
		target.RawQuery = q.Encode()
		w.Header().Set("Location", target.String())
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}

	if strings.HasSuffix(offset, "_snapshot") {
		d.mu.Lock()
		defer d.mu.Unlock()
		n, _ := strconv.Atoi(strings.TrimSuffix(offset, "_snapshot"))
		if !d.hasSnapshot || n != d.snapshotOffset {
			http.Error(w, "snapshot gone", http.StatusNotFound)
			return
		}
		w.Header().Set("Stream-Next-Offset", strconv.Itoa(d.snapshotOffset))
		w.WriteHeader(http.StatusOK)
		w.Write(d.snapshot)
		return
	}

	ms.handleUpdatesRead(w, r, d, offset)
}

func (ms *MockServer) handleUpdatesRead(w http.ResponseWriter, r *http.Request, d *mockDoc, offset string) {
	start := 0
	if offset != "" && offset != "-1" && offset != "now" {
		start, _ = strconv.Atoi(offset)
	}

	live := r.URL.Query().Get("live") == "true"

	d.mu.Lock()
	if offset == "now" {
		start = len(d.data)
	}
	if start > len(d.data) {
		d.mu.Unlock()
		http.Error(w, "offset gone", http.StatusGone)
		return
	}

	if live && start >= len(d.data) {
		waitCh := make(chan struct{})
		go func() {
			d.mu.Lock()
			for start >= len(d.data) {
				d.cond.Wait()
			}
			d.mu.Unlock()
			close(waitCh)
		}()
		d.mu.Unlock()

		select {
		case <-waitCh:
			d.mu.Lock()
		case <-time.After(longPollTimeout):
			w.Header().Set("Stream-Next-Offset", strconv.Itoa(start))
			w.Header().Set("Stream-Up-To-Date", "true")
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}

	chunk := d.data[start:]
	next := len(d.data)
	d.mu.Unlock()

	w.Header().Set("Stream-Next-Offset", strconv.Itoa(next))
	w.Header().Set("Stream-Up-To-Date", "true")
	w.WriteHeader(http.StatusOK)
	w.Write(chunk)
}

// handleAppend implements the producer-fenced append ack table of spec
// §4.C: epoch comparison decides StaleEpoch (403) vs acceptance;
// sequence comparison within an epoch decides SequenceGap (409) vs
// duplicate (204) vs success (200).
func (ms *MockServer) handleAppend(w http.ResponseWriter, r *http.Request, path string) {
	d := ms.doc(path)

	producerID := r.Header.Get("Producer-Id")
	epoch, _ := strconv.Atoi(r.Header.Get("Producer-Epoch"))
	seq, _ := strconv.Atoi(r.Header.Get("Producer-Seq"))

	body, _ := io.ReadAll(r.Body)

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.producers[producerID]
	if !ok {
		p = &producerState{epoch: epoch, nextSeq: 0}
		d.producers[producerID] = p
	}

	switch {
	case epoch < p.epoch:
		w.Header().Set("Producer-Epoch", strconv.Itoa(p.epoch))
		http.Error(w, "stale epoch", http.StatusForbidden)
		return
	case epoch > p.epoch:
		p.epoch = epoch
		p.nextSeq = 0
	}

	switch {
	case seq < p.nextSeq:
		w.Header().Set("Stream-Next-Offset", strconv.Itoa(len(d.data)))
		w.WriteHeader(http.StatusNoContent)
		return
	case seq > p.nextSeq:
		w.Header().Set("Producer-Expected-Seq", strconv.Itoa(p.nextSeq))
		w.Header().Set("Producer-Received-Seq", strconv.Itoa(seq))
		http.Error(w, "sequence gap", http.StatusConflict)
		return
	}

	d.data = append(d.data, body...)
	p.nextSeq++
	d.cond.Broadcast()

	w.Header().Set("Stream-Next-Offset", strconv.Itoa(len(d.data)))
	w.WriteHeader(http.StatusOK)
}

// handleAwareness implements spec §4.G's SSE subscribe (GET) and POST
// broadcast.
func (ms *MockServer) handleAwareness(w http.ResponseWriter, r *http.Request, name string) {
	d := ms.doc(r.URL.Path)
	d.mu.Lock()
	topic, ok := d.awareness[name]
	if !ok {
		topic = &awarenessTopic{subscribers: make(map[chan []byte]struct{})}
		d.awareness[name] = topic
	}
	d.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		ms.subscribeAwareness(w, r, topic)
	case http.MethodPost:
		ms.publishAwareness(w, r, topic)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (ms *MockServer) subscribeAwareness(w http.ResponseWriter, r *http.Request, topic *awarenessTopic) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Stream-SSE-Data-Encoding", "base64")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)

	ch := make(chan []byte, 8)
	topic.mu.Lock()
	topic.subscribers[ch] = struct{}{}
	topic.mu.Unlock()
	defer func() {
		topic.mu.Lock()
		delete(topic.subscribers, ch)
		topic.mu.Unlock()
	}()

	for {
		select {
		case payload := <-ch:
			fmt.Fprintf(w, "event: data\ndata: %s\n\n", base64.StdEncoding.EncodeToString(payload))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (ms *MockServer) publishAwareness(w http.ResponseWriter, r *http.Request, topic *awarenessTopic) {
	payload, _ := io.ReadAll(r.Body)

	topic.mu.Lock()
	for ch := range topic.subscribers {
		select {
		case ch <- payload:
		default:
		}
	}
	topic.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}
