package yjsprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/durable-streams/yjs-provider-go/internal/sse"
)

const awarenessHeartbeatInterval = 15 * time.Second

// awarenessConsumer is the SSE-subscribe half of component G: it tails
// `{url}?awareness=<name>&offset=now&live=true` and forwards decoded
// payloads to the AwarenessEngine. Awareness is optional — failures here
// never tear down the provider (spec §4.G, §7).
type awarenessConsumer struct {
	cc          *connectionContext
	t           *transport
	docURL      string
	name        string
	headers     map[string]HeaderValue
	engine      AwarenessEngine
	logger      *zap.Logger
	retryPolicy RetryPolicy
}

func (a *awarenessConsumer) run() {
	attempts := 0
	var bo *backoff.ExponentialBackOff

	for {
		if a.cc.stale() {
			return
		}

		stream, err := a.t.executeSSE(a.cc.ctx, requestOptions{
			method:  http.MethodGet,
			url:     withQuery(a.docURL, map[string]string{"awareness": a.name, "offset": "now", "live": "true"}),
			headers: a.headers,
		})
		if err != nil {
			if err == errCancelled {
				return
			}
			if perr, ok := err.(*Error); ok && perr.Kind == KindNotFound {
				attempts++
				if attempts > awarenessMaxReconnectAttempts {
					a.logger.Warn("awareness stream unavailable, giving up", zap.Int("attempts", attempts))
					return
				}
				if bo == nil {
					bo = backOffFromPolicy(a.retryPolicy, defaultAwarenessRetryPolicy())
				}
				delay, ok := nextDelay(bo)
				if !ok {
					return
				}
				if sleepOrCancel(a.cc.ctx, delay) != nil {
					return
				}
				continue
			}
			a.logger.Warn("awareness stream error", zap.Error(err))
			if sleepOrCancel(a.cc.ctx, 250*time.Millisecond) != nil {
				return
			}
			continue
		}

		attempts = 0
		bo = nil
		a.consume(stream)
		if a.cc.stale() {
			return
		}
		if sleepOrCancel(a.cc.ctx, 250*time.Millisecond) != nil {
			return
		}
	}
}

func (a *awarenessConsumer) consume(stream *sseStream) {
	defer stream.Close()
	for {
		event, err := stream.parser.Next()
		if err != nil {
			if err != io.EOF {
				a.logger.Debug("awareness SSE parse error", zap.Error(err))
			}
			return
		}
		switch e := event.(type) {
		case sse.DataEvent:
			a.deliver(e.Data, stream.base64)
		case sse.ControlEvent:
			// The awareness stream's control events carry no offset the
			// consumer needs to track; ignored.
		}
	}
}

// deliver decodes (if needed) and applies one awareness payload.
func (a *awarenessConsumer) deliver(raw string, base64Encoded bool) {
	payload := []byte(raw)
	if base64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			a.logger.Warn("awareness payload failed base64 decode", zap.Error(err))
			return
		}
		payload = decoded
	}
	if err := a.engine.Apply(payload, OriginServer); err != nil {
		a.logger.Warn("awareness engine failed to apply update", zap.Error(err))
	}
}

// awarenessBroadcaster is the POST-broadcast half of component G. Local
// changes are serialized through the sending flag so concurrent changes
// collapse into whichever encode happens to win the race, matching the
// "mutex flag sending" design in spec §4.G.
type awarenessBroadcaster struct {
	cc                *connectionContext
	t                 *transport
	docURL            string
	name              string
	headers           map[string]HeaderValue
	engine            AwarenessEngine
	logger            *zap.Logger
	heartbeatInterval time.Duration

	mu      sync.Mutex
	sending bool
	pending bool
}

// heartbeatIntervalForTTL picks a refresh cadence well inside the
// configured awareness TTL (spec §4.G, GLOSSARY): a third of ttl, capped
// at awarenessHeartbeatInterval so the common 1-hour default still
// refreshes every 15s instead of slowing down for no reason.
func heartbeatIntervalForTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return awarenessHeartbeatInterval
	}
	if third := ttl / 3; third < awarenessHeartbeatInterval {
		if third <= 0 {
			return time.Millisecond
		}
		return third
	}
	return awarenessHeartbeatInterval
}

func (b *awarenessBroadcaster) onLocalChange() {
	b.mu.Lock()
	if b.sending {
		b.pending = true
		b.mu.Unlock()
		return
	}
	b.sending = true
	b.mu.Unlock()
	go b.sendLoop()
}

func (b *awarenessBroadcaster) sendLoop() {
	for {
		if b.cc.stale() {
			b.mu.Lock()
			b.sending = false
			b.pending = false
			b.mu.Unlock()
			return
		}
		payload, err := b.engine.Encode([]uint64{b.engine.LocalClientID()})
		if err == nil {
			b.post(payload)
		} else {
			b.logger.Warn("awareness encode failed", zap.Error(err))
		}

		b.mu.Lock()
		if !b.pending {
			b.sending = false
			b.mu.Unlock()
			return
		}
		b.pending = false
		b.mu.Unlock()
	}
}

func (b *awarenessBroadcaster) post(payload []byte) {
	_, err := b.t.execute(b.cc.ctx, requestOptions{
		method:      http.MethodPost,
		url:         withQuery(b.docURL, map[string]string{"awareness": b.name}),
		body:        bytes.NewReader(payload),
		contentType: "application/octet-stream",
		headers:     b.headers,
	})
	if err != nil && err != errCancelled {
		b.logger.Debug("awareness broadcast failed", zap.Error(err))
	}
}

// heartbeat re-broadcasts the current local state on b.heartbeatInterval
// to refresh the server-side awareness TTL (spec §4.G, GLOSSARY).
func (b *awarenessBroadcaster) heartbeat(ctx context.Context) {
	interval := b.heartbeatInterval
	if interval <= 0 {
		interval = awarenessHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.onLocalChange()
		case <-ctx.Done():
			return
		}
	}
}

// disconnect sends a final "removed" awareness payload built from
// local_client_id. Failures are swallowed (spec §4.G): the document is
// closing regardless.
func (b *awarenessBroadcaster) disconnect(ctx context.Context) {
	if err := b.engine.RemoveLocal(); err != nil {
		return
	}
	payload, err := b.engine.Encode([]uint64{b.engine.LocalClientID()})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, withQuery(b.docURL, map[string]string{"awareness": b.name}), bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set(headerContentType, "application/octet-stream")
	for k, v := range b.headers {
		req.Header.Set(k, v.Value())
	}
	resp, err := b.t.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}
