package yjsprovider

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// ProducerConfig configures an IdempotentProducer. Zero values of
// MaxBatchBytes, Linger, MaxInFlight and MaxSequenceGapRetries are
// replaced by the defaults in producerTuning (spec §4.C, §6.4), and an
// empty ContentType becomes application/octet-stream. Epoch and AutoClaim
// are used as given: a zero AutoClaim leaves auto-claim off.
type ProducerConfig struct {
	Epoch                 int
	AutoClaim             bool
	MaxBatchBytes         int
	Linger                time.Duration
	MaxInFlight           int
	MaxSequenceGapRetries int

	// ContentType selects batch encoding: binary content types
	// concatenate frames verbatim; "application/json" and "+json"
	// suffixed types wrap pre-serialized items in a JSON array, per
	// spec §4.C. The provider's document/awareness updates are always
	// binary; JSON mode exists for embedders that reuse the producer
	// directly against a JSON-content stream.
	ContentType string

	// IfMatch, when set, is sent as the If-Match header on every batch
	// POST: an additive ETag precondition layered on top of the
	// (id, epoch, seq) fencing (SPEC_FULL §4, supplemented feature).
	// A 412 response is surfaced as fatal; it is never auto-retried.
	IfMatch string

	// SequenceGapBackoff overrides the bounded backoff curve used between
	// a 409 SequenceGap rejection and the re-send. Zero fields fall back
	// to defaultSequenceGapRetryPolicy.
	SequenceGapBackoff RetryPolicy

	// OnError is invoked for batch failures that aren't recovered
	// locally (SequenceGap retried internally, StaleEpoch auto-claimed).
	OnError func(error)
}

func (c ProducerConfig) withDefaults(t producerTuning) ProducerConfig {
	if c.MaxBatchBytes == 0 {
		c.MaxBatchBytes = t.maxBatchBytes
	}
	if c.Linger == 0 {
		c.Linger = t.linger
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = t.maxInFlight
	}
	if c.MaxSequenceGapRetries == 0 {
		c.MaxSequenceGapRetries = t.maxSequenceGapRetries
	}
	if c.ContentType == "" {
		c.ContentType = "application/octet-stream"
	}
	return c
}

// pendingItem is one already-framed update waiting to be batched.
type pendingItem struct {
	data []byte
}

// FlushResult is what Flush resolves to: the last acknowledged offset
// and how many of the items flushed were server-detected duplicates
// (spec §4.C: "Its result is (last_offset, duplicate_count)").
type FlushResult struct {
	LastOffset     Offset
	DuplicateCount int
}

// IdempotentProducer batches, pipelines, and fences appends using
// (producer-id, epoch, seq), per spec §4.C — the hardest subsystem.
// Adapted from the teacher's IdempotentProducer; generalized to work on
// pre-framed byte items (the provider frames updates before calling
// Append) and bound to a single connection's cancellation.
type IdempotentProducer struct {
	url        string
	producerID string
	transport  *transport
	headers    map[string]HeaderValue
	cfg        ProducerConfig
	logger     *zap.Logger

	// ctx is cancelled when the owning ConnectionContext tears down;
	// every in-flight send observes it and stops silently (spec §5).
	ctx context.Context

	mu           sync.Mutex
	epoch        int
	nextSeq      int
	pending      []pendingItem
	pendingBytes int
	inFlight     int
	lastOffset   Offset
	duplicates   int
	closed       bool
	closedCh     chan struct{}
	lingerTimer  *time.Timer
	flushWaiters []chan struct{}
}

// newIdempotentProducer constructs a producer. Returns
// ErrAutoClaimConcurrency if auto_claim is enabled alongside
// max_in_flight > 1: concurrent batches would race to claim the same
// epoch (the same guardrail the teacher's client-go enforces).
func newIdempotentProducer(ctx context.Context, t *transport, url, producerID string, headers map[string]HeaderValue, cfg ProducerConfig, tuning producerTuning, logger *zap.Logger) (*IdempotentProducer, error) {
	cfg = cfg.withDefaults(tuning)
	if cfg.AutoClaim && cfg.MaxInFlight > 1 {
		return nil, ErrAutoClaimConcurrency
	}
	return &IdempotentProducer{
		url:        url,
		producerID: producerID,
		transport:  t,
		headers:    headers,
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		epoch:      cfg.Epoch,
		closedCh:   make(chan struct{}),
	}, nil
}

// Epoch returns the current epoch.
func (p *IdempotentProducer) Epoch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// DuplicateCount returns how many acknowledged batches were duplicates.
func (p *IdempotentProducer) DuplicateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duplicates
}

// Append enqueues an already-framed item. Non-blocking: it only
// manipulates in-memory batching state (spec §4.C, §5: "append() MUST
// NOT suspend"). The only synchronous failure is a closed producer;
// everything else (network errors, fencing rejections) is delivered to
// OnError asynchronously.
func (p *IdempotentProducer) Append(item []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrProducerClosed
	}

	p.pending = append(p.pending, pendingItem{data: item})
	p.pendingBytes += len(item)

	if p.pendingBytes >= p.cfg.MaxBatchBytes && p.inFlight < p.cfg.MaxInFlight {
		if p.lingerTimer != nil {
			p.lingerTimer.Stop()
			p.lingerTimer = nil
		}
		p.sendLocked()
	} else if p.lingerTimer == nil {
		p.lingerTimer = time.AfterFunc(p.cfg.Linger, func() {
			p.mu.Lock()
			p.lingerTimer = nil
			if len(p.pending) > 0 && p.inFlight < p.cfg.MaxInFlight {
				p.sendLocked()
			}
			p.mu.Unlock()
		})
	}
	return nil
}

// Flush waits until every previously-enqueued item has an acknowledged
// offset (in_flight_count == 0 and pending is empty), per spec §4.C.
func (p *IdempotentProducer) Flush(ctx context.Context) (FlushResult, error) {
	p.mu.Lock()
	if p.lingerTimer != nil {
		p.lingerTimer.Stop()
		p.lingerTimer = nil
	}
	if len(p.pending) > 0 && p.inFlight < p.cfg.MaxInFlight {
		p.sendLocked()
	}
	if p.inFlight == 0 && len(p.pending) == 0 {
		result := FlushResult{LastOffset: p.lastOffset, DuplicateCount: p.duplicates}
		p.mu.Unlock()
		return result, nil
	}
	waiter := make(chan struct{})
	p.flushWaiters = append(p.flushWaiters, waiter)
	p.mu.Unlock()

	select {
	case <-waiter:
		p.mu.Lock()
		result := FlushResult{LastOffset: p.lastOffset, DuplicateCount: p.duplicates}
		p.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return FlushResult{}, ctx.Err()
	case <-p.closedCh:
		p.mu.Lock()
		result := FlushResult{LastOffset: p.lastOffset, DuplicateCount: p.duplicates}
		p.mu.Unlock()
		return result, nil
	}
}

// Close is idempotent: it stops accepting new items, drains whatever is
// pending or in flight, and releases resources. Items appended after
// Close returns ErrProducerClosed synchronously.
func (p *IdempotentProducer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := p.Flush(ctx)
	// closedCh releases other Flush callers only after the drain above.
	close(p.closedCh)
	return err
}

// resolveFlushWaitersLocked wakes everyone blocked in Flush once the
// drain condition (in_flight==0, pending empty) holds. Caller holds p.mu.
func (p *IdempotentProducer) resolveFlushWaitersLocked() {
	if p.inFlight != 0 || len(p.pending) != 0 {
		return
	}
	for _, w := range p.flushWaiters {
		close(w)
	}
	p.flushWaiters = nil
}

// sendLocked takes the current pending batch and ships it in the
// background. Caller holds p.mu. Mirrors the teacher's
// sendCurrentBatchLocked, generalized with the SequenceGap retry loop
// spec §4.C adds.
func (p *IdempotentProducer) sendLocked() {
	if len(p.pending) == 0 || p.inFlight >= p.cfg.MaxInFlight {
		return
	}
	batch := p.pending
	seq := p.nextSeq
	epoch := p.epoch

	p.pending = nil
	p.pendingBytes = 0
	p.nextSeq++
	p.inFlight++

	go p.sendBatch(batch, seq, epoch, 0, nil)
}

// sendBatch POSTs one batch and applies the ack/error table of spec
// §4.C. gapRetries counts consecutive SequenceGap retries for this one
// logical batch (not the producer overall); gapBackOff carries the
// backoff curve's state across those retries (nil until the first one).
func (p *IdempotentProducer) sendBatch(batch []pendingItem, seq, epoch, gapRetries int, gapBackOff *backoff.ExponentialBackOff) {
	body := concatBatch(batch, p.cfg.ContentType)

	headers := map[string]HeaderValue{}
	for k, v := range p.headers {
		headers[k] = v
	}
	headers[headerProducerID] = StaticHeader(p.producerID)
	headers[headerProducerEpoch] = StaticHeader(strconv.Itoa(epoch))
	headers[headerProducerSeq] = StaticHeader(strconv.Itoa(seq))
	if p.cfg.IfMatch != "" {
		headers[headerIfMatch] = StaticHeader(p.cfg.IfMatch)
	}

	resp, err := p.transport.execute(p.ctx, requestOptions{
		method:      http.MethodPost,
		url:         p.url,
		body:        bytes.NewReader(body),
		contentType: p.cfg.ContentType,
		headers:     headers,
	})
	if err != nil {
		if err == errCancelled {
			p.finishInFlight()
			return
		}
		p.finishBatch(err)
		return
	}

	switch resp.Status {
	case http.StatusOK, http.StatusNoContent:
		p.mu.Lock()
		p.lastOffset = resp.Meta.NextOffset
		if resp.Status == http.StatusNoContent {
			p.duplicates++
		}
		p.inFlight--
		p.resolveFlushWaitersLocked()
		p.trySendMoreLocked()
		p.mu.Unlock()
		return

	case http.StatusForbidden:
		kind := classifyStatus(resp.Status, resp.Meta, true)
		if kind == KindStaleEpoch && p.cfg.AutoClaim {
			newEpoch := resp.Meta.ProducerEpoch + 1
			p.mu.Lock()
			p.epoch = newEpoch
			p.nextSeq = 1 // this batch consumes seq 0 under the new epoch
			p.mu.Unlock()
			p.logger.Info("producer auto-claiming epoch", zap.Int("new_epoch", newEpoch))
			p.sendBatch(batch, 0, newEpoch, gapRetries, gapBackOff)
			return
		}
		p.finishBatch(&Error{Kind: kind, Op: "append", URL: p.url, StatusCode: resp.Status, CurrentEpoch: resp.Meta.ProducerEpoch})
		return

	case http.StatusConflict:
		kind := classifyStatus(resp.Status, resp.Meta, true)
		if kind == KindSequenceGap {
			if gapRetries >= p.cfg.MaxSequenceGapRetries {
				p.finishBatch(&Error{Kind: kind, Op: "append", URL: p.url, StatusCode: resp.Status, ExpectedSeq: resp.Meta.ExpectedSeq, ReceivedSeq: resp.Meta.ReceivedSeq})
				return
			}
			p.mu.Lock()
			p.nextSeq = resp.Meta.ExpectedSeq + 1 // this retry consumes ExpectedSeq
			p.inFlight--
			p.mu.Unlock()

			if gapBackOff == nil {
				gapBackOff = backOffFromPolicy(p.cfg.SequenceGapBackoff, defaultSequenceGapRetryPolicy())
			}
			wait, ok := nextDelay(gapBackOff)
			if !ok {
				p.finishInFlight()
				return
			}
			if err := sleepOrCancel(p.ctx, wait); err != nil {
				p.finishInFlight()
				return
			}

			p.mu.Lock()
			p.inFlight++
			p.mu.Unlock()
			p.sendBatch(batch, resp.Meta.ExpectedSeq, epoch, gapRetries+1, gapBackOff)
			return
		}
		p.finishBatch(&Error{Kind: kind, Op: "append", URL: p.url, StatusCode: resp.Status})
		return

	default:
		kind := classifyStatus(resp.Status, resp.Meta, false)
		p.finishBatch(&Error{Kind: kind, Op: "append", URL: p.url, StatusCode: resp.Status, RetryAfter: resp.Meta.RetryAfter})
	}
}

// finishBatch handles the "other errors" row of spec §4.C's ack table:
// decrement in_flight and invoke OnError. Pending Flush calls are not
// failed: they still resolve with a nil error once the producer drains,
// and the failure is reported only through OnError (lastOffset/duplicates
// reflect whatever did succeed).
func (p *IdempotentProducer) finishBatch(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
	p.finishInFlight()
}

func (p *IdempotentProducer) finishInFlight() {
	p.mu.Lock()
	p.inFlight--
	p.resolveFlushWaitersLocked()
	p.trySendMoreLocked()
	p.mu.Unlock()
}

// trySendMoreLocked re-triggers sending if capacity freed up and items
// are still pending (spec §4.C step 4). Caller holds p.mu.
func (p *IdempotentProducer) trySendMoreLocked() {
	if len(p.pending) > 0 && p.inFlight < p.cfg.MaxInFlight {
		p.sendLocked()
	}
}

// concatBatch builds the POST body per spec §4.C: binary content types
// concatenate already-framed items verbatim; JSON content types wrap
// pre-serialized items in an array.
func concatBatch(batch []pendingItem, contentType string) []byte {
	if isJSONContentType(contentType) {
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range batch {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.Write(item.data)
		}
		buf.WriteByte(']')
		return buf.Bytes()
	}

	var total int
	for _, item := range batch {
		total += len(item.data)
	}
	out := make([]byte, 0, total)
	for _, item := range batch {
		out = append(out, item.data...)
	}
	return out
}

func isJSONContentType(ct string) bool {
	idx := len(ct)
	if i := indexByte(ct, ';'); i >= 0 {
		idx = i
	}
	ct = ct[:idx]
	return ct == "application/json" || (len(ct) > 5 && ct[len(ct)-5:] == "+json")
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
