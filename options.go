package yjsprovider

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// producerTuning mirrors spec §6.4's producer.* configuration rows.
type producerTuning struct {
	autoClaim             bool
	maxBatchBytes         int
	linger                time.Duration
	maxInFlight           int
	maxSequenceGapRetries int
}

func defaultProducerTuning() producerTuning {
	return producerTuning{
		autoClaim:             true,
		maxBatchBytes:         1024 * 1024,
		linger:                5 * time.Millisecond,
		maxInFlight:           5,
		maxSequenceGapRetries: 10,
	}
}

// RetryPolicy overrides the bounded exponential backoff curve used by the
// awareness reconnect loop (spec §4.G) and the producer's SequenceGap
// retry (spec §4.C). Any zero field falls back to that component's
// built-in default, so an embedder can override just one knob.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

type config struct {
	baseURL string
	docID   string

	headers map[string]HeaderValue

	autoConnect bool

	httpClient *http.Client
	logger     *zap.Logger

	producer producerTuning

	producerID string

	awarenessName string
	awarenessTTL  time.Duration

	retryPolicy RetryPolicy
}

func defaultConfig() *config {
	return &config{
		autoConnect:  true,
		headers:      make(map[string]HeaderValue),
		logger:       zap.NewNop(),
		producer:     defaultProducerTuning(),
		awarenessTTL: time.Hour,
	}
}

// Option configures a Provider. Mirrors the teacher's functional-option
// families (ClientOption/CreateOption/...) generalized to the single
// surface spec §6.4 enumerates.
type Option func(*config)

// WithBaseURL sets the root of the document-URL namespace.
func WithBaseURL(u string) Option {
	return func(c *config) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithDocID sets the document identifier. It MAY contain "/"; "."  and
// ".." segments are rejected, and repeated slashes are collapsed, per
// spec §6.4. Validation happens in NewProvider via resolveDocumentURL.
func WithDocID(id string) Option {
	return func(c *config) { c.docID = id }
}

// WithHeader adds a single request header, evaluated per request.
func WithHeader(key string, value HeaderValue) Option {
	return func(c *config) { c.headers[key] = value }
}

// WithHeaders adds several static request headers at once.
func WithHeaders(headers map[string]string) Option {
	return func(c *config) {
		for k, v := range headers {
			c.headers[k] = StaticHeader(v)
		}
	}
}

// WithAutoConnect controls whether NewProvider calls Connect for you.
// Default true; pass false to call Connect explicitly later.
func WithAutoConnect(connect bool) Option {
	return func(c *config) { c.autoConnect = connect }
}

// WithHTTPClient overrides the HTTP client. If unset, a client with the
// teacher's connection-pooling defaults is used (see transport.go).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithLogger overrides the zap logger. Defaults to zap.NewNop(): silent
// unless the embedder opts in, matching the teacher's Caddy handler
// posture of always having a valid, inert logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProducerID overrides the default producer_id (derived from the
// document engine's ClientID otherwise).
func WithProducerID(id string) Option {
	return func(c *config) { c.producerID = id }
}

// WithProducerAutoClaim toggles automatic epoch bump on 403 StaleEpoch.
// Default true.
func WithProducerAutoClaim(autoClaim bool) Option {
	return func(c *config) { c.producer.autoClaim = autoClaim }
}

// WithProducerMaxBatchBytes overrides the batching threshold. Default 1MiB.
func WithProducerMaxBatchBytes(n int) Option {
	return func(c *config) { c.producer.maxBatchBytes = n }
}

// WithProducerLinger overrides the linger duration. Default 5ms.
func WithProducerLinger(d time.Duration) Option {
	return func(c *config) { c.producer.linger = d }
}

// WithProducerMaxInFlight overrides the pipelining depth. Default 5.
// While auto-claim is enabled (the default), the provider's producer
// keeps one batch in flight regardless of this value.
func WithProducerMaxInFlight(n int) Option {
	return func(c *config) { c.producer.maxInFlight = n }
}

// WithProducerMaxSequenceGapRetries overrides the SequenceGap retry
// budget before a batch fails permanently. Default 10.
func WithProducerMaxSequenceGapRetries(n int) Option {
	return func(c *config) { c.producer.maxSequenceGapRetries = n }
}

// WithAwareness enables the awareness channel under the given name.
// Awareness is disabled (no consumer, no broadcaster) unless this is set.
func WithAwareness(name string) Option {
	return func(c *config) { c.awarenessName = name }
}

// WithAwarenessTTL overrides the server-side retention window the
// heartbeat refreshes. Default 1 hour, per the GLOSSARY. The heartbeat
// cadence scales down automatically for a shorter TTL so the refresh
// always lands well before expiry.
func WithAwarenessTTL(d time.Duration) Option {
	return func(c *config) { c.awarenessTTL = d }
}

// WithRetryPolicy overrides the bounded backoff curve used by the
// awareness reconnect loop and the producer's SequenceGap retry. Any
// zero field in policy keeps that component's default.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *config) { c.retryPolicy = policy }
}

// resolveDocumentURL builds the document URL from baseURL and docID,
// enforcing spec §6.4: "." and ".." segments MUST be rejected after URL
// decode; repeated slashes are collapsed.
func resolveDocumentURL(baseURL, docID string) (string, error) {
	decoded, err := url.PathUnescape(docID)
	if err != nil {
		return "", newError(KindBadRequest, "connect", docID, 0, fmt.Errorf("doc_id: %w", err))
	}
	segments := strings.Split(decoded, "/")
	clean := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		if seg == "." || seg == ".." {
			return "", newError(KindBadRequest, "connect", docID, 0, fmt.Errorf("doc_id: %q segment not allowed", seg))
		}
		clean = append(clean, seg)
	}
	path := strings.Join(clean, "/")
	if baseURL == "" {
		return path, nil
	}
	return baseURL + "/" + path, nil
}
