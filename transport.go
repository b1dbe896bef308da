package yjsprovider

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/durable-streams/yjs-provider-go/internal/sse"
)

// Protocol header names, per spec §4.B / §6.1.
const (
	headerContentType         = "Content-Type"
	headerStreamOffset        = "Stream-Next-Offset"
	headerStreamCursor        = "Stream-Cursor"
	headerStreamUpToDate      = "Stream-Up-To-Date"
	headerStreamClosed        = "Stream-Closed"
	headerStreamSSEEncoding   = "Stream-SSE-Data-Encoding"
	headerETag                = "ETag"
	headerIfMatch              = "If-Match"
	headerRetryAfter          = "Retry-After"
	headerProducerID          = "Producer-Id"
	headerProducerEpoch       = "Producer-Epoch"
	headerProducerSeq         = "Producer-Seq"
	headerProducerExpectedSeq = "Producer-Expected-Seq"
	headerProducerReceivedSeq = "Producer-Received-Seq"
)

// responseMeta is the normalized, case-insensitive header extraction
// described in spec §4.B.
type responseMeta struct {
	NextOffset Offset
	UpToDate   bool
	Cursor     string
	Closed     bool
	ETag       string

	HasProducerEpoch bool
	ProducerEpoch    int

	HasSequenceHeaders bool
	ExpectedSeq        int
	ReceivedSeq        int

	SSEEncoding string
	RetryAfter  time.Duration
}

func extractMeta(h http.Header) responseMeta {
	var m responseMeta
	m.NextOffset = Offset(h.Get(headerStreamOffset))
	m.UpToDate = h.Get(headerStreamUpToDate) == "true"
	m.Cursor = h.Get(headerStreamCursor)
	m.Closed = h.Get(headerStreamClosed) == "true"
	m.ETag = h.Get(headerETag)
	m.SSEEncoding = h.Get(headerStreamSSEEncoding)

	if v := h.Get(headerProducerEpoch); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			m.HasProducerEpoch = true
			m.ProducerEpoch = n
		}
	}
	expected, hasExpected := h[textProtoKey(headerProducerExpectedSeq)]
	received, hasReceived := h[textProtoKey(headerProducerReceivedSeq)]
	if hasExpected || hasReceived {
		m.HasSequenceHeaders = true
		if hasExpected {
			m.ExpectedSeq, _ = strconv.Atoi(expected[0])
		}
		if hasReceived {
			m.ReceivedSeq, _ = strconv.Atoi(received[0])
		}
	}
	m.RetryAfter = parseRetryAfter(h.Get(headerRetryAfter))
	return m
}

// textProtoKey mirrors http.Header's canonical key lookup so extraction
// stays correct regardless of how the test server cased the header.
func textProtoKey(key string) string {
	return http.CanonicalHeaderKey(key)
}

// HeaderValue is a request header whose value is either a fixed string
// or a supplier evaluated fresh on every request (for rotating auth
// tokens), per spec §6.4.
type HeaderValue interface {
	Value() string
}

// StaticHeader is a HeaderValue that never changes.
type StaticHeader string

func (s StaticHeader) Value() string { return string(s) }

// HeaderFunc is a HeaderValue evaluated per request.
type HeaderFunc func() string

func (f HeaderFunc) Value() string { return f() }

// rawResponse is the result of a one-shot execute call.
type rawResponse struct {
	Status int
	Meta   responseMeta
	Header http.Header
	Body   []byte
}

// transport is the HTTP primitive layer described in spec §4.B. It knows
// nothing about offsets, producers, or snapshots — only how to run a
// request, classify the response, and honor a ConnectionContext's
// cancellation.
type transport struct {
	httpClient       *http.Client
	noRedirectClient *http.Client
}

func newTransport(c *http.Client) *transport {
	if c == nil {
		c = defaultHTTPClient()
	}
	noRedirect := *c
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &transport{httpClient: c, noRedirectClient: &noRedirect}
}

// defaultHTTPClient mirrors the teacher's NewClient transport tuning:
// generous connection pooling and keep-alives, no global timeout. A
// request ends when its context is cancelled; the provider sets no
// deadline on its long-poll and SSE requests.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

type requestOptions struct {
	method      string
	url         string
	body        io.Reader
	contentType string
	headers     map[string]HeaderValue
	noRedirect  bool
}

func (t *transport) newRequest(ctx context.Context, opt requestOptions) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, opt.method, opt.url, opt.body)
	if err != nil {
		return nil, err
	}
	if opt.contentType != "" {
		req.Header.Set(headerContentType, opt.contentType)
	}
	for k, v := range opt.headers {
		req.Header.Set(k, v.Value())
	}
	return req, nil
}

// execute runs a single request to completion and buffers the body.
// This is the "execute" primitive of spec §4.B.
func (t *transport) execute(ctx context.Context, opt requestOptions) (*rawResponse, error) {
	req, err := t.newRequest(ctx, opt)
	if err != nil {
		return nil, err
	}

	client := t.httpClient
	if opt.noRedirect {
		client = t.noRedirectClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		return nil, newError(KindNetwork, opt.method, opt.url, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		return nil, newError(KindNetwork, opt.method, opt.url, resp.StatusCode, err)
	}

	return &rawResponse{
		Status: resp.StatusCode,
		Meta:   extractMeta(resp.Header),
		Header: resp.Header,
		Body:   body,
	}, nil
}

// executeStreaming runs a request and hands back the live response so
// the caller can read (and cancel) a long-poll body directly, without
// the intermediate buffering execute() does. This is spec §4.B's
// "execute_streaming" primitive.
func (t *transport) executeStreaming(ctx context.Context, opt requestOptions) (*http.Response, error) {
	req, err := t.newRequest(ctx, opt)
	if err != nil {
		return nil, err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		return nil, newError(KindNetwork, opt.method, opt.url, 0, err)
	}
	return resp, nil
}

// sseStream pairs a live SSE parser with the underlying response so the
// caller can close it to abort the connection.
type sseStream struct {
	resp      *http.Response
	parser    *sse.Parser
	base64    bool
}

// executeSSE opens an SSE subscription. This is spec §4.B's
// "execute_sse" primitive; it also implements the
// Stream-SSE-Data-Encoding: base64 handling described there.
func (t *transport) executeSSE(ctx context.Context, opt requestOptions) (*sseStream, error) {
	resp, err := t.executeStreaming(ctx, opt)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		meta := extractMeta(resp.Header)
		kind := classifyStatus(resp.StatusCode, meta, false)
		return nil, &Error{Kind: kind, Op: opt.method, URL: opt.url, StatusCode: resp.StatusCode, Message: string(body), RetryAfter: meta.RetryAfter}
	}
	encoding := resp.Header.Get(headerStreamSSEEncoding)
	return &sseStream{
		resp:   resp,
		parser: sse.NewParser(resp.Body),
		base64: strings.EqualFold(encoding, "base64"),
	}, nil
}

func (s *sseStream) Close() error {
	return s.resp.Body.Close()
}
