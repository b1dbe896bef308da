package yjsprovider

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a category of provider error. Kind values are stable
// and safe to switch on; Error additionally carries the HTTP status and
// any protocol-specific detail that produced the kind.
type Kind string

const (
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindConflictExists Kind = "conflict_exists"
	KindSequenceGap    Kind = "sequence_gap"
	KindStaleEpoch     Kind = "stale_epoch"
	KindOffsetGone     Kind = "offset_gone"
	KindBadRequest     Kind = "bad_request"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindRateLimited    Kind = "rate_limited"
	KindServerBusy     Kind = "server_busy"
	KindTimeout        Kind = "timeout"
	KindNetwork        Kind = "network"
	KindFraming        Kind = "framing"
	KindParse          Kind = "parse"

	// KindPreconditionFailed is produced by a 412 response to a batch
	// POST carrying an If-Match precondition (SPEC_FULL §4: ETag / If-Match).
	// It signals another writer already moved the stream and is never
	// auto-retried.
	KindPreconditionFailed Kind = "precondition_failed"

	// KindCancelled is internal: it is produced when a request is aborted
	// by its ConnectionContext's cancel token and is never surfaced to
	// OnError. Callers that see it MUST treat it as "stale, silently stop".
	KindCancelled Kind = "cancelled"
)

// Sentinel errors for errors.Is comparisons against the simple cases.
// Errors with extra detail (expected/received seq, current epoch, retry
// delay) are still comparable against these via Error.Is.
var (
	ErrNotFound       = errors.New("yjsprovider: not found")
	ErrConflict       = errors.New("yjsprovider: conflict")
	ErrConflictExists = errors.New("yjsprovider: stream already exists with different configuration")
	ErrSequenceGap    = errors.New("yjsprovider: sequence gap")
	ErrStaleEpoch     = errors.New("yjsprovider: stale epoch")
	ErrOffsetGone     = errors.New("yjsprovider: offset gone")
	ErrBadRequest     = errors.New("yjsprovider: bad request")
	ErrUnauthorized   = errors.New("yjsprovider: unauthorized")
	ErrForbidden      = errors.New("yjsprovider: forbidden")
	ErrRateLimited    = errors.New("yjsprovider: rate limited")
	ErrServerBusy     = errors.New("yjsprovider: server busy")
	ErrTimeout        = errors.New("yjsprovider: timeout")
	ErrNetwork        = errors.New("yjsprovider: network error")
	ErrFraming        = errors.New("yjsprovider: framing error")
	ErrParse          = errors.New("yjsprovider: parse error")

	// ErrPreconditionFailed is returned when a batch POST carrying an
	// If-Match header loses the race to a concurrent writer (412).
	ErrPreconditionFailed = errors.New("yjsprovider: precondition failed")

	errCancelled = errors.New("yjsprovider: cancelled")

	// ErrProducerClosed is returned by Append once Close has run.
	ErrProducerClosed = errors.New("yjsprovider: producer is closed")

	// ErrAutoClaimConcurrency guards an unsafe producer configuration:
	// concurrent in-flight batches would race to claim the same epoch.
	ErrAutoClaimConcurrency = errors.New("yjsprovider: auto_claim requires max_in_flight=1")
)

var kindSentinel = map[Kind]error{
	KindNotFound:           ErrNotFound,
	KindConflict:           ErrConflict,
	KindConflictExists:     ErrConflictExists,
	KindSequenceGap:        ErrSequenceGap,
	KindStaleEpoch:         ErrStaleEpoch,
	KindOffsetGone:         ErrOffsetGone,
	KindBadRequest:         ErrBadRequest,
	KindUnauthorized:       ErrUnauthorized,
	KindForbidden:          ErrForbidden,
	KindRateLimited:        ErrRateLimited,
	KindServerBusy:         ErrServerBusy,
	KindTimeout:            ErrTimeout,
	KindNetwork:            ErrNetwork,
	KindFraming:            ErrFraming,
	KindParse:              ErrParse,
	KindPreconditionFailed: ErrPreconditionFailed,
	KindCancelled:          errCancelled,
}

// Error is the taxonomy described in spec §7: every error the provider
// produces (from the transport, the producer, or framing) is one of
// these, carrying whatever protocol detail was available.
type Error struct {
	Kind Kind

	// Op names the operation that failed: "snapshot", "append", "updates",
	// "parse" (framing), "connect" (doc_id validation), or the HTTP method
	// for a transport-level failure.
	Op  string
	URL string

	StatusCode int
	Message    string

	RetryAfter time.Duration

	// Set only for KindSequenceGap.
	ExpectedSeq int
	ReceivedSeq int

	// Set only for KindStaleEpoch.
	CurrentEpoch int

	// Err is the underlying cause, if any (network error, JSON error, ...).
	Err error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("yjsprovider: %s %s: %s (status %d)", e.Op, e.URL, msg, e.StatusCode)
	}
	return fmt.Sprintf("yjsprovider: %s %s: %s", e.Op, e.URL, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrStaleEpoch) (and friends) work against the
// rich Error without callers needing to type-assert.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinel[e.Kind]
	return ok && sentinel == target
}

func newError(kind Kind, op, url string, statusCode int, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, StatusCode: statusCode, Err: err}
}

// classifyStatus maps an HTTP status code to a Kind, per spec §4.B.
// producerContext selects the StaleEpoch/SequenceGap refinements of
// 403/409 when the relevant fencing headers are present.
func classifyStatus(statusCode int, meta responseMeta, producerContext bool) Kind {
	switch statusCode {
	case 400:
		return KindBadRequest
	case 401:
		return KindUnauthorized
	case 403:
		if producerContext && meta.HasProducerEpoch {
			return KindStaleEpoch
		}
		return KindForbidden
	case 404:
		return KindNotFound
	case 409:
		if producerContext && meta.HasSequenceHeaders {
			return KindSequenceGap
		}
		return KindConflict
	case 410:
		return KindOffsetGone
	case 412:
		return KindPreconditionFailed
	case 429:
		return KindRateLimited
	}
	if statusCode >= 500 {
		return KindServerBusy
	}
	return KindParse
}
