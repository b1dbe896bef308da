package yjsprovider

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// updatesConsumer is component F: the resumable long-poll loop that
// tails the document stream and feeds framed updates to the
// DocumentEngine. It reads with buffered long-poll GETs only; SSE is not
// used for document updates. Every call to run() is one "generation"; the
// connectionContext's stale() check is what spec §4.F calls "any
// pending callbacks from previous generations become no-ops" — there is
// no separate counter because a provider has exactly one active
// ConnectionContext at a time (spec §3).
type updatesConsumer struct {
	cc      *connectionContext
	t       *transport
	docURL  string
	headers map[string]HeaderValue
	engine  DocumentEngine
	logger  *zap.Logger

	markSynced func()
	resynced   func()
}

// run executes spec §4.F's algorithm. It sends at most one value on
// firstSync: nil once initial sync completes (chunk.up_to_date seen, or
// NotFound on a fresh BEGINNING document), or an error if the initial
// sync itself fails; nothing is sent if the context is cancelled first.
// After that it keeps looping for live tailing until
// the context is cancelled, never touching firstSync again.
func (u *updatesConsumer) run(startOffset Offset, firstSync chan<- error) {
	currentOffset := startOffset
	initialSyncPending := true
	reportedFirstSync := false

	report := func(err error) {
		if !reportedFirstSync {
			reportedFirstSync = true
			firstSync <- err
		}
	}

	for {
		if u.cc.stale() {
			return
		}

		resp, err := u.t.execute(u.cc.ctx, requestOptions{
			method:  http.MethodGet,
			url:     withLiveOffsetQuery(u.docURL, currentOffset),
			headers: u.headers,
		})
		if err != nil {
			if err == errCancelled {
				return
			}
			perr, ok := err.(*Error)
			if ok && perr.Kind == KindNotFound {
				if initialSyncPending && currentOffset.IsBeginning() {
					u.markSynced()
					initialSyncPending = false
					report(nil)
				}
				if sleepOrCancel(u.cc.ctx, 100*time.Millisecond) != nil {
					return
				}
				continue
			}
			if initialSyncPending {
				report(err)
				return
			}
			u.logger.Warn("updates consumer error, backing off", zap.Error(err))
			if sleepOrCancel(u.cc.ctx, time.Second) != nil {
				return
			}
			continue
		}

		if u.cc.stale() {
			return
		}

		if perr := errorFromResponse(resp, "updates", u.docURL, false); perr != nil {
			if perr.Kind == KindNotFound {
				if initialSyncPending && currentOffset.IsBeginning() {
					u.markSynced()
					initialSyncPending = false
					report(nil)
				}
				if sleepOrCancel(u.cc.ctx, 100*time.Millisecond) != nil {
					return
				}
				continue
			}
			if initialSyncPending {
				report(perr)
				return
			}
			u.logger.Warn("updates consumer error, backing off", zap.Error(perr))
			if sleepOrCancel(u.cc.ctx, time.Second) != nil {
				return
			}
			continue
		}

		if resp.Meta.NextOffset != "" {
			currentOffset = resp.Meta.NextOffset
		}

		if len(resp.Body) > 0 {
			updates, ferr := ParseFrames(resp.Body)
			if ferr != nil {
				if initialSyncPending {
					report(ferr)
					return
				}
				u.logger.Error("failed to parse framed updates", zap.Error(ferr))
				continue
			}
			for _, upd := range updates {
				if err := u.engine.Apply(upd, OriginServer); err != nil {
					u.logger.Error("document engine failed to apply update", zap.Error(err))
				}
			}
		}

		if initialSyncPending && resp.Meta.UpToDate {
			u.markSynced()
			initialSyncPending = false
			report(nil)
		} else if len(resp.Body) > 0 {
			u.onResynced()
		}

		// 204 (long-poll timeout) and EOF both fall through to "continue
		// loop" per spec §4.F — there is nothing else to do for this
		// iteration once the chunk above has been processed.
	}
}

// onResynced is the "elif chunk.bytes: synced <- true" branch of spec
// §4.F's pseudocode; set by provider.go.
func (u *updatesConsumer) setResyncHook(fn func()) {
	u.resynced = fn
}

func (u *updatesConsumer) onResynced() {
	if u.resynced != nil {
		u.resynced()
	}
}

// withLiveOffsetQuery builds the long-poll read URL: ?offset=<token>&live=true.
func withLiveOffsetQuery(docURL string, offset Offset) string {
	return withQuery(docURL, map[string]string{
		"offset": offset.String(),
		"live":   "true",
	})
}

// errorFromResponse classifies a buffered response that wasn't a
// transport-level failure: non-2xx/204/304 statuses become *Error.
func errorFromResponse(resp *rawResponse, op, reqURL string, producerContext bool) *Error {
	switch resp.Status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotModified:
		return nil
	}
	kind := classifyStatus(resp.Status, resp.Meta, producerContext)
	return &Error{Kind: kind, Op: op, URL: reqURL, StatusCode: resp.Status, RetryAfter: resp.Meta.RetryAfter}
}
