package yjsprovider

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// parseRetryAfter parses a Retry-After header as either a delta-seconds
// value or an HTTP-date, capped at one hour. Returns 0 if absent or
// unparsable. Ported from the teacher's retry.go.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		if d := time.Duration(secs) * time.Second; d < time.Hour {
			return d
		}
		return time.Hour
	}
	if t, err := http.ParseTime(header); err == nil {
		if delta := time.Until(t); delta > 0 {
			if delta > time.Hour {
				return time.Hour
			}
			return delta
		}
	}
	return 0
}

// newBoundedBackOff builds an exponential curve capped at max, with no
// jitter: the awareness reconnect loop (spec §4.G: base 100ms, factor
// 1.5, cap 2s) and the producer's SequenceGap retry delay both want a
// deterministic, boundable wait rather than the teacher's hand-rolled
// time.After loop with random jitter.
func newBoundedBackOff(initial, max time.Duration, multiplier float64) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = multiplier
	b.RandomizationFactor = 0
	// These loops are bounded by an explicit attempt counter, not by
	// elapsed wall time; disable ExponentialBackOff's own cutoff so
	// NextBackOff never returns early on our behalf.
	b.MaxElapsedTime = 0
	return b
}

// nextDelay calls bo.NextBackOff() and reports whether the caller should
// give up. In backoff/v5, NextBackOff returns an error (rather than a
// sentinel duration) once the curve decides to stop; with MaxElapsedTime
// disabled, the curves built by newBoundedBackOff never stop on their own.
func nextDelay(bo *backoff.ExponentialBackOff) (time.Duration, bool) {
	d, err := bo.NextBackOff()
	if err != nil {
		return 0, false
	}
	return d, true
}

// defaultAwarenessRetryPolicy is spec §4.G's reconnect curve: base 100ms,
// factor 1.5, cap 2s.
func defaultAwarenessRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 1.5}
}

// defaultSequenceGapRetryPolicy is the "short bounded delay" spec §4.C
// calls for between a 409 SequenceGap rejection and the re-send.
func defaultSequenceGapRetryPolicy() RetryPolicy {
	return RetryPolicy{InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
}

// backOffFromPolicy builds a bounded exponential curve from a RetryPolicy,
// falling back to def for any zero-valued field so WithRetryPolicy can
// override just the fields an embedder cares about.
func backOffFromPolicy(policy, def RetryPolicy) *backoff.ExponentialBackOff {
	if policy.InitialInterval == 0 {
		policy.InitialInterval = def.InitialInterval
	}
	if policy.MaxInterval == 0 {
		policy.MaxInterval = def.MaxInterval
	}
	if policy.Multiplier == 0 {
		policy.Multiplier = def.Multiplier
	}
	return newBoundedBackOff(policy.InitialInterval, policy.MaxInterval, policy.Multiplier)
}

// awarenessMaxReconnectAttempts bounds the NotFound retry loop in
// component G; awareness is optional, so giving up must not tear down
// the provider (spec §4.G).
const awarenessMaxReconnectAttempts = 30

// sleepOrCancel waits d unless ctx is cancelled first, in which case it
// returns errCancelled. Used by the updates/awareness reconnect loops'
// "sleep N ms; continue" steps.
func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errCancelled
	}
}
