package yjsprovider

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

// snapshotResult is what discoverSnapshot resolves to: the offset the
// Updates Consumer must start tailing from, and the snapshot body to
// apply first (nil if there was nothing to download).
type snapshotResult struct {
	StartOffset Offset
	Snapshot    []byte
}

// discoverSnapshot implements spec §4.E. It races against the server's
// background compactor: a 404 on the snapshot body (deleted mid-race)
// restarts discovery from the top; a 410 on that same GET is NOT
// retried (SPEC_FULL §5 / spec §9's open question) — it is returned as
// a fatal OffsetGone so the caller can decide whether to restart from
// "-1" explicitly.
func discoverSnapshot(ctx context.Context, t *transport, docURL string, headers map[string]HeaderValue, logger *zap.Logger) (snapshotResult, error) {
	for {
		redirectURL := withOffsetQuery(docURL, string(OffsetSnapshot))
		resp, err := t.execute(ctx, requestOptions{
			method:     http.MethodGet,
			url:        redirectURL,
			headers:    headers,
			noRedirect: true,
		})
		if err != nil {
			return snapshotResult{}, err
		}
		if resp.Status != http.StatusTemporaryRedirect {
			return snapshotResult{}, newError(classifyStatus(resp.Status, resp.Meta, false), "snapshot", redirectURL, resp.Status, nil)
		}

		location := resp.Header.Get("Location")
		resolved := parseOffsetFromLocation(docURL, location)

		if !resolved.IsSnapshotToken() {
			logger.Debug("snapshot discovery resolved directly", zap.String("offset", resolved.String()))
			return snapshotResult{StartOffset: resolved}, nil
		}

		bodyURL := withOffsetQuery(docURL, resolved.String())
		bodyResp, err := t.execute(ctx, requestOptions{
			method:  http.MethodGet,
			url:     bodyURL,
			headers: headers,
		})
		if err != nil {
			return snapshotResult{}, err
		}

		switch bodyResp.Status {
		case http.StatusOK:
			logger.Info("snapshot loaded", zap.String("snapshot_offset", resolved.String()), zap.Int("bytes", len(bodyResp.Body)))
			return snapshotResult{StartOffset: bodyResp.Meta.NextOffset, Snapshot: bodyResp.Body}, nil
		case http.StatusNotFound:
			// Compactor deleted this snapshot mid-race; restart discovery.
			logger.Debug("snapshot superseded mid-race, restarting discovery")
			continue
		default:
			return snapshotResult{}, newError(classifyStatus(bodyResp.Status, bodyResp.Meta, false), "snapshot", bodyURL, bodyResp.Status, nil)
		}
	}
}

// withOffsetQuery returns docURL with its "offset" query parameter set,
// replacing any existing value.
func withOffsetQuery(docURL, offset string) string {
	return withQuery(docURL, map[string]string{"offset": offset})
}

// withQuery returns docURL with the given query parameters set,
// replacing any existing values of the same name.
func withQuery(docURL string, params map[string]string) string {
	u, err := url.Parse(docURL)
	if err != nil {
		return docURL
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// parseOffsetFromLocation extracts the "offset" query value from a
// redirect Location header. Location may be a full URL or a path; it is
// resolved against docURL per standard HTTP redirect semantics.
func parseOffsetFromLocation(docURL, location string) Offset {
	base, err := url.Parse(docURL)
	if err != nil {
		return OffsetBeginning
	}
	loc, err := url.Parse(location)
	if err != nil {
		return OffsetBeginning
	}
	resolved := base.ResolveReference(loc)
	offset := resolved.Query().Get("offset")
	if offset == "" {
		return OffsetBeginning
	}
	return Offset(offset)
}
