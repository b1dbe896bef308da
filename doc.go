// Package yjsprovider is a Go client that keeps a Yjs document (and,
// optionally, its awareness state) synchronized against a durable,
// append-only HTTP stream.
//
// It implements the provider half of the protocol: snapshot discovery,
// an idempotent fenced producer for local edits, a resumable long-poll
// consumer for remote updates, and an SSE-based awareness channel. It
// never touches CRDT internals directly — callers supply a
// DocumentEngine (and optionally an AwarenessEngine) that know how to
// encode, decode, and merge updates; the provider only moves bytes.
//
// # Basic usage
//
//	p, err := yjsprovider.NewProvider(docEngine, awarenessEngine,
//		yjsprovider.WithBaseURL("https://example.com/streams"),
//		yjsprovider.WithDocID("room-42"),
//		yjsprovider.WithAwareness("room-42"),
//	)
//	if err != nil {
//		return err
//	}
//	defer p.Destroy()
//
//	p.OnSynced(func(synced bool) {
//		log.Println("synced:", synced)
//	})
//
// # Connection lifecycle
//
// A Provider is a small state machine: Disconnected, Connecting, and
// Connected. Connect and Disconnect are idempotent; Destroy tears the
// connection down and detaches the provider from its engines
// permanently.
//
// # Errors
//
// Failures are reported through OnError as *Error values, which carry a
// Kind classifying the failure (NotFound, Conflict, StaleEpoch,
// SequenceGap, OffsetGone, and so on — see errors.go) and support
// errors.Is against the package's sentinel errors.
package yjsprovider
