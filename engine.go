package yjsprovider

// OriginServer tags an update or awareness change that originated from
// the remote stream, as opposed to a local edit. The provider feeds only
// non-server-origin updates back to the producer/broadcaster; this is
// the sole mechanism that prevents a feedback loop (spec §5, "shared
// resource policy").
const OriginServer = "server"

// DocumentEngine is the narrow capability the provider needs from a
// CRDT document. It is implemented by the embedding application (the
// actual Yjs document is explicitly out of scope, spec §1); the
// provider only ever observes it through this interface.
type DocumentEngine interface {
	// OnUpdate registers a callback invoked with (update, origin) every
	// time the local document mutates, including when the provider
	// itself applies a remote update. It returns a detach function.
	OnUpdate(cb func(update []byte, origin string)) (detach func())

	// Apply integrates a remote update. MUST be idempotent: applying the
	// same update twice (e.g. after a duplicate-suppressed retry) must
	// not change the result.
	Apply(update []byte, origin string) error

	// ClientID is stable for the lifetime of the document instance and
	// is used to derive a default producer_id.
	ClientID() uint64
}

// AwarenessEngine is the narrow capability the provider needs from a
// presence/awareness store.
type AwarenessEngine interface {
	// OnUpdate registers a callback invoked with the client IDs that
	// were added, updated, or removed, and the origin of the change.
	OnUpdate(cb func(added, updated, removed []uint64, origin string)) (detach func())

	// Encode serializes the current state of the given client IDs.
	Encode(clientIDs []uint64) ([]byte, error)

	// Apply integrates a remote awareness payload.
	Apply(data []byte, origin string) error

	// SetLocalState updates the local client's awareness state.
	SetLocalState(value any) error

	// RemoveLocal clears the local client's awareness state; used on the
	// graceful-disconnect path.
	RemoveLocal() error

	// LocalClientID is the client ID the broadcaster's local changes are
	// filed under, and what the final removal payload is built from.
	LocalClientID() uint64
}
