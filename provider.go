package yjsprovider

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State is one of the three legal Provider states (spec §3, §4.H).
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// connectionContext bundles one connect attempt, per spec §3. Exactly
// one is active per Provider; any callback whose context isn't the
// current one is a no-op ("stale").
type connectionContext struct {
	id     uint64
	ctx    context.Context
	cancel context.CancelFunc

	provider             *Provider
	producer             *IdempotentProducer
	awarenessBroadcaster *awarenessBroadcaster
}

func (c *connectionContext) stale() bool {
	p := c.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != c
}

// eventEmitter is the "small typed pub-sub" spec §9 calls for: one slot
// per event name, synchronous emission, register/deregister.
type eventEmitter struct {
	mu       sync.Mutex
	status   []func(State)
	synced   []func(bool)
	errorFns []func(error)
}

func (e *eventEmitter) OnStatus(fn func(State)) (detach func()) {
	e.mu.Lock()
	e.status = append(e.status, fn)
	idx := len(e.status) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.status[idx] = nil
		e.mu.Unlock()
	}
}

func (e *eventEmitter) OnSynced(fn func(bool)) (detach func()) {
	e.mu.Lock()
	e.synced = append(e.synced, fn)
	idx := len(e.synced) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.synced[idx] = nil
		e.mu.Unlock()
	}
}

func (e *eventEmitter) OnError(fn func(error)) (detach func()) {
	e.mu.Lock()
	e.errorFns = append(e.errorFns, fn)
	idx := len(e.errorFns) - 1
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.errorFns[idx] = nil
		e.mu.Unlock()
	}
}

func (e *eventEmitter) emitStatus(s State) {
	e.mu.Lock()
	fns := append([]func(State){}, e.status...)
	e.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(s)
		}
	}
}

func (e *eventEmitter) emitSynced(v bool) {
	e.mu.Lock()
	fns := append([]func(bool){}, e.synced...)
	e.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(v)
		}
	}
}

func (e *eventEmitter) emitError(err error) {
	e.mu.Lock()
	fns := append([]func(error){}, e.errorFns...)
	e.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			fn(err)
		}
	}
}

// Provider is the state machine of component H: it owns the connection
// context and orchestrates the framing/transport/producer/snapshot/
// updates/awareness components (A-G) against a DocumentEngine and an
// optional AwarenessEngine.
type Provider struct {
	cfg    *config
	docURL string

	transport *transport
	logger    *zap.Logger

	docEngine       DocumentEngine
	awarenessEngine AwarenessEngine

	emitter *eventEmitter

	mu         sync.Mutex
	state      State
	synced     bool
	nextCtxID  uint64
	current    *connectionContext
	destroyed  bool

	detachDocObserver       func()
	detachAwarenessObserver func()
}

// NewProvider constructs a Provider for the given DocumentEngine.
// awareness is optional: pass nil to disable it regardless of
// WithAwareness. If WithAutoConnect(false) was not given, Connect is
// invoked before NewProvider returns any error from it (matching the
// teacher's "construction does minimal validation, operations do I/O"
// posture — here extended because spec §6.4 requires auto-connect to
// actually run connect()).
func NewProvider(docEngine DocumentEngine, awarenessEngine AwarenessEngine, opts ...Option) (*Provider, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	docURL, err := resolveDocumentURL(cfg.baseURL, cfg.docID)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = defaultHTTPClient()
	}

	p := &Provider{
		cfg:             cfg,
		docURL:          docURL,
		transport:       newTransport(httpClient),
		logger:          cfg.logger,
		docEngine:       docEngine,
		awarenessEngine: awarenessEngine,
		emitter:         &eventEmitter{},
		state:           StateDisconnected,
	}

	p.detachDocObserver = docEngine.OnUpdate(p.onLocalDocUpdate)
	if awarenessEngine != nil && cfg.awarenessName != "" {
		p.detachAwarenessObserver = awarenessEngine.OnUpdate(p.onLocalAwarenessUpdate)
	}

	if cfg.autoConnect {
		if err := p.Connect(context.Background()); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// OnStatus registers a state-transition observer.
func (p *Provider) OnStatus(fn func(State)) func() { return p.emitter.OnStatus(fn) }

// OnSynced registers a synced-flag observer.
func (p *Provider) OnSynced(fn func(bool)) func() { return p.emitter.OnSynced(fn) }

// OnError registers an error observer.
func (p *Provider) OnError(fn func(error)) func() { return p.emitter.OnError(fn) }

// State returns the current provider state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Synced returns the current synced flag.
func (p *Provider) Synced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synced
}

// Connect is idempotent: it only acts when state is Disconnected, per
// spec §4.H.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateDisconnected {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.nextCtxID++
	cctx, cancel := context.WithCancel(context.Background())
	cc := &connectionContext{id: p.nextCtxID, ctx: cctx, cancel: cancel, provider: p}
	p.current = cc
	p.mu.Unlock()

	p.emitter.emitStatus(StateConnecting)

	err := p.runConnect(cc)
	if err != nil {
		if err == errCancelled {
			return nil
		}
		p.emitter.emitError(err)
		p.disconnectContext(cc)
		return err
	}
	return nil
}

func (p *Provider) runConnect(cc *connectionContext) error {
	snap, err := discoverSnapshot(cc.ctx, p.transport, p.docURL, p.cfg.headers, p.logger)
	if err != nil {
		return err
	}
	if cc.stale() {
		return errCancelled
	}

	if len(snap.Snapshot) > 0 {
		if err := p.docEngine.Apply(snap.Snapshot, OriginServer); err != nil {
			p.logger.Warn("document engine failed to apply snapshot", zap.Error(err))
		}
	}

	producerID := p.cfg.producerID
	if producerID == "" {
		producerID = p.defaultProducerID()
	}

	producerCfg := ProducerConfig{
		AutoClaim:             p.cfg.producer.autoClaim,
		MaxBatchBytes:         p.cfg.producer.maxBatchBytes,
		Linger:                p.cfg.producer.linger,
		MaxInFlight:           p.cfg.producer.maxInFlight,
		MaxSequenceGapRetries: p.cfg.producer.maxSequenceGapRetries,
		ContentType:           "application/octet-stream",
		SequenceGapBackoff:    p.cfg.retryPolicy,
		OnError: func(err error) {
			p.emitter.emitError(err)
		},
	}
	// newIdempotentProducer rejects auto-claim combined with more than one
	// batch in flight (ErrAutoClaimConcurrency), so with auto-claim on the
	// provider's producer sends one batch at a time.
	if producerCfg.AutoClaim {
		producerCfg.MaxInFlight = 1
	}
	producer, err := newIdempotentProducer(cc.ctx, p.transport, p.docURL, producerID, p.cfg.headers, producerCfg, p.cfg.producer, p.logger)
	if err != nil {
		return err
	}
	cc.producer = producer

	if cc.stale() {
		return errCancelled
	}

	uc := &updatesConsumer{
		cc:      cc,
		t:       p.transport,
		docURL:  p.docURL,
		headers: p.cfg.headers,
		engine:  p.docEngine,
		logger:  p.logger,
		markSynced: func() {
			p.markSynced(cc)
		},
	}
	uc.setResyncHook(func() {
		p.mu.Lock()
		p.synced = true
		p.mu.Unlock()
		p.emitter.emitSynced(true)
	})

	firstSync := make(chan error, 1)
	go uc.run(snap.StartOffset, firstSync)

	select {
	case err := <-firstSync:
		if err != nil {
			return err
		}
	case <-cc.ctx.Done():
		return errCancelled
	}

	if cc.stale() {
		return errCancelled
	}

	if p.awarenessEngine != nil && p.cfg.awarenessName != "" {
		consumer := &awarenessConsumer{
			cc:          cc,
			t:           p.transport,
			docURL:      p.docURL,
			name:        p.cfg.awarenessName,
			headers:     p.cfg.headers,
			engine:      p.awarenessEngine,
			logger:      p.logger,
			retryPolicy: p.cfg.retryPolicy,
		}
		broadcaster := &awarenessBroadcaster{
			cc:                cc,
			t:                 p.transport,
			docURL:            p.docURL,
			name:              p.cfg.awarenessName,
			headers:           p.cfg.headers,
			engine:            p.awarenessEngine,
			logger:            p.logger,
			heartbeatInterval: heartbeatIntervalForTTL(p.cfg.awarenessTTL),
		}
		cc.awarenessBroadcaster = broadcaster
		go consumer.run()
		go broadcaster.heartbeat(cc.ctx)
	}

	return nil
}

// defaultProducerID derives a producer id from the document URL and the
// document engine's client id when the embedder didn't supply one, plus a
// random suffix so every connect gets a distinct id (grounded in the
// teacher's sibling package's use of google/uuid for identifiers).
func (p *Provider) defaultProducerID() string {
	name := p.docURL + "#" + strconv.FormatUint(p.docEngine.ClientID(), 10)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String() + "-" + uuid.New().String()[:8]
}

// markSynced implements spec §4.F/§4.H's ordering contract: if the
// provider is still Connecting, it transitions to Connected BEFORE
// synced flips true, so observers of synced=true always see
// connected=true.
func (p *Provider) markSynced(cc *connectionContext) {
	p.mu.Lock()
	if p.current != cc {
		p.mu.Unlock()
		return
	}
	transitioned := false
	if p.state == StateConnecting {
		p.state = StateConnected
		transitioned = true
	}
	p.synced = true
	p.mu.Unlock()

	if transitioned {
		p.emitter.emitStatus(StateConnected)
	}
	p.emitter.emitSynced(true)
}

// onLocalDocUpdate feeds local edits to the active producer. Updates
// tagged OriginServer are updates the provider itself just applied and
// are skipped, preventing the feedback loop spec §5 warns about.
func (p *Provider) onLocalDocUpdate(update []byte, origin string) {
	if origin == OriginServer {
		return
	}
	p.mu.Lock()
	cc := p.current
	if cc == nil {
		p.mu.Unlock()
		return
	}
	p.synced = false
	p.mu.Unlock()

	p.emitter.emitSynced(false)

	if err := cc.producer.Append(FrameUpdate(update)); err != nil {
		p.logger.Debug("dropped local update, producer closed", zap.Error(err))
	}
}

// onLocalAwarenessUpdate feeds local presence changes to the active
// broadcaster, under the same origin filter as document updates.
func (p *Provider) onLocalAwarenessUpdate(added, updated, removed []uint64, origin string) {
	if origin == OriginServer {
		return
	}
	p.mu.Lock()
	cc := p.current
	p.mu.Unlock()
	if cc == nil || cc.awarenessBroadcaster == nil {
		return
	}
	cc.awarenessBroadcaster.onLocalChange()
}

// Disconnect is idempotent: it transitions to Disconnected, aborts the
// current context, flushes and closes the producer, removes awareness,
// and cancels the heartbeat timer (spec §4.H).
func (p *Provider) Disconnect() {
	p.mu.Lock()
	cc := p.current
	if p.state == StateDisconnected || cc == nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.disconnectContext(cc)
}

func (p *Provider) disconnectContext(cc *connectionContext) {
	p.mu.Lock()
	if p.current != cc {
		p.mu.Unlock()
		return
	}
	p.current = nil
	p.state = StateDisconnected
	p.synced = false
	p.mu.Unlock()

	p.emitter.emitStatus(StateDisconnected)

	if cc.awarenessBroadcaster != nil {
		removeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		cc.awarenessBroadcaster.disconnect(removeCtx)
		cancel()
	}

	// Close (which flushes pending/in-flight batches) must run while
	// cc.ctx is still live: the producer's batch POSTs are bound to it,
	// and cancelling first would turn every pending write into an
	// immediate errCancelled instead of actually reaching the wire
	// (spec §1: "flushing pending writes" on disconnect).
	if cc.producer != nil {
		_ = cc.producer.Close()
	}

	cc.cancel()
}

// Destroy disconnects and detaches every engine observer; after Destroy
// returns the Provider must not be used again (spec §4.H).
func (p *Provider) Destroy() {
	p.Disconnect()

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.destroyed = true
	p.mu.Unlock()

	if p.detachDocObserver != nil {
		p.detachDocObserver()
	}
	if p.detachAwarenessObserver != nil {
		p.detachAwarenessObserver()
	}
}
