// Command echo-provider is a minimal demonstration of yjsprovider: it
// wires a trivial in-memory DocumentEngine to a real Provider against a
// durable stream and echoes every line typed on stdin as one document
// update, printing whatever updates arrive from the server.
//
// Usage:
//
//	echo-provider -base-url https://example.com/streams -doc-id room-1
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	yjsprovider "github.com/durable-streams/yjs-provider-go"
)

// lineEngine is a DocumentEngine that treats each update as one opaque
// line of text. It has no CRDT merge logic: incoming updates are simply
// printed, and local updates are whatever the caller hands to Type.
type lineEngine struct {
	mu       sync.Mutex
	clientID uint64
	observer func([]byte, string)
}

func newLineEngine(clientID uint64) *lineEngine {
	return &lineEngine{clientID: clientID}
}

func (e *lineEngine) OnUpdate(cb func([]byte, string)) func() {
	e.mu.Lock()
	e.observer = cb
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.observer = nil
		e.mu.Unlock()
	}
}

func (e *lineEngine) Apply(update []byte, origin string) error {
	fmt.Printf("[remote] %s\n", string(update))
	return nil
}

func (e *lineEngine) ClientID() uint64 { return e.clientID }

// Type feeds one locally authored line to any registered observer, as
// if the user's editor had just produced a CRDT update.
func (e *lineEngine) Type(line string) {
	e.mu.Lock()
	cb := e.observer
	e.mu.Unlock()
	if cb != nil {
		cb([]byte(line), "local")
	}
}

func main() {
	baseURL := flag.String("base-url", "", "durable stream base URL")
	docID := flag.String("doc-id", "scratch", "document id")
	flag.Parse()

	if *baseURL == "" {
		fmt.Fprintln(os.Stderr, "echo-provider: -base-url is required")
		os.Exit(2)
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	engine := newLineEngine(1)

	p, err := yjsprovider.NewProvider(engine, nil,
		yjsprovider.WithBaseURL(*baseURL),
		yjsprovider.WithDocID(*docID),
		yjsprovider.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}
	defer p.Destroy()

	p.OnStatus(func(s yjsprovider.State) { logger.Info("status", zap.String("state", string(s))) })
	p.OnSynced(func(synced bool) { logger.Info("synced", zap.Bool("synced", synced)) })
	p.OnError(func(err error) { logger.Warn("provider error", zap.Error(err)) })

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			engine.Type(scanner.Text())
		}
	}()

	<-ctx.Done()
}
