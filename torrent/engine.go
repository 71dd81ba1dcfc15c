package torrent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// Engine is the top-level swarm coordinator: it owns the parsed
// metainfo and piece store, and drives the tracker poller plus a
// bounded pool of peer sessions until every piece is complete.
type Engine struct {
	meta  *Metainfo
	store *Store
	cfg   EngineConfig
	self  [20]byte
}

// NewEngine parses path as a .torrent file and prepares the output
// file (named meta.Name, written in outDir) for download. Malformed
// metainfo is fatal at construction time.
func NewEngine(path, outDir string, cfg EngineConfig) (*Engine, error) {
	meta, err := ParseMetainfo(path)
	if err != nil {
		return nil, fmt.Errorf("malformed metainfo: %w", err)
	}

	store, err := NewStore(meta, filepath.Join(outDir, meta.Name))
	if err != nil {
		return nil, fmt.Errorf("preparing output file: %w", err)
	}

	return &Engine{
		meta:  meta,
		store: store,
		cfg:   cfg,
		self:  generatePeerID(),
	}, nil
}

// Close releases the engine's output file handle.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Run starts the tracker poller and cfg.MaxPeers worker goroutines,
// each pulling one peer address at a time off a bounded shared queue
// and running a full peer session against it. Run blocks until every
// piece has reached COMPLETE, then cancels the poller and all workers
// and returns.
func (e *Engine) Run(ctx context.Context) error {
	logInfo("starting download of %q: %d pieces, info_hash=%x", e.meta.Name, e.meta.NumPieces, e.meta.InfoHash)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addrs := make(chan peerAddr, e.cfg.MaxPeers*4)

	var pollerWG sync.WaitGroup
	pollerWG.Add(1)
	go func() {
		defer pollerWG.Done()
		pollTracker(ctx, e.meta, e.self, e.cfg, addrs)
	}()

	var workersWG sync.WaitGroup
	for i := 0; i < e.cfg.MaxPeers; i++ {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			e.worker(ctx, addrs)
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.waitComplete(ctx)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	cancel()
	workersWG.Wait()
	pollerWG.Wait()
	e.store.FinishProgress()

	if !e.store.AllComplete() {
		return fmt.Errorf("download did not complete: context ended early")
	}

	logInfo("download of %q complete", e.meta.Name)
	return nil
}

// worker repeatedly pulls one peer address from addrs and runs a full
// session against it, moving on to the next address on any terminal
// outcome.
func (e *Engine) worker(ctx context.Context, addrs <-chan peerAddr) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr, ok := <-addrs:
			if !ok {
				return
			}
			s := newSession(addr, e.meta, e.cfg, e.self)
			s.run(ctx, e.store)
		}
	}
}

// waitComplete polls the piece store until all_complete() holds or
// the context is cancelled.
func (e *Engine) waitComplete(ctx context.Context) {
	const pollInterval = 200 * time.Millisecond

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if e.store.AllComplete() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
