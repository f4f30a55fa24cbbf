// Package workers implements the cooperative shutdown coordination shared
// by every goroutine driving the session: control channel, data channel,
// TLS handshake, and the muxer orchestrating them. Each component gets its
// own goroutine instead of the single-threaded, callback-driven loop of the
// reference client, and Manager is the coordination point that lets any one
// of them request a clean shutdown of all the others.
package workers

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Manager coordinates a set of worker goroutines so that any one of them
// can trigger an orderly shutdown of all the others. The zero value is not
// usable; construct with NewManager.
type Manager struct {
	cancel  context.CancelFunc
	ctx     context.Context
	eg      *errgroup.Group
	once    sync.Once
	running sync.WaitGroup
}

// NewManager creates a new worker Manager.
func NewManager() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	return &Manager{
		cancel: cancel,
		ctx:    ctx,
		eg:     eg,
	}
}

// StartWorker registers fn as a new worker goroutine. fn must itself watch
// ShouldShutdown, return promptly once it fires, and call OnWorkerDone on
// the way out.
func (m *Manager) StartWorker(fn func()) {
	m.running.Add(1)
	m.eg.Go(func() error {
		fn()
		return nil
	})
}

// ShouldShutdown returns a channel that is closed once a shutdown has been
// requested, either via StartShutdown or because a worker returned an error
// (none currently do, but errgroup wires that path for free).
func (m *Manager) ShouldShutdown() <-chan struct{} {
	return m.ctx.Done()
}

// StartShutdown requests that every registered worker stop. Safe to call
// from multiple workers and multiple times; only the first call has effect.
func (m *Manager) StartShutdown() {
	m.once.Do(m.cancel)
}

// OnWorkerDone marks one worker as finished; every worker must call it
// (typically in a defer) before returning, so WaitWorkersShutdown can
// block until the whole set has drained.
func (m *Manager) OnWorkerDone() {
	m.running.Done()
}

// WaitWorkersShutdown blocks until every registered worker has returned.
func (m *Manager) WaitWorkersShutdown() {
	m.running.Wait()
}
