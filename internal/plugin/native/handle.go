// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

package native

import (
	"context"
	"sync"
	"time"

	plugins "github.com/glimmerdesk/glimmer/internal/plugin"
)

// Handle is the shared-access wrapper around a Manager. Command handlers and
// the scheduler task all go through one RWMutex: mutations (and every foreign
// call, which may mutate module state) take exclusive access, pure reads take
// shared access.
//
// Foreign calls are never preempted. A tick that blocks holds exclusive
// access for its whole duration, so any concurrent load/unload waits until
// the call returns. This serialization is the contract, not a bug.
type Handle struct {
	mu  sync.RWMutex
	mgr *Manager
	wg  sync.WaitGroup

	// onTickCycle, if set, observes each completed scheduler cycle and its
	// wall time. Used to feed metrics.
	onTickCycle func(elapsed time.Duration)
}

// NewHandle wraps a manager.
func NewHandle(mgr *Manager) *Handle {
	return &Handle{mgr: mgr}
}

// SetTickObserver registers a hook called after every scheduler cycle.
// Must be called before StartTickLoop.
func (h *Handle) SetTickObserver(fn func(elapsed time.Duration)) {
	h.onTickCycle = fn
}

// StartTickLoop runs the shared scheduler in a background goroutine: a fixed
// period, independent of any per-plugin declared interval. Each wake acquires
// exclusive access, ticks every live plugin, and releases. Stops when ctx is
// canceled; Wait blocks until the goroutine exits.
func (h *Handle) StartTickLoop(ctx context.Context, period time.Duration) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				start := time.Now()
				h.mu.Lock()
				h.mgr.TickAll()
				h.mu.Unlock()
				if h.onTickCycle != nil {
					h.onTickCycle(time.Since(start))
				}
			}
		}
	}()
}

// Wait blocks until the tick loop has exited.
func (h *Handle) Wait() {
	h.wg.Wait()
}

// DiscoverAndLoad. See Manager.DiscoverAndLoad.
func (h *Handle) DiscoverAndLoad() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgr.DiscoverAndLoad()
}

// LoadFromInstalled. See Manager.LoadFromInstalled.
func (h *Handle) LoadFromInstalled(loader *plugins.Loader) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgr.LoadFromInstalled(loader)
}

// LoadPlugin. See Manager.LoadPlugin.
func (h *Handle) LoadPlugin(path string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgr.LoadPlugin(path)
}

// LoadPluginByID. See Manager.LoadPluginByID.
func (h *Handle) LoadPluginByID(id string, loader *plugins.Loader) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgr.LoadPluginByID(id, loader)
}

// UnloadPlugin. See Manager.UnloadPlugin.
func (h *Handle) UnloadPlugin(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgr.UnloadPlugin(id)
}

// SendMessage dispatches a message to one plugin. Takes exclusive access:
// the foreign handler may mutate module state.
func (h *Handle) SendMessage(id, msgType string, payload []byte) (int32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mgr.SendMessage(id, msgType, payload)
}

// ListPlugins returns descriptors under shared access; it never touches
// foreign-code state.
func (h *Handle) ListPlugins() []Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mgr.ListPlugins()
}

// IsLoaded reports whether a plugin id is loaded.
func (h *Handle) IsLoaded(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mgr.IsLoaded(id)
}

// ShutdownAll closes every plugin. Idempotent.
func (h *Handle) ShutdownAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mgr.ShutdownAll()
}
