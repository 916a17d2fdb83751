// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

package native

import (
	"log/slog"
	"sync"
	"unsafe"

	"github.com/samber/oops"

	"github.com/glimmerdesk/glimmer/internal/logging"
	"github.com/glimmerdesk/glimmer/pkg/pluginsdk"
)

// Emitter receives events a plugin sends through its emit callback and routes
// them onto the service bus. Implemented by service.Registry.
type Emitter interface {
	EmitPluginEvent(pluginID, eventName string, payload []byte) error
}

// hostData is the memory the opaque Context.HostData pointer designates. It
// is heap-allocated once per host and never relocated after the Context
// referencing it is constructed: the module retains the pointer across calls,
// so the Host keeps this struct alive (and therefore fixed) until after
// Shutdown completes.
type hostData struct {
	pluginID string
	emitter  Emitter
	logger   *slog.Logger
}

// Host wraps exactly one loaded module and exposes a safe call surface. It
// owns the module handle, the vtable reference, the Context, and the pinned
// host data; nothing else may call into the module.
//
// Host methods are not safe for concurrent use. The Handle serializes all
// access, including the scheduler's; see handle.go.
type Host struct {
	module NativeModule
	vtable *pluginsdk.VTable
	ctx    *pluginsdk.Context
	data   *hostData

	shutdownOnce sync.Once
}

// LoadHost opens the module at path and runs its init entry point. Every
// failure path releases whatever was allocated so far: no leaked handle, no
// partially initialized Host.
//
// The module's init never runs when the ABI version mismatches.
func LoadHost(opener ModuleOpener, path, pluginID string, emitter Emitter, logger *slog.Logger) (*Host, error) {
	module, err := opener(path)
	if err != nil {
		return nil, err
	}

	vtable := module.VTable()
	if vtable.ABIVersion != pluginsdk.ABIVersion {
		_ = module.Close()
		return nil, oops.In("native").
			Code("ABI_MISMATCH").
			With("plugin", pluginID).
			With("path", path).
			Errorf("ABI version mismatch: expected %d, got %d", pluginsdk.ABIVersion, vtable.ABIVersion)
	}
	if err := vtable.Validate(); err != nil {
		_ = module.Close()
		return nil, oops.In("native").
			Code("ABI_MISMATCH").
			With("plugin", pluginID).
			With("path", path).
			Wrap(err)
	}

	data := &hostData{
		pluginID: pluginID,
		emitter:  emitter,
		logger:   logging.WithPlugin(logger, pluginID),
	}
	ctx := &pluginsdk.Context{
		HostData:  unsafe.Pointer(data),
		EmitEvent: emitEventCallback,
		Log:       logCallback,
	}

	if rc := vtable.Init(ctx); rc != 0 {
		_ = module.Close()
		return nil, oops.In("native").
			Code("PLUGIN_LOAD_FAILED").
			With("plugin", pluginID).
			With("path", path).
			Errorf("plugin init returned error code %d", rc)
	}

	return &Host{
		module: module,
		vtable: vtable,
		ctx:    ctx,
		data:   data,
	}, nil
}

// Tick invokes the module's optional tick entry point. Absence is not an
// error. The call is synchronous with no timeout: a module that never returns
// stalls the caller indefinitely.
func (h *Host) Tick() int32 {
	if h.vtable.Tick == nil {
		return 0
	}
	return h.vtable.Tick(h.ctx)
}

// SendMessage invokes the module's optional message handler. Absence yields
// success with no effect. The buffers are only guaranteed valid for the
// duration of the call.
func (h *Host) SendMessage(msgType string, payload []byte) int32 {
	if h.vtable.HandleMessage == nil {
		return 0
	}
	return h.vtable.HandleMessage(h.ctx, []byte(msgType), payload)
}

// Close fires the module's shutdown entry point exactly once, strictly
// before the module handle is released, so the module can free its own
// resources while still mapped. Safe to call more than once.
func (h *Host) Close() error {
	var closeErr error
	h.shutdownOnce.Do(func() {
		if rc := h.vtable.Shutdown(h.ctx); rc != 0 {
			h.data.logger.Warn("plugin shutdown returned error code", "code", rc)
		}
		closeErr = h.module.Close()
	})
	return closeErr
}

// emitEventCallback is the function pointer handed to modules for publishing
// events. It dereferences the opaque host-data pointer and routes through the
// registry's broadcast path. A module that corrupts the Context is an
// acknowledged boundary the host cannot defend against.
func emitEventCallback(hd unsafe.Pointer, eventName []byte, payload []byte) int32 {
	data := (*hostData)(hd)
	if err := data.emitter.EmitPluginEvent(data.pluginID, string(eventName), payload); err != nil {
		data.logger.Warn("plugin emit rejected",
			"event", string(eventName),
			"error", err)
		return -1
	}
	return 0
}

// logCallback routes module log lines to the host sink at the mapped level.
func logCallback(hd unsafe.Pointer, level uint32, message []byte) {
	data := (*hostData)(hd)
	msg := string(message)
	switch level {
	case pluginsdk.LogTrace, pluginsdk.LogDebug:
		data.logger.Debug(msg)
	case pluginsdk.LogInfo:
		data.logger.Info(msg)
	case pluginsdk.LogWarn:
		data.logger.Warn(msg)
	default:
		data.logger.Error(msg)
	}
}
