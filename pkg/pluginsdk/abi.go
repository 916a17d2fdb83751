// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

// Package pluginsdk defines the binary contract between the Glimmer host and
// native plugins, plus convenience helpers for plugin authors.
//
// A native plugin is a Go shared object (go build -buildmode=plugin) that
// exports a VTable value under the VTableSymbol name:
//
//	var GlimmerPlugin = pluginsdk.VTable{
//		ABIVersion: pluginsdk.ABIVersion,
//		Init:       onInit,
//		Tick:       onTick,
//		Shutdown:   onShutdown,
//	}
//
// The host resolves the symbol at load time and rejects the module unless the
// ABI version matches exactly. Both sides must be built against the same
// pluginsdk package so the symbol's type identity lines up.
package pluginsdk

import "unsafe"

// ABIVersion is the contract version compiled into the host. A module whose
// vtable reports any other value fails to load; there is no forward or
// backward compatibility.
const ABIVersion uint32 = 1

// VTableSymbol is the well-known exported symbol name every native plugin
// must provide.
const VTableSymbol = "GlimmerPlugin"

// Log levels passed to the Context log callback.
const (
	LogTrace uint32 = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

// Context is handed to every vtable call. HostData is an opaque pointer to
// host-owned memory; it stays valid and at a fixed address for the entire
// lifetime of the loaded module, so the callbacks may be invoked from any
// lifecycle call, including long after Init returns. Plugins must treat
// HostData as opaque and never dereference it.
type Context struct {
	HostData unsafe.Pointer

	// EmitEvent publishes a payload on the host service bus under the
	// given event name. Returns 0 on success, non-zero on error. The name
	// and payload buffers need only stay valid for the duration of the
	// call.
	EmitEvent func(hostData unsafe.Pointer, eventName []byte, payload []byte) int32

	// Log writes a message to the host log at the given level.
	Log func(hostData unsafe.Pointer, level uint32, message []byte)
}

// VTable is the fixed function table a native plugin exports. Init and
// Shutdown are mandatory; Tick and HandleMessage may be nil.
type VTable struct {
	// ABIVersion must equal the pluginsdk.ABIVersion the host was built
	// with.
	ABIVersion uint32

	// Init is called once when the plugin is loaded.
	// Returns 0 on success; any other value fails the load.
	Init func(ctx *Context) int32

	// Tick is called periodically by the host scheduler.
	// Returns 0 on success, non-zero on error.
	Tick func(ctx *Context) int32

	// Shutdown is called exactly once when the plugin is unloaded.
	Shutdown func(ctx *Context) int32

	// HandleMessage receives a UTF-8 message type and an opaque payload
	// from the host. Neither buffer may be retained beyond the call.
	HandleMessage func(ctx *Context, msgType []byte, payload []byte) int32
}

// Validate checks the structural contract: mandatory entry points present.
// The ABI version is checked separately by the host so a mismatch can be
// reported as its own error.
func (v *VTable) Validate() error {
	if v.Init == nil {
		return errMissingInit
	}
	if v.Shutdown == nil {
		return errMissingShutdown
	}
	return nil
}
