// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

// Package native hosts compiled plugins behind the Glimmer ABI contract:
// loading, the tick scheduler, message dispatch, and the callbacks foreign
// code uses to reach back into the host.
package native

import (
	goplugin "plugin"

	"github.com/samber/oops"

	"github.com/glimmerdesk/glimmer/pkg/pluginsdk"
)

// NativeModule is one loaded foreign module. The rest of the runtime depends
// on this abstraction rather than on how the symbol was resolved, which also
// lets tests substitute scripted modules.
type NativeModule interface {
	// VTable returns the module's function table. The returned pointer is
	// owned by the module and valid until Close.
	VTable() *pluginsdk.VTable

	// Close releases the host's references to the module.
	Close() error
}

// ModuleOpener opens the module at path. The default is OpenSharedObject.
type ModuleOpener func(path string) (NativeModule, error)

// OpenSharedObject loads a Go shared object and resolves the well-known
// vtable symbol. A missing symbol or a symbol of the wrong type is an ABI
// error; a failure to map the object is a load error.
func OpenSharedObject(path string) (NativeModule, error) {
	p, err := goplugin.Open(path)
	if err != nil {
		return nil, oops.In("native").
			Code("PLUGIN_LOAD_FAILED").
			With("path", path).
			Hint("failed to open shared object").
			Wrap(err)
	}

	sym, err := p.Lookup(pluginsdk.VTableSymbol)
	if err != nil {
		return nil, oops.In("native").
			Code("ABI_MISMATCH").
			With("path", path).
			With("symbol", pluginsdk.VTableSymbol).
			Hint("vtable symbol not found").
			Wrap(err)
	}

	vt, ok := sym.(*pluginsdk.VTable)
	if !ok {
		return nil, oops.In("native").
			Code("ABI_MISMATCH").
			With("path", path).
			With("symbol", pluginsdk.VTableSymbol).
			Errorf("symbol has type %T, want *pluginsdk.VTable", sym)
	}

	return &sharedObject{vtable: vt}, nil
}

// sharedObject wraps a module loaded through the stdlib plugin package.
type sharedObject struct {
	vtable *pluginsdk.VTable
}

func (s *sharedObject) VTable() *pluginsdk.VTable {
	return s.vtable
}

// Close drops the host's reference to the vtable. The Go runtime offers no
// dlclose: the object stays mapped until process exit, so "release" here
// means the host will never call into it again.
func (s *sharedObject) Close() error {
	s.vtable = nil
	return nil
}
