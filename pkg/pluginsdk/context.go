// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

package pluginsdk

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errMissingInit     = errors.New("pluginsdk: vtable is missing the Init entry point")
	errMissingShutdown = errors.New("pluginsdk: vtable is missing the Shutdown entry point")
)

// PluginContext wraps the raw ABI context with convenience helpers so plugin
// code does not touch the callback pointers directly.
type PluginContext struct {
	raw *Context
}

// Wrap adapts a raw Context received in a vtable call.
func Wrap(raw *Context) *PluginContext {
	return &PluginContext{raw: raw}
}

// Emit publishes a JSON payload on the host service bus under eventName.
func (c *PluginContext) Emit(eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pluginsdk: marshal payload for %q: %w", eventName, err)
	}
	if rc := c.raw.EmitEvent(c.raw.HostData, []byte(eventName), data); rc != 0 {
		return fmt.Errorf("pluginsdk: emit %q rejected by host: status %d", eventName, rc)
	}
	return nil
}

// Trace logs a message at trace level.
func (c *PluginContext) Trace(message string) { c.log(LogTrace, message) }

// Debug logs a message at debug level.
func (c *PluginContext) Debug(message string) { c.log(LogDebug, message) }

// Info logs a message at info level.
func (c *PluginContext) Info(message string) { c.log(LogInfo, message) }

// Warn logs a message at warn level.
func (c *PluginContext) Warn(message string) { c.log(LogWarn, message) }

// Error logs a message at error level.
func (c *PluginContext) Error(message string) { c.log(LogError, message) }

func (c *PluginContext) log(level uint32, message string) {
	c.raw.Log(c.raw.HostData, level, []byte(message))
}
