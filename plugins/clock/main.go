// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

// Package main implements a clock plugin for Glimmer. On every tick it
// emits the current time on the "clock" service channel.
//
// Build as a shared object:
//
//	go build -buildmode=plugin -o libclock.so ./plugins/clock
//
// The host resolves the GlimmerPlugin symbol and drives the plugin through
// its vtable.
package main

import (
	"encoding/json"
	"time"

	"github.com/glimmerdesk/glimmer/pkg/pluginsdk"
)

type clockPayload struct {
	Unix   int64  `json:"unix"`
	Text   string `json:"text"`
	Format string `json:"format"`
}

type formatMessage struct {
	Format string `json:"format"`
}

var format = "15:04:05"

// GlimmerPlugin is the symbol the host resolves.
var GlimmerPlugin = pluginsdk.VTable{
	ABIVersion: pluginsdk.ABIVersion,
	Init:       initPlugin,
	Tick:       tick,
	Shutdown:   shutdown,
	HandleMessage: func(raw *pluginsdk.Context, msgType, payload []byte) int32 {
		ctx := pluginsdk.Wrap(raw)
		if string(msgType) != "set-format" {
			ctx.Warn("unknown message type: " + string(msgType))
			return 1
		}
		var msg formatMessage
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Format == "" {
			ctx.Warn("invalid set-format payload")
			return 1
		}
		format = msg.Format
		return 0
	},
}

func initPlugin(raw *pluginsdk.Context) int32 {
	pluginsdk.Wrap(raw).Info("clock plugin initialized")
	return 0
}

func tick(raw *pluginsdk.Context) int32 {
	ctx := pluginsdk.Wrap(raw)
	now := time.Now()
	err := ctx.Emit("clock", clockPayload{
		Unix:   now.Unix(),
		Text:   now.Format(format),
		Format: format,
	})
	if err != nil {
		ctx.Warn("failed to emit clock event: " + err.Error())
		return 1
	}
	return 0
}

func shutdown(raw *pluginsdk.Context) int32 {
	pluginsdk.Wrap(raw).Info("clock plugin shutting down")
	return 0
}

func main() {}
