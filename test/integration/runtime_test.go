// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/glimmerdesk/glimmer/internal/bus"
	"github.com/glimmerdesk/glimmer/internal/control"
	"github.com/glimmerdesk/glimmer/internal/plugin/native"
	"github.com/glimmerdesk/glimmer/internal/service"
	"github.com/glimmerdesk/glimmer/pkg/pluginsdk"
)

// scriptedModule stands in for a shared object during integration runs.
type scriptedModule struct {
	vtable *pluginsdk.VTable
}

func (m *scriptedModule) VTable() *pluginsdk.VTable { return m.vtable }
func (m *scriptedModule) Close() error              { return nil }

// batteryVTable emits a battery level reading on every tick.
func batteryVTable(shutdowns *atomic.Int64) *pluginsdk.VTable {
	var level atomic.Int64
	level.Store(100)
	return &pluginsdk.VTable{
		ABIVersion: pluginsdk.ABIVersion,
		Init:       func(*pluginsdk.Context) int32 { return 0 },
		Tick: func(raw *pluginsdk.Context) int32 {
			ctx := pluginsdk.Wrap(raw)
			lvl := level.Add(-1)
			if lvl < 0 {
				lvl = 0
			}
			if err := ctx.Emit("battery", map[string]any{"level": lvl}); err != nil {
				return 1
			}
			return 0
		},
		Shutdown: func(*pluginsdk.Context) int32 {
			shutdowns.Add(1)
			return 0
		},
	}
}

// socketRuntime adapts the handle and registry to the control surface the
// same way the daemon does.
type socketRuntime struct {
	handle   *native.Handle
	registry *service.Registry
}

func (rt *socketRuntime) ListPlugins() []native.Info { return rt.handle.ListPlugins() }
func (rt *socketRuntime) LoadPlugin(path string) (string, error) {
	return rt.handle.LoadPlugin(path)
}
func (rt *socketRuntime) LoadPluginByID(id string) error {
	return fmt.Errorf("plugin %s is not installed", id)
}
func (rt *socketRuntime) UnloadPlugin(id string) error { return rt.handle.UnloadPlugin(id) }
func (rt *socketRuntime) SendMessage(id, msgType string, payload []byte) (int32, error) {
	return rt.handle.SendMessage(id, msgType, payload)
}
func (rt *socketRuntime) ListServices() []service.ProviderInfo { return rt.registry.ListProviders() }
func (rt *socketRuntime) RegisterService(serviceID, pluginID string, schema any) error {
	return rt.registry.RegisterProvider(serviceID, pluginID, schema)
}
func (rt *socketRuntime) UnregisterService(serviceID string) {
	rt.registry.UnregisterProvider(serviceID)
}
func (rt *socketRuntime) Subscribe(serviceID, subscriberID string) {
	_ = rt.registry.Subscribe(serviceID, subscriberID)
}
func (rt *socketRuntime) Unsubscribe(serviceID, subscriberID string) {
	rt.registry.Unsubscribe(serviceID, subscriberID)
}
func (rt *socketRuntime) Broadcast(serviceID string, data any) error {
	return rt.registry.Broadcast(serviceID, data)
}
func (rt *socketRuntime) BroadcastValidated(serviceID string, data any) error {
	return rt.registry.BroadcastValidated(serviceID, data)
}

var _ = Describe("Plugin runtime", func() {
	var (
		cancel      context.CancelFunc
		broadcaster *bus.Broadcaster
		registry    *service.Registry
		handle      *native.Handle
		server      *control.Server
		client      *control.Client
		shutdowns   atomic.Int64
		socketPath  string
	)

	batterySchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"level": map[string]any{
				"type":    "integer",
				"minimum": 0,
				"maximum": 100,
			},
		},
		"required": []any{"level"},
	}

	BeforeEach(func() {
		logger := slog.New(slog.DiscardHandler)
		broadcaster = bus.NewBroadcaster(logger)
		registry = service.NewRegistry(broadcaster, logger)

		shutdowns.Store(0)
		opener := func(path string) (native.NativeModule, error) {
			if filepath.Base(path) != "libbattery.so" {
				return nil, fmt.Errorf("unknown module %s", path)
			}
			return &scriptedModule{vtable: batteryVTable(&shutdowns)}, nil
		}

		mgr := native.NewManager(GinkgoT().TempDir(), registry, logger,
			native.WithModuleOpener(opener))
		handle = native.NewHandle(mgr)

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())

		dir, err := os.MkdirTemp("", "glimmer")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = os.RemoveAll(dir) })
		socketPath = filepath.Join(dir, "control.sock")

		server = control.NewServer(socketPath, &socketRuntime{handle: handle, registry: registry}, nil)
		Expect(server.Start()).To(Succeed())
		client = control.NewClient(socketPath)

		Expect(registry.RegisterProvider("battery", "battery", batterySchema)).To(Succeed())

		_, err = handle.LoadPlugin("/plugins/libbattery.so")
		Expect(err).NotTo(HaveOccurred())

		handle.StartTickLoop(ctx, 10*time.Millisecond)
	})

	AfterEach(func() {
		cancel()
		handle.Wait()
		handle.ShutdownAll()

		ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		Expect(server.Stop(ctx)).To(Succeed())
	})

	It("delivers ticked plugin events to service channel subscribers", func() {
		events := broadcaster.Subscribe(service.Channel("battery"))
		defer broadcaster.Unsubscribe(service.Channel("battery"), events)

		var event bus.Event
		Eventually(events, 2*time.Second).Should(Receive(&event))

		Expect(event.Channel).To(Equal("service:battery"))
		Expect(event.Source).To(Equal(bus.SourcePlugin))
		Expect(event.SourceID).To(Equal("battery"))

		var payload map[string]any
		Expect(json.Unmarshal(event.Payload, &payload)).To(Succeed())
		Expect(payload).To(HaveKey("level"))
	})

	It("serves plugin and service listings over the control socket", func() {
		ctx := context.Background()

		plugins, err := client.Plugins(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(plugins).To(HaveLen(1))
		Expect(plugins[0].ID).To(Equal("battery"))

		services, err := client.Services(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(services).To(HaveLen(1))
		Expect(services[0].ServiceID).To(Equal("battery"))
	})

	It("rejects strict broadcasts that violate the schema but delivers advisory ones", func() {
		ctx := context.Background()
		events := broadcaster.Subscribe(service.Channel("battery"))
		defer broadcaster.Unsubscribe(service.Channel("battery"), events)

		badData := json.RawMessage(`{"level":"full"}`)

		err := client.Broadcast(ctx, control.BroadcastRequest{
			ServiceID: "battery",
			Data:      badData,
			Strict:    true,
		})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("422"))

		Expect(client.Broadcast(ctx, control.BroadcastRequest{
			ServiceID: "battery",
			Data:      badData,
		})).To(Succeed())

		found := false
		timeout := time.After(2 * time.Second)
		for !found {
			select {
			case event := <-events:
				if event.Source == bus.SourceHost {
					found = true
				}
			case <-timeout:
				Fail("advisory broadcast never delivered")
			}
		}
	})

	It("unloads a plugin over the control socket and runs its shutdown", func() {
		ctx := context.Background()

		Expect(client.UnloadPlugin(ctx, "battery")).To(Succeed())
		Expect(handle.IsLoaded("battery")).To(BeFalse())
		Expect(shutdowns.Load()).To(Equal(int64(1)))

		err := client.UnloadPlugin(ctx, "battery")
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("404"))
	})
})
