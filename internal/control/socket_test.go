package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/samber/oops"

	"github.com/glimmerdesk/glimmer/internal/plugin/native"
	"github.com/glimmerdesk/glimmer/internal/service"
)

// fakeRuntime records calls and returns scripted results.
type fakeRuntime struct {
	plugins     []native.Info
	services    []service.ProviderInfo
	loadErr     error
	unloadErr   error
	castErr     error
	registerErr error

	loaded       []string
	unloaded     []string
	messages     []string
	registered   []registeredService
	unregistered []string
	subscribed   []string
	unsubscribed []string
	broadcasts   []string
	strictCasts  []string
}

type registeredService struct {
	serviceID string
	pluginID  string
	schema    any
}

func (f *fakeRuntime) ListPlugins() []native.Info { return f.plugins }

func (f *fakeRuntime) LoadPlugin(path string) (string, error) {
	if f.loadErr != nil {
		return "", f.loadErr
	}
	f.loaded = append(f.loaded, path)
	return "loaded", nil
}

func (f *fakeRuntime) LoadPluginByID(id string) error {
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = append(f.loaded, id)
	return nil
}

func (f *fakeRuntime) UnloadPlugin(id string) error {
	if f.unloadErr != nil {
		return f.unloadErr
	}
	f.unloaded = append(f.unloaded, id)
	return nil
}

func (f *fakeRuntime) SendMessage(id, msgType string, payload []byte) (int32, error) {
	f.messages = append(f.messages, id+"/"+msgType+"/"+string(payload))
	return 0, nil
}

func (f *fakeRuntime) ListServices() []service.ProviderInfo { return f.services }

func (f *fakeRuntime) RegisterService(serviceID, pluginID string, schema any) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	f.registered = append(f.registered, registeredService{serviceID, pluginID, schema})
	return nil
}

func (f *fakeRuntime) UnregisterService(serviceID string) {
	f.unregistered = append(f.unregistered, serviceID)
}

func (f *fakeRuntime) Subscribe(serviceID, subscriberID string) {
	f.subscribed = append(f.subscribed, serviceID+"/"+subscriberID)
}

func (f *fakeRuntime) Unsubscribe(serviceID, subscriberID string) {
	f.unsubscribed = append(f.unsubscribed, serviceID+"/"+subscriberID)
}

func (f *fakeRuntime) Broadcast(serviceID string, _ any) error {
	if f.castErr != nil {
		return f.castErr
	}
	f.broadcasts = append(f.broadcasts, serviceID)
	return nil
}

func (f *fakeRuntime) BroadcastValidated(serviceID string, _ any) error {
	if f.castErr != nil {
		return f.castErr
	}
	f.strictCasts = append(f.strictCasts, serviceID)
	return nil
}

func serveRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.mux().ServeHTTP(w, req)
	return w
}

func TestHandleHealth_ReturnsCorrectJSON(t *testing.T) {
	s := NewServer("/tmp/unused.sock", nil, nil)

	w := serveRequest(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var health HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q, want %q", health.Status, "healthy")
	}
	if _, err := time.Parse(time.RFC3339, health.Timestamp); err != nil {
		t.Errorf("timestamp %q is not valid RFC3339: %v", health.Timestamp, err)
	}
}

func TestHandleStatus_ReportsCounts(t *testing.T) {
	rt := &fakeRuntime{
		plugins:  []native.Info{{ID: "clock"}, {ID: "battery"}},
		services: []service.ProviderInfo{{ServiceID: "battery"}},
	}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var status StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if !status.Running {
		t.Error("expected running=true")
	}
	if status.PluginCount != 2 {
		t.Errorf("plugin_count = %d, want 2", status.PluginCount)
	}
	if status.ServiceCount != 1 {
		t.Errorf("service_count = %d, want 1", status.ServiceCount)
	}
}

func TestHandleShutdown_TriggersCallback(t *testing.T) {
	done := make(chan struct{})
	s := NewServer("/tmp/unused.sock", nil, func() { close(done) })

	w := serveRequest(s, http.MethodPost, "/shutdown", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestHandleLoadPlugin(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		loadErr    error
		wantStatus int
	}{
		{name: "by path", body: `{"path":"/plugins/libclock.so"}`, wantStatus: http.StatusOK},
		{name: "by id", body: `{"id":"clock"}`, wantStatus: http.StatusOK},
		{name: "both fields", body: `{"path":"/p.so","id":"clock"}`, wantStatus: http.StatusBadRequest},
		{name: "neither field", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{`, wantStatus: http.StatusBadRequest},
		{
			name:       "already loaded",
			body:       `{"path":"/plugins/libclock.so"}`,
			loadErr:    oops.Code("PLUGIN_ALREADY_LOADED").New("plugin clock is already loaded"),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "not installed",
			body:       `{"id":"ghost"}`,
			loadErr:    oops.Code("PLUGIN_NOT_FOUND").New("plugin ghost is not installed"),
			wantStatus: http.StatusNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{loadErr: tt.loadErr}
			s := NewServer("/tmp/unused.sock", rt, nil)

			w := serveRequest(s, http.MethodPost, "/plugins/load", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleUnloadPlugin(t *testing.T) {
	rt := &fakeRuntime{}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodDelete, "/plugins/clock", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rt.unloaded) != 1 || rt.unloaded[0] != "clock" {
		t.Errorf("unloaded = %v, want [clock]", rt.unloaded)
	}
}

func TestHandleUnloadPlugin_NotFound(t *testing.T) {
	rt := &fakeRuntime{unloadErr: oops.Code("PLUGIN_NOT_FOUND").New("plugin ghost is not loaded")}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodDelete, "/plugins/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var errResp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
	if errResp.Code != "PLUGIN_NOT_FOUND" {
		t.Errorf("code = %q, want PLUGIN_NOT_FOUND", errResp.Code)
	}
}

func TestHandleSendMessage(t *testing.T) {
	rt := &fakeRuntime{}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodPost, "/plugins/clock/message",
		`{"type":"set-format","payload":{"format":"24h"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if len(rt.messages) != 1 || rt.messages[0] != `clock/set-format/{"format":"24h"}` {
		t.Errorf("messages = %v", rt.messages)
	}

	w = serveRequest(s, http.MethodPost, "/plugins/clock/message", `{"payload":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing type: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRegisterService(t *testing.T) {
	rt := &fakeRuntime{}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodPost, "/services/register",
		`{"service_id":"battery","plugin_id":"battery-monitor","schema":{"type":"object"}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rt.registered) != 1 {
		t.Fatalf("registered = %v, want one entry", rt.registered)
	}
	got := rt.registered[0]
	if got.serviceID != "battery" || got.pluginID != "battery-monitor" {
		t.Errorf("registered = %+v", got)
	}
	schema, ok := got.schema.(map[string]any)
	if !ok || schema["type"] != "object" {
		t.Errorf("schema = %v, want decoded object", got.schema)
	}
}

func TestHandleRegisterService_BadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "missing service_id", body: `{"plugin_id":"battery-monitor"}`},
		{name: "missing plugin_id", body: `{"service_id":"battery"}`},
		{name: "malformed body", body: `{`},
		{name: "invalid schema", body: `{"service_id":"battery","plugin_id":"battery-monitor","schema":[}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{}
			s := NewServer("/tmp/unused.sock", rt, nil)

			w := serveRequest(s, http.MethodPost, "/services/register", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if len(rt.registered) != 0 {
				t.Errorf("registered = %v, want none", rt.registered)
			}
		})
	}
}

func TestHandleRegisterService_RuntimeError(t *testing.T) {
	rt := &fakeRuntime{registerErr: oops.Code("PLUGIN_NOT_FOUND").New("plugin ghost is not loaded")}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodPost, "/services/register",
		`{"service_id":"battery","plugin_id":"ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleUnregisterService(t *testing.T) {
	rt := &fakeRuntime{}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodDelete, "/services/battery", "")
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rt.unregistered) != 1 || rt.unregistered[0] != "battery" {
		t.Errorf("unregistered = %v, want [battery]", rt.unregistered)
	}
}

func TestHandleSubscribeUnsubscribe(t *testing.T) {
	rt := &fakeRuntime{}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodPost, "/services/subscribe",
		`{"service_id":"battery","subscriber_id":"main-window"}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rt.subscribed) != 1 || rt.subscribed[0] != "battery/main-window" {
		t.Errorf("subscribed = %v", rt.subscribed)
	}

	w = serveRequest(s, http.MethodPost, "/services/subscribe", `{"service_id":"battery"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing subscriber: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	w = serveRequest(s, http.MethodPost, "/services/unsubscribe",
		`{"service_id":"battery","subscriber_id":"main-window"}`)
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rt.unsubscribed) != 1 {
		t.Errorf("unsubscribed = %v", rt.unsubscribed)
	}
}

func TestHandleBroadcast(t *testing.T) {
	rt := &fakeRuntime{}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodPost, "/services/broadcast",
		`{"service_id":"battery","data":{"level":42}}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rt.broadcasts) != 1 || rt.broadcasts[0] != "battery" {
		t.Errorf("broadcasts = %v", rt.broadcasts)
	}

	w = serveRequest(s, http.MethodPost, "/services/broadcast",
		`{"service_id":"battery","data":{"level":42},"strict":true}`)
	if w.Code != http.StatusNoContent {
		t.Fatalf("strict: status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if len(rt.strictCasts) != 1 {
		t.Errorf("strictCasts = %v", rt.strictCasts)
	}
}

func TestHandleBroadcast_ValidationFailure(t *testing.T) {
	rt := &fakeRuntime{castErr: oops.Code("SERVICE_VALIDATION_FAILED").New("data does not match schema")}
	s := NewServer("/tmp/unused.sock", rt, nil)

	w := serveRequest(s, http.MethodPost, "/services/broadcast",
		`{"service_id":"battery","data":{"level":"full"},"strict":true}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}

func TestServerOverUnixSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "glimmer.sock")
	rt := &fakeRuntime{
		plugins: []native.Info{{ID: "clock", Path: "/plugins/libclock.so", TickIntervalMS: 1000}},
	}
	s := NewServer(socketPath, rt, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	client := NewClient(socketPath)
	ctx := context.Background()

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q, want healthy", health.Status)
	}

	plugins, err := client.Plugins(ctx)
	if err != nil {
		t.Fatalf("plugins request failed: %v", err)
	}
	if len(plugins) != 1 || plugins[0].ID != "clock" {
		t.Errorf("plugins = %v", plugins)
	}

	if err := client.Subscribe(ctx, "battery", "main-window"); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	if len(rt.subscribed) != 1 {
		t.Errorf("subscribed = %v", rt.subscribed)
	}

	err = client.RegisterService(ctx, RegisterServiceRequest{
		ServiceID: "battery",
		PluginID:  "battery-monitor",
		Schema:    json.RawMessage(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("register service failed: %v", err)
	}
	if len(rt.registered) != 1 || rt.registered[0].serviceID != "battery" {
		t.Errorf("registered = %v", rt.registered)
	}

	if err := client.UnregisterService(ctx, "battery"); err != nil {
		t.Fatalf("unregister service failed: %v", err)
	}
	if len(rt.unregistered) != 1 || rt.unregistered[0] != "battery" {
		t.Errorf("unregistered = %v", rt.unregistered)
	}
}
