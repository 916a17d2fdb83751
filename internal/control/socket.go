// Package control provides an HTTP control socket for process management
// and the plugin command surface.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/glimmerdesk/glimmer/internal/plugin/native"
	"github.com/glimmerdesk/glimmer/internal/service"
	"github.com/glimmerdesk/glimmer/internal/xdg"
)

// Runtime is the slice of the daemon the control surface drives. Implemented
// in cmd/glimmer over the plugin handle and the service registry.
type Runtime interface {
	ListPlugins() []native.Info
	LoadPlugin(path string) (string, error)
	LoadPluginByID(id string) error
	UnloadPlugin(id string) error
	SendMessage(id, msgType string, payload []byte) (int32, error)

	ListServices() []service.ProviderInfo
	RegisterService(serviceID, pluginID string, schema any) error
	UnregisterService(serviceID string)
	Subscribe(serviceID, subscriberID string)
	Unsubscribe(serviceID, subscriberID string)
	Broadcast(serviceID string, data any) error
	BroadcastValidated(serviceID string, data any) error
}

// HealthResponse is returned by the /health endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// StatusResponse is returned by the /status endpoint.
type StatusResponse struct {
	Running       bool  `json:"running"`
	PID           int   `json:"pid"`
	UptimeSeconds int64 `json:"uptime_seconds"`
	PluginCount   int   `json:"plugin_count"`
	ServiceCount  int   `json:"service_count"`
}

// ShutdownResponse is returned by the /shutdown endpoint.
type ShutdownResponse struct {
	Message string `json:"message"`
}

// ErrorResponse carries a failed operation's message and code.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// LoadPluginRequest selects a plugin to load, by library path or by
// installed id. Exactly one of the fields is set.
type LoadPluginRequest struct {
	Path string `json:"path,omitempty"`
	ID   string `json:"id,omitempty"`
}

// LoadPluginResponse reports the id of the loaded plugin.
type LoadPluginResponse struct {
	ID string `json:"id"`
}

// MessageRequest dispatches a typed message to a loaded plugin.
type MessageRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageResponse carries the plugin's status code for a message.
type MessageResponse struct {
	Code int32 `json:"code"`
}

// RegisterServiceRequest declares a service provider, optionally with a
// JSON schema its broadcast payloads are validated against.
type RegisterServiceRequest struct {
	ServiceID string          `json:"service_id"`
	PluginID  string          `json:"plugin_id"`
	Schema    json.RawMessage `json:"schema,omitempty"`
}

// SubscribeRequest names a window subscribing to a service channel.
type SubscribeRequest struct {
	ServiceID    string `json:"service_id"`
	SubscriberID string `json:"subscriber_id"`
}

// BroadcastRequest publishes data on a service channel. Strict requests are
// rejected on schema violations instead of delivered with a warning.
type BroadcastRequest struct {
	ServiceID string          `json:"service_id"`
	Data      json.RawMessage `json:"data"`
	Strict    bool            `json:"strict,omitempty"`
}

// ShutdownFunc is called when shutdown is requested.
type ShutdownFunc func()

// Server runs HTTP over a Unix socket for process management.
type Server struct {
	socketPath   string
	startTime    time.Time
	listener     net.Listener
	httpServer   *http.Server
	runtime      Runtime
	shutdownFunc ShutdownFunc
	running      atomic.Bool
}

// NewServer creates a new control socket server at socketPath.
func NewServer(socketPath string, runtime Runtime, shutdownFunc ShutdownFunc) *Server {
	s := &Server{
		socketPath:   socketPath,
		startTime:    time.Now(),
		runtime:      runtime,
		shutdownFunc: shutdownFunc,
	}
	s.running.Store(true)
	return s
}

// Start begins listening on the Unix socket.
func (s *Server) Start() error {
	// Ensure runtime directory exists
	if err := xdg.EnsureDir(filepath.Dir(s.socketPath)); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}

	// Remove existing socket file if present
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Set socket permissions to owner-only
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.mux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control socket server error", "error", err)
		}
	}()

	return nil
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /shutdown", s.handleShutdown)

	if s.runtime != nil {
		mux.HandleFunc("GET /plugins", s.handleListPlugins)
		mux.HandleFunc("POST /plugins/load", s.handleLoadPlugin)
		mux.HandleFunc("DELETE /plugins/{id}", s.handleUnloadPlugin)
		mux.HandleFunc("POST /plugins/{id}/message", s.handleSendMessage)

		mux.HandleFunc("GET /services", s.handleListServices)
		mux.HandleFunc("POST /services/register", s.handleRegisterService)
		mux.HandleFunc("DELETE /services/{id}", s.handleUnregisterService)
		mux.HandleFunc("POST /services/subscribe", s.handleSubscribe)
		mux.HandleFunc("POST /services/unsubscribe", s.handleUnsubscribe)
		mux.HandleFunc("POST /services/broadcast", s.handleBroadcast)
	}
	return mux
}

// Stop gracefully shuts down the control socket server.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown http server: %w", err)
		}
	}

	// Close listener if httpServer didn't handle it
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			slog.Warn("failed to close control socket listener", "error", err)
		}
	}

	// Clean up socket file
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove control socket file",
				"path", s.socketPath,
				"error", err,
			)
		}
	}

	return nil
}

// handleHealth returns health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns running status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Running:       s.running.Load(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	}
	if s.runtime != nil {
		resp.PluginCount = len(s.runtime.ListPlugins())
		resp.ServiceCount = len(s.runtime.ListServices())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleShutdown initiates graceful shutdown.
func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ShutdownResponse{Message: "shutdown initiated"})

	// Trigger shutdown asynchronously
	if s.shutdownFunc != nil {
		go s.shutdownFunc()
	}
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.ListPlugins())
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	var req LoadPluginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch {
	case req.Path != "" && req.ID == "":
		id, err := s.runtime.LoadPlugin(req.Path)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, LoadPluginResponse{ID: id})
	case req.ID != "" && req.Path == "":
		if err := s.runtime.LoadPluginByID(req.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, LoadPluginResponse{ID: req.ID})
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "exactly one of 'path' or 'id' is required"})
	}
}

func (s *Server) handleUnloadPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.UnloadPlugin(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "'type' is required"})
		return
	}
	code, err := s.runtime.SendMessage(r.PathValue("id"), req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MessageResponse{Code: code})
}

func (s *Server) handleListServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.runtime.ListServices())
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req RegisterServiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServiceID == "" || req.PluginID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "'service_id' and 'plugin_id' are required"})
		return
	}
	var schema any
	if len(req.Schema) > 0 {
		if err := json.Unmarshal(req.Schema, &schema); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "'schema' is not valid JSON"})
			return
		}
	}
	if err := s.runtime.RegisterService(req.ServiceID, req.PluginID, schema); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnregisterService(w http.ResponseWriter, r *http.Request) {
	s.runtime.UnregisterService(r.PathValue("id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServiceID == "" || req.SubscriberID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "'service_id' and 'subscriber_id' are required"})
		return
	}
	s.runtime.Subscribe(req.ServiceID, req.SubscriberID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s.runtime.Unsubscribe(req.ServiceID, req.SubscriberID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServiceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "'service_id' is required"})
		return
	}
	var data any
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "'data' is not valid JSON"})
			return
		}
	}
	broadcast := s.runtime.Broadcast
	if req.Strict {
		broadcast = s.runtime.BroadcastValidated
	}
	if err := broadcast(req.ServiceID, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

// writeError maps a runtime error to an HTTP status using its error code.
func writeError(w http.ResponseWriter, err error) {
	var code string
	if oopsErr, ok := oops.AsOops(err); ok {
		code, _ = oopsErr.Code().(string)
	}

	status := http.StatusInternalServerError
	switch code {
	case "PLUGIN_NOT_FOUND":
		status = http.StatusNotFound
	case "PLUGIN_ALREADY_LOADED":
		status = http.StatusConflict
	case "SERVICE_VALIDATION_FAILED":
		status = http.StatusUnprocessableEntity
	case "PLUGIN_LOAD_FAILED", "ABI_MISMATCH":
		status = http.StatusBadRequest
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
