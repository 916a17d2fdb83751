// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

// Package service implements the provider/subscriber registry that mediates
// data exchange between native plugins and overlay consumers.
package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/oops"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/glimmerdesk/glimmer/internal/bus"
)

// ChannelPrefix is the namespace every service broadcast is published under.
// The full channel name is the wire contract consumers match on.
const ChannelPrefix = "service:"

// Channel returns the bus channel name for a service id.
func Channel(serviceID string) string {
	return ChannelPrefix + serviceID
}

// ProviderInfo describes a registered service provider.
type ProviderInfo struct {
	ServiceID string `json:"service_id"`
	PluginID  string `json:"plugin_id"`
	Schema    any    `json:"schema"`
}

// Validator is a compiled form of a provider's schema. Absence of a validator
// for a registered service means "accept any payload".
type Validator struct {
	serviceID string
	schema    *jsonschema.Schema
}

var errPrinter = message.NewPrinter(language.English)

// NewValidator compiles a JSON Schema document for a service.
func NewValidator(serviceID string, schema any) (*Validator, error) {
	c := jsonschema.NewCompiler()
	resource := fmt.Sprintf("glimmer://services/%s/schema.json", serviceID)
	if err := c.AddResource(resource, schema); err != nil {
		return nil, oops.In("service").With("service_id", serviceID).Hint("invalid schema document").Wrap(err)
	}
	sch, err := c.Compile(resource)
	if err != nil {
		return nil, oops.In("service").With("service_id", serviceID).Hint("schema compilation failed").Wrap(err)
	}
	return &Validator{serviceID: serviceID, schema: sch}, nil
}

// Validate checks data against the schema, returning one message per
// violation annotated with the offending instance path.
func (v *Validator) Validate(data any) []string {
	err := v.schema.Validate(data)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var msgs []string
	flattenCauses(ve, &msgs)
	return msgs
}

func flattenCauses(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := "/" + strings.Join(ve.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", loc, ve.ErrorKind.LocalizedString(errPrinter)))
		return
	}
	for _, cause := range ve.Causes {
		flattenCauses(cause, out)
	}
}

// Registry tracks service providers, their compiled validators, and
// subscriber bookkeeping. Broadcasts go out as host-wide publishes on the
// service channel; the subscriber set is advisory and never filters delivery.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]ProviderInfo
	validators  map[string]*Validator
	subscribers map[string][]string // service id -> consumer labels
	broadcaster *bus.Broadcaster
	logger      *slog.Logger

	// validateData can be disabled to skip schema checks entirely.
	validateData bool

	// onBroadcast, if set, observes every broadcast outcome ("ok",
	// "invalid", "rejected"). Used to feed metrics without a hard
	// dependency on the metrics registry.
	onBroadcast func(serviceID, outcome string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithValidation toggles schema validation of broadcast data.
func WithValidation(enabled bool) Option {
	return func(r *Registry) {
		r.validateData = enabled
	}
}

// WithBroadcastObserver sets a hook observing broadcast outcomes.
func WithBroadcastObserver(fn func(serviceID, outcome string)) Option {
	return func(r *Registry) {
		r.onBroadcast = fn
	}
}

// NewRegistry creates a service registry publishing to the given broadcaster.
// Validation is enabled by default.
func NewRegistry(broadcaster *bus.Broadcaster, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		providers:    make(map[string]ProviderInfo),
		validators:   make(map[string]*Validator),
		subscribers:  make(map[string][]string),
		broadcaster:  broadcaster,
		logger:       logger,
		validateData: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// emptySchema reports whether a schema document is trivial (nil or `{}`),
// meaning no validator should be compiled.
func emptySchema(schema any) bool {
	if schema == nil {
		return true
	}
	if m, ok := schema.(map[string]any); ok {
		return len(m) == 0
	}
	return false
}

// RegisterProvider registers (or re-registers) a service provider. A schema
// that fails to compile is logged as a warning and the service registers
// without a validator; a service you can publish to is preferred over one
// that fails to exist. Existing subscribers are preserved across
// re-registration since they key off the service id.
func (r *Registry) RegisterProvider(serviceID, pluginID string, schema any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.validators, serviceID)
	if !emptySchema(schema) {
		v, err := NewValidator(serviceID, schema)
		if err != nil {
			r.logger.Warn("failed to compile schema for service, registering without validation",
				"service_id", serviceID,
				"plugin_id", pluginID,
				"error", err)
		} else {
			r.validators[serviceID] = v
		}
	}

	r.providers[serviceID] = ProviderInfo{
		ServiceID: serviceID,
		PluginID:  pluginID,
		Schema:    schema,
	}
	return nil
}

// UnregisterProvider removes a provider and discards its subscriber set.
// Unregistering an unknown service is a no-op.
func (r *Registry) UnregisterProvider(serviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.providers, serviceID)
	delete(r.validators, serviceID)
	delete(r.subscribers, serviceID)
}

// ListProviders returns all registered providers.
func (r *Registry) ListProviders() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.providers))
	for _, p := range r.providers {
		infos = append(infos, p)
	}
	return infos
}

// Subscribe records a consumer against a service. An unknown service is
// auto-registered with a synthetic "native:" owner and an empty schema so a
// consumer can attach before any plugin declares the service. Duplicate
// subscriptions are not prevented.
func (r *Registry) Subscribe(serviceID, consumer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[serviceID]; !ok {
		r.providers[serviceID] = ProviderInfo{
			ServiceID: serviceID,
			PluginID:  "native:" + serviceID,
			Schema:    map[string]any{},
		}
	}

	r.subscribers[serviceID] = append(r.subscribers[serviceID], consumer)
	return nil
}

// Unsubscribe removes every entry equal to consumer from the service's
// subscriber set. Unsubscribing a consumer that is not subscribed is a no-op.
func (r *Registry) Unsubscribe(serviceID, consumer string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subscribers[serviceID]
	kept := subs[:0]
	for _, s := range subs {
		if s != consumer {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(r.subscribers, serviceID)
		return
	}
	r.subscribers[serviceID] = kept
}

// Subscribers returns the recorded consumer labels for a service.
func (r *Registry) Subscribers(serviceID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.subscribers[serviceID]
	out := make([]string, len(subs))
	copy(out, subs)
	return out
}

// Schema returns the declared schema for a service, if registered.
func (r *Registry) Schema(serviceID string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[serviceID]
	if !ok {
		return nil, false
	}
	return p.Schema, true
}

// HasValidator reports whether a compiled validator exists for a service.
func (r *Registry) HasValidator(serviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[serviceID]
	return ok
}

// ValidateServiceData checks data against a service's compiled schema.
// Returns nil when validation is disabled or no validator is compiled.
func (r *Registry) ValidateServiceData(serviceID string, data any) []string {
	r.mu.RLock()
	validate := r.validateData
	v := r.validators[serviceID]
	r.mu.RUnlock()

	if !validate || v == nil {
		return nil
	}
	return v.Validate(data)
}

// Broadcast publishes data on the service channel. Validation is advisory:
// failures are logged as warnings and the data is delivered anyway. Delivery
// is a host-wide publish reaching every listener on the channel; the
// subscriber set is not consulted (single-process fan-out, client-side
// filtering).
func (r *Registry) Broadcast(serviceID string, data any) error {
	outcome := "ok"
	if errs := r.ValidateServiceData(serviceID, data); len(errs) > 0 {
		outcome = "invalid"
		r.logger.Warn("service data validation failed",
			"service_id", serviceID,
			"errors", strings.Join(errs, ", "))
	}
	if err := r.publish(serviceID, data); err != nil {
		return err
	}
	r.observe(serviceID, outcome)
	return nil
}

// BroadcastValidated is the strict counterpart of Broadcast: a validation
// failure aborts delivery and returns the collected violations.
func (r *Registry) BroadcastValidated(serviceID string, data any) error {
	if errs := r.ValidateServiceData(serviceID, data); len(errs) > 0 {
		r.observe(serviceID, "rejected")
		return oops.In("service").
			Code("SERVICE_VALIDATION_FAILED").
			With("service_id", serviceID).
			Errorf("service data validation failed: %s", strings.Join(errs, ", "))
	}
	if err := r.publish(serviceID, data); err != nil {
		return err
	}
	r.observe(serviceID, "ok")
	return nil
}

// EmitPluginEvent routes a native plugin's emit callback onto the service
// channel named by the event. The payload has already been serialized by the
// plugin; it is delivered verbatim.
func (r *Registry) EmitPluginEvent(pluginID, eventName string, payload []byte) error {
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return oops.In("service").
			With("plugin_id", pluginID).
			With("event", eventName).
			Hint("emit payload is not valid JSON").
			Wrap(err)
	}

	outcome := "ok"
	if errs := r.ValidateServiceData(eventName, data); len(errs) > 0 {
		outcome = "invalid"
		r.logger.Warn("plugin event failed schema validation",
			"plugin_id", pluginID,
			"service_id", eventName,
			"errors", strings.Join(errs, ", "))
	}

	r.broadcaster.Publish(bus.NewEvent(Channel(eventName), bus.SourcePlugin, pluginID, payload))
	r.observe(eventName, outcome)
	return nil
}

func (r *Registry) publish(serviceID string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return oops.In("service").With("service_id", serviceID).Wrap(err)
	}
	r.broadcaster.Publish(bus.NewEvent(Channel(serviceID), bus.SourceHost, serviceID, payload))
	return nil
}

func (r *Registry) observe(serviceID, outcome string) {
	if r.onBroadcast != nil {
		r.onBroadcast(serviceID, outcome)
	}
}
