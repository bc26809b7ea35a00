// Package services is the host service registry. Components register
// named services under a domain with a schema; callers invoke them by
// domain and name with untyped data, which is validated before the
// handler runs.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/n8n-bridge/internal/metrics"
)

// ErrNotFound is returned by [Registry.Call] for an unregistered service.
var ErrNotFound = errors.New("service not found")

// Call is a validated service invocation.
type Call struct {
	Domain  string
	Service string
	Data    map[string]any
}

// Handler runs a service. The returned value, if non-nil, is the
// service response.
type Handler func(ctx context.Context, call Call) (any, error)

// Description summarizes a registered service.
type Description struct {
	Domain  string `json:"domain"`
	Service string `json:"service"`
	Fields  Schema `json:"fields"`
}

type registered struct {
	schema  Schema
	handler Handler
}

// Registry holds registered services.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	services map[string]registered
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		metrics:  m,
		services: make(map[string]registered),
	}
}

func key(domain, name string) string { return domain + "." + name }

// Register adds a service. Registering the same domain and name twice
// is an error.
func (r *Registry) Register(domain, name string, schema Schema, h Handler) error {
	if domain == "" || name == "" {
		return fmt.Errorf("register service: domain and name are required")
	}
	if h == nil {
		return fmt.Errorf("register %s: nil handler", key(domain, name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(domain, name)
	if _, ok := r.services[k]; ok {
		return fmt.Errorf("register %s: already registered", k)
	}
	r.services[k] = registered{schema: schema, handler: h}
	r.logger.Debug("service registered", "service", k)
	return nil
}

// Unregister removes a service. It reports whether it was registered.
func (r *Registry) Unregister(domain, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(domain, name)
	_, ok := r.services[k]
	delete(r.services, k)
	return ok
}

// Has reports whether domain.name is registered.
func (r *Registry) Has(domain, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[key(domain, name)]
	return ok
}

// Call validates data and invokes the service. Invalid data returns
// *[ValidationError] without running the handler.
func (r *Registry) Call(ctx context.Context, domain, name string, data map[string]any) (any, error) {
	k := key(domain, name)

	r.mu.RLock()
	svc, ok := r.services[k]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", k, ErrNotFound)
	}

	if data == nil {
		data = map[string]any{}
	}
	normalized, fieldErrs := svc.schema.Validate(data)
	if len(fieldErrs) > 0 {
		err := &ValidationError{Service: k, Fields: fieldErrs}
		r.logger.Warn("service call rejected", "service", k, "error", err)
		r.metrics.ServiceCall(k, err)
		return nil, err
	}

	r.logger.Debug("service call", "service", k)
	resp, err := svc.handler(ctx, Call{Domain: domain, Service: name, Data: normalized})
	r.metrics.ServiceCall(k, err)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", k, err)
	}
	return resp, nil
}

// List describes every registered service, sorted by domain and name.
func (r *Registry) List() []Description {
	r.mu.RLock()
	out := make([]Description, 0, len(r.services))
	for k, svc := range r.services {
		d, n := splitKey(k)
		out = append(out, Description{Domain: d, Service: n, Fields: svc.schema})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Service < out[j].Service
	})
	return out
}

func splitKey(k string) (string, string) {
	d, n, _ := strings.Cut(k, ".")
	return d, n
}
