// Package provider defines the canonical adapter contract that normalizes
// heterogeneous model backends into one call shape, plus the process-wide
// adapter cache. Adapters only build requests and parse responses for their
// protocol family; quota checks, retries, and cost math happen above them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/cost"
)

// Result is the canonical outcome of one backend invocation. Token counts
// come from the backend's usage block when available, otherwise they are
// approximated by the adapter.
type Result struct {
	OutputText   string
	InputTokens  int32
	OutputTokens int32
}

// Adapter invokes one endpoint's backend. Implementations must convert
// every transport and parse failure into an error return; nothing may
// panic past this boundary.
type Adapter interface {
	Invoke(ctx context.Context, prompt string, params cost.NormalizedParams) (*Result, error)
	Kind() modelmux.ProviderKind
	Shutdown() error
}

// BackendError is a non-2xx response from a backend, preserved with its
// status code so the executor can classify rate limiting.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether the backend rejected the call for rate
// limiting (HTTP 429).
func IsRateLimited(err error) bool {
	var backendErr *BackendError
	return errors.As(err, &backendErr) && backendErr.StatusCode == 429
}

// IsTimeout reports whether the invocation failed on a deadline, either
// the per-call context deadline or a transport-level timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Factory builds an adapter bound to one endpoint.
type Factory func(endpoint *modelmux.Endpoint) (Adapter, error)

// Registry caches adapter instances keyed by (kind, endpoint id) so
// transport clients are not reconstructed per call. The cache lives for
// the process lifetime and is read-mostly.
type Registry struct {
	mu        sync.RWMutex
	factories map[modelmux.ProviderKind]Factory
	adapters  map[string]Adapter
	logger    *zap.SugaredLogger
}

func NewRegistry(logger *zap.SugaredLogger) *Registry {
	return &Registry{
		factories: make(map[modelmux.ProviderKind]Factory),
		adapters:  make(map[string]Adapter),
		logger:    logger,
	}
}

// Register installs the factory for a provider kind. Later registrations
// for the same kind replace earlier ones.
func (r *Registry) Register(kind modelmux.ProviderKind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// For returns the cached adapter for an endpoint, constructing it on
// first use.
func (r *Registry) For(endpoint *modelmux.Endpoint) (Adapter, error) {
	key := adapterKey(endpoint)

	r.mu.RLock()
	adapter, ok := r.adapters[key]
	r.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another dispatch may have built it while we waited for the lock.
	if adapter, ok := r.adapters[key]; ok {
		return adapter, nil
	}

	factory, ok := r.factories[endpoint.Kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider kind %q", endpoint.Kind)
	}

	adapter, err := factory(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s adapter for endpoint %s: %w", endpoint.Kind, endpoint.ID, err)
	}

	r.logger.Infow("Built provider adapter", "kind", endpoint.Kind, "endpoint", endpoint.ID)
	r.adapters[key] = adapter
	return adapter, nil
}

// Shutdown releases every cached adapter. Errors are logged, not returned;
// shutdown is best effort.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, adapter := range r.adapters {
		if err := adapter.Shutdown(); err != nil {
			r.logger.Warnw("Failed to shut down adapter", "adapter", key, "error", err)
		}
		delete(r.adapters, key)
	}
}

func adapterKey(endpoint *modelmux.Endpoint) string {
	return string(endpoint.Kind) + ":" + endpoint.ID
}

// ApproximateTokens estimates a token count for text when the backend
// does not report usage. Four characters per token is the conventional
// rough cut for English text.
func ApproximateTokens(text string) int32 {
	return int32(len(text) / 4)
}
