package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maintains a mapping of transport names to their openers and capabilities.
// Transport packages register themselves from init.
type Registry struct {
	mu           sync.RWMutex
	openers      map[string]Opener
	capabilities map[string]Capabilities
}

// DefaultRegistry is the global transport registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		openers:      make(map[string]Opener),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a transport opener to the registry.
func (r *Registry) Register(name string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[name] = opener
}

// RegisterWithCapabilities adds a transport opener and its capabilities to the registry.
func (r *Registry) RegisterWithCapabilities(name string, opener Opener, caps Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openers[name] = opener
	r.capabilities[name] = caps
}

// GetCapabilities returns the capabilities for a registered transport.
// Returns a zero Capabilities struct if the transport is unknown.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[name]; ok {
		return caps
	}
	return Capabilities{Name: name}
}

// Opener returns the opener registered for name.
func (r *Registry) Opener(name string) (Opener, error) {
	r.mu.RLock()
	opener, ok := r.openers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return opener, nil
}

// Open opens a connection using the opener registered for cfg.GetTransport().
func (r *Registry) Open(ctx context.Context, cfg Config, creds Credentials, logger watermill.LoggerAdapter) (Connection, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	opener, err := r.Opener(cfg.GetTransport())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return opener(ctx, cfg, creds, logger)
}

// Names returns the sorted list of registered transport names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.openers))
	for name := range r.openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has returns true if a transport is registered with the given name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.openers[name]
	return ok
}

// Register adds a transport opener to the default registry.
func Register(name string, opener Opener) {
	DefaultRegistry.Register(name, opener)
}

// RegisterWithCapabilities adds a transport opener and its capabilities to the default registry.
func RegisterWithCapabilities(name string, opener Opener, caps Capabilities) {
	DefaultRegistry.RegisterWithCapabilities(name, opener, caps)
}

// Open opens a connection using the default registry.
func Open(ctx context.Context, cfg Config, creds Credentials, logger watermill.LoggerAdapter) (Connection, error) {
	return DefaultRegistry.Open(ctx, cfg, creds, logger)
}
