// Package platform defines the pluggable site-adapter contract and the
// registry that selects a concrete adapter by configuration key.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/leadgrid/scraperd/internal/protocol"
	"github.com/leadgrid/scraperd/internal/task"
)

// SessionOptions carries per-task knobs into a browsing session.
type SessionOptions struct {
	UserAgent  string
	Delay      time.Duration
	NavTimeout time.Duration
	// Headless requests a JavaScript-rendering browser session when the
	// adapter offers one.
	Headless bool
}

// Session is one browsing context against a platform. A session holds its
// current pagination position: SearchBusinesses scrapes the current page and
// NextPage advances it.
type Session interface {
	SearchBusinesses(ctx context.Context, keywords []string, location string) ([]task.Result, error)
	ExtractDetail(ctx context.Context, ref task.Result) (task.Result, error)
	NextPage(ctx context.Context, maxPages int) (bool, error)
	Close() error
}

// Adapter creates sessions for one platform. Implementations are selected by
// configuration key rather than subclassing.
type Adapter interface {
	Key() string
	OpenSession(ctx context.Context, info protocol.PlatformInfo, opts SessionOptions) (Session, error)
}

// Registry maps platform keys to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter; registering a duplicate key is an error.
func (r *Registry) Register(a Adapter) error {
	if a == nil || a.Key() == "" {
		return fmt.Errorf("adapter with a non-empty key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Key()]; exists {
		return fmt.Errorf("adapter %q already registered", a.Key())
	}
	r.adapters[a.Key()] = a
	return nil
}

// Get returns the adapter for key.
func (r *Registry) Get(key string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", key)
	}
	return a, nil
}

// Keys lists registered platform keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
