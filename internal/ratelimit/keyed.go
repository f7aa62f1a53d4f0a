package ratelimit

import "sync"

// Keyed partitions limiters by key (typically a platform identifier), so
// competing tasks on different platforms never contend on a shared window.
type Keyed struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*Limiter
}

// NewKeyed creates a Keyed set whose limiters all share cfg.
func NewKeyed(cfg Config) *Keyed {
	return &Keyed{
		cfg:      cfg,
		limiters: make(map[string]*Limiter),
	}
}

// Get returns the limiter for key, creating it on first use.
func (k *Keyed) Get(key string) *Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.limiters[key]
	if !ok {
		l = New(k.cfg)
		k.limiters[key] = l
	}
	return l
}
