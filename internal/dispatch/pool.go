package dispatch

import (
	"context"
	"sort"
	"sync"
)

// Pool is the availability collaborator: the set of fulfillers currently
// eligible for broadcasts.
type Pool interface {
	SetAvailable(ctx context.Context, fulfillerID string, available bool) error
	IsAvailable(ctx context.Context, fulfillerID string) (bool, error)
	AvailableFulfillers(ctx context.Context) ([]string, error)
}

// Presence reports whether an identity holds a live connection on any
// instance.
type Presence interface {
	IsOnline(ctx context.Context, identityID string) (bool, error)
}

// MemoryPool is an instance-local Pool.
type MemoryPool struct {
	mu        sync.RWMutex
	available map[string]struct{}
}

func NewMemoryPool() *MemoryPool {
	return &MemoryPool{available: make(map[string]struct{})}
}

func (p *MemoryPool) SetAvailable(_ context.Context, id string, available bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if available {
		p.available[id] = struct{}{}
	} else {
		delete(p.available, id)
	}
	return nil
}

func (p *MemoryPool) IsAvailable(_ context.Context, id string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.available[id]
	return ok, nil
}

// AvailableFulfillers returns IDs sorted for stable output. Order carries
// no ranking.
func (p *MemoryPool) AvailableFulfillers(context.Context) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.available))
	for id := range p.available {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
