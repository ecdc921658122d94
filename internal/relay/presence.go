package relay

import (
	"context"
	"sync"
)

// Presence is the cross-instance directory of identities holding at least
// one live connection. Each instance reports only its own edges.
type Presence interface {
	Connect(ctx context.Context, identityID, instance string) error
	Disconnect(ctx context.Context, identityID, instance string) error
	IsOnline(ctx context.Context, identityID string) (bool, error)
}

// MemoryPresence is an instance-local Presence.
type MemoryPresence struct {
	mu        sync.RWMutex
	instances map[string]map[string]struct{}
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{instances: make(map[string]map[string]struct{})}
}

func (p *MemoryPresence) Connect(_ context.Context, identityID, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.instances[identityID]
	if set == nil {
		set = make(map[string]struct{})
		p.instances[identityID] = set
	}
	set[instance] = struct{}{}
	return nil
}

func (p *MemoryPresence) Disconnect(_ context.Context, identityID, instance string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set := p.instances[identityID]; set != nil {
		delete(set, instance)
		if len(set) == 0 {
			delete(p.instances, identityID)
		}
	}
	return nil
}

func (p *MemoryPresence) IsOnline(_ context.Context, identityID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.instances[identityID]) > 0, nil
}
