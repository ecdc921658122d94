package dispatch

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/eldtechnologies/ridewire/internal/models"
)

// MemoryStore is a process-local Store. Its conditional update is atomic
// within one process only, so it suits tests and single-instance
// development, not multi-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]models.DispatchRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]models.DispatchRequest)}
}

func (s *MemoryStore) CreateRequest(_ context.Context, req *models.DispatchRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = *req
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (*models.DispatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &req, nil
}

func (s *MemoryStore) TransitionRequest(_ context.Context, id string, t models.Transition) (*models.DispatchRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if !slices.Contains(t.From, req.Status) {
		return nil, models.ErrStaleTransition
	}

	req.Status = t.To
	at := t.At
	switch {
	case t.To == models.StatusAccepted:
		req.FulfillerID = t.FulfillerID
		req.AcceptedAt = &at
	case t.To.Terminal():
		req.TerminalAt = &at
		if t.To == models.StatusCancelled {
			req.CancelledBy = t.By
			req.Reason = t.Reason
		}
	}
	s.requests[id] = req
	return &req, nil
}

func (s *MemoryStore) ListActiveRequests(_ context.Context, identityID string) ([]*models.DispatchRequest, error) {
	return s.list(func(r models.DispatchRequest) bool {
		return !r.Status.Terminal() && r.Participant(identityID)
	}), nil
}

func (s *MemoryStore) ListPendingRequests(context.Context) ([]*models.DispatchRequest, error) {
	return s.list(func(r models.DispatchRequest) bool { return r.Status == models.StatusPending }), nil
}

func (s *MemoryStore) list(keep func(models.DispatchRequest) bool) []*models.DispatchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DispatchRequest
	for _, r := range s.requests {
		if keep(r) {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
