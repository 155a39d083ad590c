package emrclient

import (
	"context"
	"sort"
	"sync"
)

// MemoryRepo is an in-process Repository for development and tests.
type MemoryRepo struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{clients: make(map[string]Client)}
}

func (r *MemoryRepo) GetByClientID(_ context.Context, clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryRepo) Create(_ context.Context, c *Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.ClientID]; ok {
		return ErrDuplicate
	}
	r.clients[c.ClientID] = *c
	return nil
}

func (r *MemoryRepo) List(_ context.Context) ([]*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		c := c
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
