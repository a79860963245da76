package collective

import (
	"context"
	"sync"
)

// LocalHub is an in-process Transport shared by the members of a group.
type LocalHub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Message)
}

// NewLocalHub returns an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{subs: make(map[int]func(Message))}
}

// Publish delivers m to every subscriber before returning.
func (h *LocalHub) Publish(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	subs := make([]func(Message), 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, deliver := range subs {
		deliver(m)
	}
	return nil
}

func (h *LocalHub) Subscribe(deliver func(Message)) (func() error, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	h.subs[id] = deliver
	return func() error {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
		return nil
	}, nil
}

// NewLocalGroup returns size members of one group connected by a fresh
// LocalHub.
func NewLocalGroup(size int, opts Options) ([]*Group, error) {
	hub := NewLocalHub()
	groups := make([]*Group, size)
	for r := range size {
		g, err := NewGroup(r, size, hub, opts)
		if err != nil {
			for _, prev := range groups[:r] {
				prev.Close()
			}
			return nil, err
		}
		groups[r] = g
	}
	return groups, nil
}
