package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingCall tracks one typed-channel call awaiting its reply.
type PendingCall struct {
	CallID   string
	Name     string
	IssuedAt time.Time
}

// PendingCalls stores in-flight calls by call id. Entries for calls whose
// channel died are never removed by the transport; the caller's context
// decides when to give up.
type PendingCalls struct {
	mu    sync.RWMutex
	items map[string]PendingCall
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{
		items: make(map[string]PendingCall),
	}
}

func (p *PendingCalls) Add(item PendingCall) {
	key := strings.TrimSpace(item.CallID)
	if key == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = item
}

// Take removes and returns the entry for callID.
func (p *PendingCalls) Take(callID string) (PendingCall, bool) {
	key := strings.TrimSpace(callID)
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.items[key]
	if ok {
		delete(p.items, key)
	}
	return item, ok
}

func (p *PendingCalls) Get(callID string) (PendingCall, bool) {
	key := strings.TrimSpace(callID)
	p.mu.RLock()
	defer p.mu.RUnlock()
	item, ok := p.items[key]
	return item, ok
}

func (p *PendingCalls) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

func (p *PendingCalls) List() []PendingCall {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingCall, 0, len(p.items))
	for _, item := range p.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}
