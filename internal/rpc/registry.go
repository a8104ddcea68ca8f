// Package rpc implements named request/response calls between the host and a
// guest over a session channel.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler answers one call. The result is marshalled to JSON.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry maps call names to handlers. A name is registered at most once.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Handle(name string, h Handler) error {
	name = strings.TrimSpace(name)
	if name == "" || h == nil {
		return fmt.Errorf("%w: %q", ErrInvalidHandler, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, name)
	}
	r.handlers[name] = h
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HandleTyped registers fn with JSON decoding of its request. A request
// type with a Validate method is validated before fn runs.
func HandleTyped[Req, Resp any](r *Registry, name string, fn func(ctx context.Context, req Req) (Resp, error)) error {
	return r.Handle(name, func(ctx context.Context, args json.RawMessage) (any, error) {
		var req Req
		if len(args) > 0 {
			if err := json.Unmarshal(args, &req); err != nil {
				return nil, Named(NameBadArguments, fmt.Errorf("decode %s args: %w", name, err))
			}
		}
		if v, ok := any(&req).(interface{ Validate() error }); ok {
			if err := v.Validate(); err != nil {
				return nil, Named(NameBadArguments, fmt.Errorf("%s args: %w", name, err))
			}
		}
		return fn(ctx, req)
	})
}
