// Package correlate turns a request action and its eventual response action
// into one blocking call.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/bus"
	"github.com/danmuck/viewhost/internal/observability"
	"github.com/google/uuid"
)

var ErrRequestIsResponse = errors.New("correlate: request must not be a response")

// Request dispatches req with a fresh correlation id and waits for the first
// response carrying that id. Later responses with the same id are ignored.
// There is no built-in timeout; ctx decides how long to wait.
func Request(ctx context.Context, d bus.Dispatcher, req action.Action) (action.Action, error) {
	if req.IsResponse() {
		return action.Action{}, ErrRequestIsResponse
	}
	id := uuid.NewString()
	req = req.WithID(id)

	got := make(chan action.Action, 1)
	var (
		once        sync.Once
		unsubscribe func()
		unsubMu     sync.Mutex
	)
	stop := func() {
		unsubMu.Lock()
		fn := unsubscribe
		unsubMu.Unlock()
		if fn != nil {
			fn()
		}
	}
	// the listener is in place before the request goes out
	unsubMu.Lock()
	unsubscribe = d.Listen(bus.ResponseTo(id), func(resp action.Action) error {
		once.Do(func() {
			got <- resp
			stop()
		})
		return nil
	})
	unsubMu.Unlock()

	observability.RecordPrompt(string(req.Type))
	if err := d.Dispatch(req); err != nil {
		stop()
		return action.Action{}, fmt.Errorf("correlate: dispatch %s: %w", req.Type, err)
	}

	select {
	case resp := <-got:
		return resp, nil
	case <-ctx.Done():
		stop()
		return action.Action{}, ctx.Err()
	}
}

// Respond dispatches a response of type t to req.
func Respond(d bus.Dispatcher, req action.Action, t action.Type, payload any) error {
	resp, err := action.Reply(req, t, payload)
	if err != nil {
		return err
	}
	return d.Dispatch(resp)
}
