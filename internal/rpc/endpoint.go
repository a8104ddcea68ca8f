package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/danmuck/viewhost/internal/logging"
	"github.com/danmuck/viewhost/internal/observability"
	"github.com/danmuck/viewhost/internal/protocol/frame"
	"github.com/danmuck/viewhost/internal/protocol/session"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// EndpointOptions configures an Endpoint. OnAction receives every action
// frame payload in arrival order, on the Serve goroutine.
type EndpointOptions struct {
	Registry *Registry
	OnAction func(raw json.RawMessage)
	Logger   *zerolog.Logger
}

// Endpoint multiplexes actions and calls over one session channel. Both
// sides of a connection run one.
type Endpoint struct {
	ch       session.Channel
	registry *Registry
	onAction func(raw json.RawMessage)
	logger   zerolog.Logger

	pending *session.PendingCalls
	waitMu  sync.Mutex
	waiters map[string]chan session.ReplyEnvelope
}

func NewEndpoint(ch session.Channel, opts EndpointOptions) *Endpoint {
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	logger := logging.Component("rpc").With().Str("peer", ch.RemoteAddr()).Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Endpoint{
		ch:       ch,
		registry: registry,
		onAction: opts.OnAction,
		logger:   logger,
		pending:  session.NewPendingCalls(),
		waiters:  make(map[string]chan session.ReplyEnvelope),
	}
}

// Channel returns the underlying session channel.
func (e *Endpoint) Channel() session.Channel {
	return e.ch
}

// Pending lists calls still awaiting a reply.
func (e *Endpoint) Pending() []session.PendingCall {
	return e.pending.List()
}

// SendAction writes one wire-encoded action.
func (e *Endpoint) SendAction(raw json.RawMessage) error {
	return e.ch.Send(session.ActionFrame(raw))
}

// Serve reads frames until the channel fails or ctx ends. Calls are served
// on their own goroutines with a context cancelled when Serve returns.
func (e *Endpoint) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			_ = e.ch.Close()
		case <-e.ch.Done():
		}
	}()

	for {
		f, err := e.ch.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		switch f.Header.MessageType {
		case frame.TypeAction:
			if e.onAction != nil {
				e.onAction(json.RawMessage(f.Payload))
			}
		case frame.TypeCall:
			call, err := session.DecodeCall(f)
			if err != nil {
				e.logger.Warn().Err(err).Msg("rpc.call_rejected")
				continue
			}
			go e.serveCall(ctx, call)
		case frame.TypeReply:
			reply, err := session.DecodeReply(f)
			if err != nil {
				e.logger.Warn().Err(err).Msg("rpc.reply_rejected")
				continue
			}
			e.resolve(reply)
		case frame.TypePing:
		default:
			e.logger.Warn().Uint32("type", f.Header.MessageType).Msg("rpc.unknown_frame")
		}
	}
}

// Invoke calls name on the peer and decodes the result into out (which may
// be nil). A call in flight when the channel dies is never answered; only
// ctx ends the wait.
func (e *Endpoint) Invoke(ctx context.Context, name string, args any, out any) error {
	start := time.Now()
	err := e.invoke(ctx, name, args, out)
	observability.RecordRPC(name, time.Since(start), err == nil)
	return err
}

func (e *Endpoint) invoke(ctx context.Context, name string, args any, out any) error {
	var rawArgs json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("rpc: encode %s args: %w", name, err)
		}
		rawArgs = encoded
	}
	id := ulid.Make().String()
	f, err := session.CallFrame(session.CallEnvelope{ID: id, Name: name, Args: rawArgs})
	if err != nil {
		return err
	}

	wait := make(chan session.ReplyEnvelope, 1)
	e.waitMu.Lock()
	e.waiters[id] = wait
	e.waitMu.Unlock()
	e.pending.Add(session.PendingCall{CallID: id, Name: name, IssuedAt: time.Now()})

	if err := e.ch.Send(f); err != nil {
		e.forget(id)
		return err
	}

	select {
	case reply := <-wait:
		if reply.Error != nil {
			return &RemoteError{Name: reply.Error.Name, Message: reply.Error.Message, Stack: reply.Error.Stack}
		}
		if out == nil || len(reply.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(reply.Result, out); err != nil {
			return fmt.Errorf("rpc: decode %s result: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		e.forget(id)
		return ctx.Err()
	}
}

func (e *Endpoint) forget(id string) {
	e.waitMu.Lock()
	delete(e.waiters, id)
	e.waitMu.Unlock()
	e.pending.Take(id)
}

func (e *Endpoint) resolve(reply session.ReplyEnvelope) {
	e.waitMu.Lock()
	wait, ok := e.waiters[reply.ID]
	delete(e.waiters, reply.ID)
	e.waitMu.Unlock()
	e.pending.Take(reply.ID)
	if !ok {
		e.logger.Debug().Str("call_id", reply.ID).Msg("rpc.reply_unmatched")
		return
	}
	wait <- reply
}

func (e *Endpoint) serveCall(ctx context.Context, call session.CallEnvelope) {
	reply := session.ReplyEnvelope{ID: call.ID}
	result, errEnv := e.runHandler(ctx, call)
	if errEnv != nil {
		reply.Error = errEnv
	} else if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			reply.Error = &session.ErrorEnvelope{Name: NameError, Message: err.Error()}
		} else {
			reply.Result = encoded
		}
	}
	f, err := session.ReplyFrame(reply)
	if err != nil {
		e.logger.Error().Str("call", call.Name).Err(err).Msg("rpc.reply_encode_failed")
		return
	}
	if err := e.ch.Send(f); err != nil {
		e.logger.Debug().Str("call", call.Name).Err(err).Msg("rpc.reply_dropped")
	}
}

func (e *Endpoint) runHandler(ctx context.Context, call session.CallEnvelope) (result any, errEnv *session.ErrorEnvelope) {
	h, ok := e.registry.Lookup(call.Name)
	if !ok {
		return nil, &session.ErrorEnvelope{
			Name:    NameHandlerNotFound,
			Message: fmt.Sprintf("no handler for %q", call.Name),
		}
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("call", call.Name).Interface("panic", r).Msg("rpc.handler_panic")
			result = nil
			errEnv = &session.ErrorEnvelope{
				Name:    NamePanic,
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	out, err := h(ctx, call.Args)
	if err != nil {
		return nil, &session.ErrorEnvelope{Name: errorName(err), Message: err.Error(), Stack: errorStack(err)}
	}
	return out, nil
}

// Call is Invoke with a typed result.
func Call[Resp any](ctx context.Context, e *Endpoint, name string, args any) (Resp, error) {
	var out Resp
	err := e.Invoke(ctx, name, args, &out)
	return out, err
}
