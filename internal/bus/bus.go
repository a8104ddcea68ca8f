// Package bus sequences actions through the store, remote guests, and local
// listeners.
//
// Every action is handled to completion (reduce, fan out, notify) before the
// next one starts. Actions dispatched from inside a listener are queued
// behind the one being handled instead of running nested.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/danmuck/viewhost/internal/action"
	"github.com/danmuck/viewhost/internal/logging"
	"github.com/danmuck/viewhost/internal/observability"
	"github.com/rs/zerolog"
)

var (
	ErrProtocolViolation = errors.New("bus: protocol violation")
	ErrDuplicateSink     = errors.New("bus: duplicate sink")
)

const (
	OriginHost  = "host"
	OriginGuest = "guest"
)

// Handler reacts to one action. Errors and panics are logged and do not
// stop delivery to other listeners.
type Handler func(action.Action) error

// Dispatcher is the surface protocols need: send an action and observe
// actions. Both host and guest buses satisfy it.
type Dispatcher interface {
	Dispatch(a action.Action) error
	Listen(match Matcher, h Handler) (unsubscribe func())
}

// Sink receives wire-encoded actions for one remote guest. Deliver runs on
// the action sequence and must not block on the network.
type Sink interface {
	Deliver(raw json.RawMessage) error
}

// Options configures a Bus.
//
// Apply reduces an action into local state and reports whether it was
// applied; an action that is not applied is not shown to listeners. Forward,
// when set, makes Dispatch send actions upstream instead of handling them
// locally; locally handled actions then arrive through Deliver.
type Options struct {
	Origin  string
	Apply   func(action.Action) bool
	Forward func(action.Action) error
	Logger  *zerolog.Logger
}

type item struct {
	a    action.Action
	run  func(process func(action.Action))
	done chan struct{}
}

type listener struct {
	id     uint64
	match  Matcher
	handle Handler
	active atomic.Bool
}

// Bus is safe for concurrent use.
type Bus struct {
	origin  string
	apply   func(action.Action) bool
	forward func(action.Action) error
	logger  zerolog.Logger

	mu       sync.Mutex
	queue    []item
	draining bool

	listenMu  sync.RWMutex
	listeners []*listener
	nextID    uint64

	sinkMu sync.RWMutex
	sinks  map[string]Sink
}

func New(opts Options) *Bus {
	origin := opts.Origin
	if origin == "" {
		origin = OriginHost
	}
	logger := logging.Component("bus").With().Str("origin", origin).Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	apply := opts.Apply
	if apply == nil {
		apply = func(action.Action) bool { return true }
	}
	return &Bus{
		origin:  origin,
		apply:   apply,
		forward: opts.Forward,
		logger:  logger,
		sinks:   make(map[string]Sink),
	}
}

// Dispatch validates a and either forwards it upstream or queues it for
// local handling. It returns once a is queued; handling may already be done
// when it returns, or may be finished by another goroutine.
func (b *Bus) Dispatch(a action.Action) error {
	if err := b.check(a); err != nil {
		return err
	}
	observability.RecordAction(b.origin, string(a.Type))
	if b.forward != nil {
		return b.forward(a)
	}
	b.enqueue(item{a: a})
	return nil
}

// Deliver queues an action received from upstream for local handling.
func (b *Bus) Deliver(a action.Action) error {
	if err := b.check(a); err != nil {
		return err
	}
	b.enqueue(item{a: a})
	return nil
}

// Run executes fn on the action sequence: after everything queued before it
// and before anything queued after it. fn may push actions through the full
// handling path inline with process. Run blocks until fn returns, so it must
// not be called from a listener.
func (b *Bus) Run(fn func(process func(action.Action))) {
	done := make(chan struct{})
	b.enqueue(item{run: fn, done: done})
	<-done
}

// Flush returns once everything queued before the call has been handled.
func (b *Bus) Flush() {
	b.Run(nil)
}

// Attach registers a remote sink. onAttach runs on the action sequence
// immediately before the sink is added, so state read inside onAttach plus
// every action the sink receives afterwards reconstructs the host state
// with no gap and no overlap.
func (b *Bus) Attach(id string, sink Sink, onAttach func()) error {
	var err error
	b.Run(func(func(action.Action)) {
		b.sinkMu.Lock()
		defer b.sinkMu.Unlock()
		if _, exists := b.sinks[id]; exists {
			err = fmt.Errorf("%w: %s", ErrDuplicateSink, id)
			return
		}
		if onAttach != nil {
			onAttach()
		}
		b.sinks[id] = sink
	})
	return err
}

func (b *Bus) Detach(id string) {
	b.sinkMu.Lock()
	delete(b.sinks, id)
	b.sinkMu.Unlock()
}

// Listen registers h for actions accepted by match. Listeners run in
// registration order. The returned func is idempotent.
func (b *Bus) Listen(match Matcher, h Handler) func() {
	if match == nil {
		match = Any()
	}
	b.listenMu.Lock()
	b.nextID++
	l := &listener{id: b.nextID, match: match, handle: h}
	l.active.Store(true)
	b.listeners = append(b.listeners, l)
	b.listenMu.Unlock()

	return func() {
		if !l.active.CompareAndSwap(true, false) {
			return
		}
		b.listenMu.Lock()
		defer b.listenMu.Unlock()
		for i, cur := range b.listeners {
			if cur == l {
				b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
				return
			}
		}
	}
}

// ListenerCount reports how many listeners are registered.
func (b *Bus) ListenerCount() int {
	b.listenMu.RLock()
	defer b.listenMu.RUnlock()
	return len(b.listeners)
}

func (b *Bus) check(a action.Action) error {
	if err := action.Check(a); err != nil {
		observability.RecordProtocolViolation(b.origin)
		b.logger.Warn().
			Str("type", string(a.Type)).
			Err(err).
			Msg("bus.protocol_violation")
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return nil
}

func (b *Bus) enqueue(it item) {
	b.mu.Lock()
	b.queue = append(b.queue, it)
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()
	b.drain()
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		it := b.queue[0]
		b.queue[0] = item{}
		b.queue = b.queue[1:]
		b.mu.Unlock()

		if it.done != nil {
			if it.run != nil {
				it.run(b.process)
			}
			close(it.done)
			continue
		}
		b.process(it.a)
	}
}

// process handles one action: reduce, fan out to sinks, notify listeners.
func (b *Bus) process(a action.Action) {
	if !b.apply(a) {
		return
	}
	b.fanOut(a)
	b.notify(a)
}

func (b *Bus) fanOut(a action.Action) {
	b.sinkMu.RLock()
	if len(b.sinks) == 0 {
		b.sinkMu.RUnlock()
		return
	}
	sinks := make(map[string]Sink, len(b.sinks))
	for id, s := range b.sinks {
		sinks[id] = s
	}
	b.sinkMu.RUnlock()

	raw, err := action.Marshal(a)
	if err != nil {
		b.logger.Error().Str("type", string(a.Type)).Err(err).Msg("bus.encode_failed")
		return
	}
	for id, s := range sinks {
		if err := s.Deliver(raw); err != nil {
			b.logger.Warn().
				Str("sink", id).
				Str("type", string(a.Type)).
				Err(err).
				Msg("bus.deliver_failed")
		}
	}
}

func (b *Bus) notify(a action.Action) {
	b.listenMu.RLock()
	ls := make([]*listener, len(b.listeners))
	copy(ls, b.listeners)
	b.listenMu.RUnlock()

	for _, l := range ls {
		if !l.active.Load() || !l.match(a) {
			continue
		}
		b.invoke(l, a)
	}
}

func (b *Bus) invoke(l *listener, a action.Action) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Uint64("listener", l.id).
				Str("type", string(a.Type)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("bus.listener_panic")
		}
	}()
	if err := l.handle(a); err != nil {
		b.logger.Warn().
			Uint64("listener", l.id).
			Str("type", string(a.Type)).
			Err(err).
			Msg("bus.listener_failed")
	}
}
