package store

import (
	"reflect"
	"slices"
	"sync"

	"github.com/danmuck/viewhost/internal/action"
)

// Store holds one State and the reducers that advance it. Apply is expected
// to be driven by a single sequencer (the action bus); reads are safe from
// any goroutine.
type Store struct {
	mu       sync.RWMutex
	state    State
	reducers []Reducer

	watchMu   sync.Mutex
	watchers  map[uint64]func(State)
	nextWatch uint64
}

func New(initial State, reducers ...Reducer) *Store {
	if len(reducers) == 0 {
		reducers = DefaultReducers()
	}
	return &Store{
		state:    initial,
		reducers: reducers,
		watchers: make(map[uint64]func(State)),
	}
}

// Apply reduces a into the current state and notifies watchers.
func (s *Store) Apply(a action.Action) State {
	s.mu.Lock()
	next := Reduce(s.state, a, s.reducers)
	s.state = next
	s.mu.Unlock()
	s.notify(next)
	return next
}

// Hydrate replaces the whole state, used when a mirror receives a snapshot.
func (s *Store) Hydrate(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(st)
}

// State returns the current state. Callers must treat it as read-only.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	return s.State().Clone()
}

func (s *Store) notify(st State) {
	s.watchMu.Lock()
	fns := make([]func(State), 0, len(s.watchers))
	ids := make([]uint64, 0, len(s.watchers))
	for id := range s.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.watchers[id])
	}
	s.watchMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Store) addWatcher(fn func(State)) func() {
	s.watchMu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = fn
	s.watchMu.Unlock()
	return func() {
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}
}

// Select projects the current state.
func Select[T any](s *Store, selector func(State) T) T {
	return selector(s.State())
}

// Watch calls onChange with the selected value immediately and then each
// time it changes structurally. The returned func stops watching.
func Watch[T any](s *Store, selector func(State) T, onChange func(T)) func() {
	var (
		mu     sync.Mutex
		prev   T
		active = true
	)
	mu.Lock()
	stop := s.addWatcher(func(st State) {
		next := selector(st)
		mu.Lock()
		if !active || reflect.DeepEqual(prev, next) {
			mu.Unlock()
			return
		}
		prev = next
		mu.Unlock()
		onChange(next)
	})
	prev = selector(s.State())
	initial := prev
	mu.Unlock()
	onChange(initial)

	return func() {
		mu.Lock()
		active = false
		mu.Unlock()
		stop()
	}
}
