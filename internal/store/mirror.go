package store

import (
	"sync"

	"github.com/danmuck/viewhost/internal/action"
)

// Mirror is a guest-side replica. Actions that arrive before the initial
// snapshot are held back and replayed on top of it, so nothing broadcast
// between the host taking the snapshot and the guest installing it is lost.
type Mirror struct {
	*Store

	mu       sync.Mutex
	hydrated bool
	backlog  []action.Action
}

func NewMirror() *Mirror {
	return &Mirror{Store: New(State{})}
}

// Receive applies a host-echoed action, or holds it if the mirror has not
// been hydrated yet. It reports whether the action was applied.
func (m *Mirror) Receive(a action.Action) bool {
	m.mu.Lock()
	if !m.hydrated {
		m.backlog = append(m.backlog, a)
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()
	m.Store.Apply(a)
	return true
}

// Hydrate installs snapshot and returns the actions held back before it, in
// arrival order. The caller applies them with Receive.
func (m *Mirror) Hydrate(snapshot State) []action.Action {
	m.mu.Lock()
	backlog := m.backlog
	m.backlog = nil
	m.hydrated = true
	m.mu.Unlock()
	m.Store.Hydrate(snapshot)
	return backlog
}

func (m *Mirror) Hydrated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hydrated
}

// Reset drops hydration and any backlog, ready for a new session.
func (m *Mirror) Reset() {
	m.mu.Lock()
	m.hydrated = false
	m.backlog = nil
	m.mu.Unlock()
}

// MergePersistedTrust folds persisted certificate decisions into s without
// overriding decisions already present in memory.
func MergePersistedTrust(s State, trusted, notTrusted map[string]string) State {
	out := s.Clone()
	if out.TrustedCertificates == nil {
		out.TrustedCertificates = map[string]string{}
	}
	if out.NotTrustedCertificates == nil {
		out.NotTrustedCertificates = map[string]string{}
	}
	for origin, cert := range trusted {
		if _, decided := out.NotTrustedCertificates[origin]; decided {
			continue
		}
		if _, ok := out.TrustedCertificates[origin]; !ok {
			out.TrustedCertificates[origin] = cert
		}
	}
	for origin, cert := range notTrusted {
		if _, decided := out.TrustedCertificates[origin]; decided {
			continue
		}
		if _, ok := out.NotTrustedCertificates[origin]; !ok {
			out.NotTrustedCertificates[origin] = cert
		}
	}
	return out
}
