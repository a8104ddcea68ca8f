package probe

import (
	"sync"
	"time"
)

type IdleState string

const (
	IdleActive  IdleState = "active"
	IdleIdle    IdleState = "idle"
	IdleLocked  IdleState = "locked"
	IdleUnknown IdleState = "unknown"
)

// LockDetector reports whether the user session is locked.
type LockDetector interface {
	Locked() (bool, error)
}

// IdleProber derives idleness from the last observed user activity.
type IdleProber struct {
	mu           sync.Mutex
	lastActivity time.Time
	lock         LockDetector
	now          func() time.Time
}

func NewIdleProber(lock LockDetector) *IdleProber {
	return &IdleProber{lock: lock, now: time.Now}
}

// Touch records user activity.
func (p *IdleProber) Touch() {
	p.mu.Lock()
	p.lastActivity = p.now()
	p.mu.Unlock()
}

// State reports the idle state for threshold. Without any recorded activity
// the state is unknown.
func (p *IdleProber) State(threshold time.Duration) IdleState {
	if p.lock != nil {
		if locked, err := p.lock.Locked(); err == nil && locked {
			return IdleLocked
		}
	}
	p.mu.Lock()
	last := p.lastActivity
	now := p.now()
	p.mu.Unlock()
	if last.IsZero() || threshold <= 0 {
		return IdleUnknown
	}
	if now.Sub(last) >= threshold {
		return IdleIdle
	}
	return IdleActive
}
