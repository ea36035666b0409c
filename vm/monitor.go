package vm

import "sync"

// ---------------------------------------------------------------------------
// Monitor: reentrant lock keyed by owner identity
// ---------------------------------------------------------------------------

// Monitor is the lock behind synchronized blocks and methods. Owners are
// execution IDs; 0 means unowned. The same owner may enter repeatedly and
// must exit once per enter.
type Monitor struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner uint64
	depth uint32
}

// NewMonitor creates an unowned monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enter acquires the monitor for owner, blocking while another owner holds it.
func (m *Monitor) Enter(owner uint64) {
	m.mu.Lock()
	for m.owner != 0 && m.owner != owner {
		m.cond.Wait()
	}
	m.owner = owner
	m.depth++
	m.mu.Unlock()
}

// TryEnter acquires the monitor if it is free or already held by owner.
func (m *Monitor) TryEnter(owner uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != 0 && m.owner != owner {
		return false
	}
	m.owner = owner
	m.depth++
	return true
}

// Exit releases one level of ownership. It reports false when owner does
// not hold the monitor.
func (m *Monitor) Exit(owner uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != owner || m.depth == 0 {
		return false
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
	return true
}

// ExitAll releases every level held by owner and returns the depth released.
func (m *Monitor) ExitAll(owner uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != owner {
		return 0
	}
	d := m.depth
	m.depth = 0
	m.owner = 0
	m.cond.Signal()
	return d
}

// State returns the current owner and depth.
func (m *Monitor) State() (owner uint64, depth uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner, m.depth
}
