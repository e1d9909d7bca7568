// Package scope models the host runtime's resource-owner scopes: bounded
// regions of execution whose exit triggers cleanup callbacks. The host
// provides the real scope stream; this package is the seam the substrate
// registers against, plus a concrete manager for tests and standalone use.
package scope

import (
	"sync"
)

// Handle is an opaque identity for one scope.
type Handle uint64

// InvalidHandle is never assigned to a live scope.
const InvalidHandle Handle = 0

// Phase orders cleanup callbacks during scope exit.
type Phase int

const (
	PhaseBeforeLocks Phase = iota
	PhaseLocks
	PhaseAfterLocks
)

// ExitHook is called once per phase while a scope exits. committed tells
// whether the scope ended in success (commit) or unwind (abort).
type ExitHook func(h Handle, phase Phase, committed bool)

// Manager issues scope handles and drives exit hooks. Scopes nest; Current
// names the innermost live scope.
type Manager struct {
	mu    sync.Mutex
	hooks []ExitHook
	stack []Handle
	next  uint64
}

func NewManager() *Manager {
	return &Manager{}
}

// RegisterExitHook adds a callback invoked for every phase of every scope
// exit. Registration order is preserved.
func (m *Manager) RegisterExitHook(hook ExitHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// Begin opens a new scope and makes it current.
func (m *Manager) Begin() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	h := Handle(m.next)
	m.stack = append(m.stack, h)
	return h
}

// Current returns the innermost live scope, or InvalidHandle outside any.
func (m *Manager) Current() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) == 0 {
		return InvalidHandle
	}
	return m.stack[len(m.stack)-1]
}

// End closes the current scope, running every hook through the exit phases.
// Hooks run outside the manager lock; they may call back into the manager.
func (m *Manager) End(committed bool) {
	m.mu.Lock()
	if len(m.stack) == 0 {
		m.mu.Unlock()
		return
	}
	h := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	hooks := make([]ExitHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	for _, phase := range []Phase{PhaseBeforeLocks, PhaseLocks, PhaseAfterLocks} {
		for _, hook := range hooks {
			hook(h, phase, committed)
		}
	}
}
