// Package prefs resolves caller display names. Persistent storage of
// preferences lives outside this module; the Memory implementation backs
// tests and single-process deployments.
package prefs

import "sync"

// Resolver maps a peer address or client identity to a display name.
type Resolver interface {
	// ResolveDisplayName returns the display string for an address. It
	// always returns something usable: a registered name, the configured
	// default caller, or the address itself.
	ResolveDisplayName(address string) string
}

// Memory is an in-memory Resolver.
type Memory struct {
	mu            sync.RWMutex
	names         map[string]string
	defaultCaller string
}

// NewMemory creates an empty in-memory resolver.
func NewMemory(defaultCaller string) *Memory {
	return &Memory{
		names:         make(map[string]string),
		defaultCaller: defaultCaller,
	}
}

// Register associates a display name with an address.
func (m *Memory) Register(address, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[address] = name
}

// ResolveDisplayName implements Resolver.
func (m *Memory) ResolveDisplayName(address string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name, ok := m.names[address]; ok {
		return name
	}
	if m.defaultCaller != "" {
		return m.defaultCaller
	}
	return address
}
