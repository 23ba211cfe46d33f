package rpc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Manager errors.
var (
	// ErrClientExists is returned when registering a name twice.
	ErrClientExists = errors.New("client already registered")

	// ErrNoClient is returned when no client is registered under a name.
	ErrNoClient = errors.New("no client registered")
)

// Manager tracks the clients of an application by name. It is created and
// owned by the application; there is no package-level instance.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Client)}
}

// Register adds a client under name.
func (m *Manager) Register(name string, c *Client) error {
	if c == nil {
		return fmt.Errorf("register %q: nil client", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrClientExists)
	}
	m.clients[name] = c
	return nil
}

// Unregister removes a client without stopping it. It returns the removed
// client, or nil.
func (m *Manager) Unregister(name string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.clients[name]
	delete(m.clients, name)
	return c
}

// Get returns the client registered under name.
func (m *Manager) Get(name string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, name)
	}
	return c, nil
}

// Names returns the registered names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Diagnostics collects a snapshot of every registered client.
func (m *Manager) Diagnostics() map[string]Diagnostics {
	m.mu.RLock()
	clients := make(map[string]*Client, len(m.clients))
	for name, c := range m.clients {
		clients[name] = c
	}
	m.mu.RUnlock()

	out := make(map[string]Diagnostics, len(clients))
	for name, c := range clients {
		out[name] = c.Diagnostics()
	}
	return out
}

// StopAll stops and unregisters every client.
func (m *Manager) StopAll() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
}
