package platform

import "sync"

// Registry holds all registered platform clients keyed by name.
type Registry struct {
	mu      sync.RWMutex
	clients map[Name]Client
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[Name]Client),
	}
}

// Register adds a client to the registry.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get returns a client by name, or nil if not registered.
func (r *Registry) Get(name Name) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[name]
}

// All returns all registered clients in a stable order.
func (r *Registry) All() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Client
	for _, name := range AllNames() {
		if c, ok := r.clients[name]; ok {
			result = append(result, c)
		}
	}
	return result
}

// Names returns the names of all registered clients in a stable order.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []Name
	for _, name := range AllNames() {
		if _, ok := r.clients[name]; ok {
			result = append(result, name)
		}
	}
	return result
}
