package registry

import "sync"

// ClientKey identifies one downstream consumer of a stream.
type ClientKey struct {
	Address string
	Type    ClientType
}

// ClientRegistry tracks which clients are currently attached to which
// streams, independent of the stream table itself, so the status emitter can
// report per-stream viewer counts without locking the registry's stream map.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[StreamID]map[ClientKey]struct{}
}

// NewClientRegistry constructs an empty client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[StreamID]map[ClientKey]struct{})}
}

// Register attaches a client to a stream.
func (c *ClientRegistry) Register(id StreamID, key ClientKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.clients[id]
	if !ok {
		set = make(map[ClientKey]struct{})
		c.clients[id] = set
	}
	set[key] = struct{}{}
}

// Unregister detaches a client from a stream.
func (c *ClientRegistry) Unregister(id StreamID, key ClientKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.clients[id]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(c.clients, id)
	}
}

// Clear removes every client tracked against a stream. Called during stream
// termination.
func (c *ClientRegistry) Clear(id StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, id)
}

// CountByType returns how many currently-registered clients of a given type
// are attached to a stream.
func (c *ClientRegistry) CountByType(id StreamID, t ClientType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for key := range c.clients[id] {
		if key.Type == t {
			n++
		}
	}
	return n
}

// Total returns the total client count for a stream across all types.
func (c *ClientRegistry) Total(id StreamID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients[id])
}
