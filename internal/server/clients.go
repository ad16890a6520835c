package server

import "sync"

// ClientRegistry is the bidirectional username ↔ connection map. At most one
// connection holds a given username at a time.
type ClientRegistry struct {
	mu     sync.Mutex
	byName map[string]*Conn
	byConn map[*Conn]string
}

// NewClientRegistry initialises an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		byName: make(map[string]*Conn),
		byConn: make(map[*Conn]string),
	}
}

// Add binds username to conn. It fails when the name is already claimed.
func (r *ClientRegistry) Add(username string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byName[username]; taken {
		return false
	}
	r.byName[username] = conn
	r.byConn[conn] = username
	return true
}

// Remove unbinds conn and returns the username it held, or "" when the
// connection never authenticated.
func (r *ClientRegistry) Remove(conn *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	username, ok := r.byConn[conn]
	if !ok {
		return ""
	}
	delete(r.byName, username)
	delete(r.byConn, conn)
	return username
}

// Username resolves the name bound to conn, or "".
func (r *ClientRegistry) Username(conn *Conn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byConn[conn]
}

// Conn resolves the connection bound to username, or nil.
func (r *ClientRegistry) Conn(username string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[username]
}

// Snapshot copies the username → connection map for iteration during
// fan-out.
func (r *ClientRegistry) Snapshot() map[string]*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]*Conn, len(r.byName))
	for name, conn := range r.byName {
		snap[name] = conn
	}
	return snap
}

// Count returns the number of authenticated connections.
func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}
