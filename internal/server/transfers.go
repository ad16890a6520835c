package server

import (
	"log"
	"sync"
)

// transfer tracks one in-flight file relay keyed by wire message id. The
// broker relays chunks as they arrive and only keeps the byte counter.
type transfer struct {
	filename string
	size     uint32
	received uint32
	sender   string
	topic    string
	complete bool
}

// TransferRegistry holds the per-message-id file transfer state.
type TransferRegistry struct {
	mu     sync.Mutex
	active map[uint32]*transfer
}

// NewTransferRegistry initialises an empty registry.
func NewTransferRegistry() *TransferRegistry {
	return &TransferRegistry{active: make(map[uint32]*transfer)}
}

// Open records a new transfer. Clients allocate message ids, so an id may
// collide with an unfinished transfer; the newer transfer wins.
func (r *TransferRegistry) Open(id uint32, filename string, size uint32, sender, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.active[id]; ok {
		log.Printf("transfer id reused id=%d old=%s new=%s", id, old.filename, filename)
	}
	r.active[id] = &transfer{
		filename: filename,
		size:     size,
		sender:   sender,
		topic:    topic,
	}
}

// Exists reports whether an open transfer holds the id.
func (r *TransferRegistry) Exists(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// Append adds n received bytes and reports whether the transfer has
// reached its declared size.
func (r *TransferRegistry) Append(id uint32, n uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	if !ok {
		return false
	}
	t.received += n
	if t.received >= t.size {
		t.complete = true
	}
	return t.complete
}

// Progress returns received/size in [0,1].
func (r *TransferRegistry) Progress(id uint32) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	if !ok || t.size == 0 {
		return 0
	}
	if t.received >= t.size {
		return 1
	}
	return float64(t.received) / float64(t.size)
}

// Sender returns the transfer's sending username, or "".
func (r *TransferRegistry) Sender(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.active[id]; ok {
		return t.sender
	}
	return ""
}

// Recipient returns the transfer's destination topic, or "".
func (r *TransferRegistry) Recipient(id uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.active[id]; ok {
		return t.topic
	}
	return ""
}

// IsComplete reports whether the transfer has reached its declared size.
func (r *TransferRegistry) IsComplete(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[id]
	return ok && t.complete
}

// Drop removes the transfer entry.
func (r *TransferRegistry) Drop(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
}

// DropBySender removes every transfer opened by username. Called on session
// teardown so a disconnecting sender cannot leave stalled entries behind.
func (r *TransferRegistry) DropBySender(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.active {
		if t.sender == username {
			delete(r.active, id)
		}
	}
}

// Count returns the number of open transfers.
func (r *TransferRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
