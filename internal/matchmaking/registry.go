package matchmaking

// Peer is the relay's handle on one live transport session.
type Peer interface {
	// ID returns the server-assigned identity. It must not change for the
	// lifetime of the connection.
	ID() string

	// Send queues payload for delivery to the peer. It must never block; a
	// false return means the payload was dropped.
	Send(payload []byte) bool
}

// registry tracks which identities are currently live. It is not safe for
// concurrent use on its own; Matchmaker serializes access.
type registry struct {
	maxConns int
	peers    map[string]Peer
}

func newRegistry(maxConns int) *registry {
	return &registry{
		maxConns: maxConns,
		peers:    make(map[string]Peer),
	}
}

func (r *registry) register(p Peer) error {
	id := p.ID()
	if id == "" {
		return ErrInvalidConnectionID
	}
	if _, ok := r.peers[id]; ok {
		return ErrAlreadyRegistered
	}
	if r.maxConns > 0 && len(r.peers) >= r.maxConns {
		return ErrTooManyConnections
	}
	r.peers[id] = p
	return nil
}

// unregister reports whether id was live.
func (r *registry) unregister(id string) bool {
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

func (r *registry) isLive(id string) bool {
	_, ok := r.peers[id]
	return ok
}

func (r *registry) lookup(id string) (Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

func (r *registry) len() int { return len(r.peers) }
