package matchmaking

import (
	"sync"
	"time"
)

// Options configures a Matchmaker. The zero value is usable.
type Options struct {
	// MaxConnections bounds concurrently registered connections. A value <= 0
	// means unlimited.
	MaxConnections int

	// TrackPairings keeps a partner table after each match so relayed
	// messages can be restricted to the current partner and a disconnect can
	// be reported to the survivor.
	TrackPairings bool

	// Now is used to timestamp waiting entries. Defaults to time.Now.
	Now func() time.Time
}

// Match is one pairing produced by Enqueue. A is the older arrival.
type Match struct {
	A, B         string
	PeerA, PeerB Peer
	TokenA       string
	TokenB       string
	WaitA, WaitB time.Duration
}

// Departure describes what Unregister tore down.
type Departure struct {
	WasLive    bool
	WasWaiting bool
	// Partner is the identity the departed connection was paired with. It is
	// only set when pairings are tracked and the partner is still live.
	Partner Peer
}

// Matchmaker owns the connection registry, the waiting pool and the optional
// pairing table.
type Matchmaker struct {
	trackPairings bool
	now           func() time.Time

	mu       sync.Mutex
	registry *registry
	pool     *waitingPool
	partners map[string]string
}

func New(opts Options) *Matchmaker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Matchmaker{
		trackPairings: opts.TrackPairings,
		now:           now,
		registry:      newRegistry(opts.MaxConnections),
		pool:          newWaitingPool(),
		partners:      make(map[string]string),
	}
}

// Register marks p live.
func (m *Matchmaker) Register(p Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.register(p)
}

// Unregister removes id from the registry, the waiting pool and the pairing
// table in one step. Unregistering an absent identity is a no-op.
func (m *Matchmaker) Unregister(id string) Departure {
	m.mu.Lock()
	defer m.mu.Unlock()

	var d Departure
	d.WasLive = m.registry.unregister(id)
	d.WasWaiting = m.pool.remove(id)
	if partner, ok := m.clearPairingLocked(id); ok {
		d.Partner, _ = m.registry.lookup(partner)
	}
	return d
}

func (m *Matchmaker) IsLive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.isLive(id)
}

// Enqueue adds id to the waiting pool and pairs off the two longest-waiting
// entries while at least two are present. A duplicate join while already
// waiting leaves the pool untouched, including the original token.
func (m *Matchmaker) Enqueue(id, token string) ([]Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.isLive(id) {
		return nil, ErrNotLive
	}

	// Rejoining the queue ends whatever pairing the caller was part of.
	m.clearPairingLocked(id)

	now := m.now()
	m.pool.push(waitingEntry{id: id, token: token, enqueued: now})

	var matches []Match
	for {
		a, b, ok := m.pool.popPair()
		if !ok {
			break
		}
		if m.trackPairings {
			m.partners[a.id] = b.id
			m.partners[b.id] = a.id
		}
		peerA, _ := m.registry.lookup(a.id)
		peerB, _ := m.registry.lookup(b.id)
		matches = append(matches, Match{
			A:      a.id,
			B:      b.id,
			PeerA:  peerA,
			PeerB:  peerB,
			TokenA: a.token,
			TokenB: b.token,
			WaitA:  now.Sub(a.enqueued),
			WaitB:  now.Sub(b.enqueued),
		})
	}
	return matches, nil
}

// Dequeue removes id from the waiting pool if present and reports whether it
// was.
func (m *Matchmaker) Dequeue(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.remove(id)
}

func (m *Matchmaker) IsWaiting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.contains(id)
}

// WaitingIDs returns the waiting identities, oldest first.
func (m *Matchmaker) WaitingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.ids()
}

// Waiting returns the number of connections in the waiting pool.
func (m *Matchmaker) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.len()
}

// Live returns the number of registered connections.
func (m *Matchmaker) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.registry.len()
}

// Route resolves the addressee of a relayed message from sender from to
// target to. It returns ErrNotLive when to is gone and, with pairing tracking
// enabled, ErrNotPaired when to is not from's current partner.
func (m *Matchmaker) Route(from, to string) (Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.registry.lookup(to)
	if !ok {
		return nil, ErrNotLive
	}
	if m.trackPairings && m.partners[from] != to {
		return nil, ErrNotPaired
	}
	return p, nil
}

// Partner returns id's current partner. It always reports false when pairing
// tracking is disabled.
func (m *Matchmaker) Partner(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[id]
	return p, ok
}

// EndPairing forgets the pairing between from and to if they are currently
// partners. It is a no-op otherwise.
func (m *Matchmaker) EndPairing(from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.partners[from] == to {
		m.clearPairingLocked(from)
	}
}

func (m *Matchmaker) clearPairingLocked(id string) (string, bool) {
	partner, ok := m.partners[id]
	if !ok {
		return "", false
	}
	delete(m.partners, id)
	if m.partners[partner] == id {
		delete(m.partners, partner)
	}
	return partner, true
}
