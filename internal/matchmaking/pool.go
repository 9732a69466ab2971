package matchmaking

import "time"

type waitingEntry struct {
	id       string
	token    string
	enqueued time.Time
}

// waitingPool is a FIFO of connections waiting for a match. An identity
// appears in it at most once.
//
// Like registry, it relies on Matchmaker for synchronization.
type waitingPool struct {
	entries []waitingEntry
	members map[string]struct{}
}

func newWaitingPool() *waitingPool {
	return &waitingPool{members: make(map[string]struct{})}
}

// push appends an entry unless id is already waiting. It reports whether the
// pool changed.
func (p *waitingPool) push(e waitingEntry) bool {
	if _, ok := p.members[e.id]; ok {
		return false
	}
	p.entries = append(p.entries, e)
	p.members[e.id] = struct{}{}
	return true
}

// popPair removes and returns the two longest-waiting entries.
func (p *waitingPool) popPair() (waitingEntry, waitingEntry, bool) {
	if len(p.entries) < 2 {
		return waitingEntry{}, waitingEntry{}, false
	}
	a, b := p.entries[0], p.entries[1]
	p.entries[0], p.entries[1] = waitingEntry{}, waitingEntry{}
	p.entries = p.entries[2:]
	delete(p.members, a.id)
	delete(p.members, b.id)
	if len(p.entries) == 0 {
		// Let the backing array go instead of creeping forward forever.
		p.entries = nil
	}
	return a, b, true
}

func (p *waitingPool) remove(id string) bool {
	if _, ok := p.members[id]; !ok {
		return false
	}
	delete(p.members, id)
	for i := range p.entries {
		if p.entries[i].id != id {
			continue
		}
		copy(p.entries[i:], p.entries[i+1:])
		p.entries[len(p.entries)-1] = waitingEntry{}
		p.entries = p.entries[:len(p.entries)-1]
		break
	}
	return true
}

func (p *waitingPool) contains(id string) bool {
	_, ok := p.members[id]
	return ok
}

func (p *waitingPool) len() int { return len(p.entries) }

func (p *waitingPool) ids() []string {
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.id
	}
	return out
}
