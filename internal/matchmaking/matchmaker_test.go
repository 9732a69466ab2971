package matchmaking

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakePeer struct {
	id string

	mu   sync.Mutex
	sent [][]byte
}

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(payload []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, payload)
	return true
}

func registerPeers(t *testing.T, m *Matchmaker, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := m.Register(&fakePeer{id: id}); err != nil {
			t.Fatalf("register %q: %v", id, err)
		}
	}
}

func mustEnqueue(t *testing.T, m *Matchmaker, id string) []Match {
	t.Helper()
	matches, err := m.Enqueue(id, "tok-"+id)
	if err != nil {
		t.Fatalf("enqueue %q: %v", id, err)
	}
	return matches
}

func TestEnqueue_PairsInArrivalOrder(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 7, 10} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			m := New(Options{})
			var ids []string
			for i := 0; i < n; i++ {
				ids = append(ids, fmt.Sprintf("c%02d", i))
			}
			registerPeers(t, m, ids...)

			var got []Match
			for _, id := range ids {
				got = append(got, mustEnqueue(t, m, id)...)
			}

			if len(got) != n/2 {
				t.Fatalf("matches=%d, want %d", len(got), n/2)
			}
			for i, match := range got {
				if match.A != ids[2*i] || match.B != ids[2*i+1] {
					t.Fatalf("match[%d]={%s,%s}, want {%s,%s}", i, match.A, match.B, ids[2*i], ids[2*i+1])
				}
				if match.TokenA != "tok-"+match.A || match.TokenB != "tok-"+match.B {
					t.Fatalf("match[%d] tokens=%q/%q", i, match.TokenA, match.TokenB)
				}
			}
			if got := m.Waiting(); got != n%2 {
				t.Fatalf("waiting=%d, want %d", got, n%2)
			}
		})
	}
}

func TestEnqueue_ABCDScenario(t *testing.T) {
	m := New(Options{})
	registerPeers(t, m, "A", "B", "C", "D")

	if got := mustEnqueue(t, m, "A"); len(got) != 0 {
		t.Fatalf("A matched early: %+v", got)
	}
	got := mustEnqueue(t, m, "B")
	if len(got) != 1 || got[0].A != "A" || got[0].B != "B" {
		t.Fatalf("after B: %+v, want A<->B", got)
	}
	if got := mustEnqueue(t, m, "C"); len(got) != 0 {
		t.Fatalf("C matched early: %+v", got)
	}
	if !m.IsWaiting("C") {
		t.Fatalf("C should be waiting")
	}
	got = mustEnqueue(t, m, "D")
	if len(got) != 1 || got[0].A != "C" || got[0].B != "D" {
		t.Fatalf("after D: %+v, want C<->D", got)
	}
}

func TestEnqueue_DuplicateJoinOccupiesOneSlot(t *testing.T) {
	m := New(Options{})
	registerPeers(t, m, "A", "B")

	mustEnqueue(t, m, "A")
	if _, err := m.Enqueue("A", "second"); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if got := m.Waiting(); got != 1 {
		t.Fatalf("waiting=%d, want 1", got)
	}

	got := mustEnqueue(t, m, "B")
	if len(got) != 1 {
		t.Fatalf("matches=%d, want 1", len(got))
	}
	if got[0].TokenA != "tok-A" {
		t.Fatalf("TokenA=%q, want original token", got[0].TokenA)
	}
}

func TestEnqueue_RequiresLiveConnection(t *testing.T) {
	m := New(Options{})
	if _, err := m.Enqueue("ghost", ""); !errors.Is(err, ErrNotLive) {
		t.Fatalf("err=%v, want %v", err, ErrNotLive)
	}
	if got := m.Waiting(); got != 0 {
		t.Fatalf("waiting=%d, want 0", got)
	}
}

func TestDequeue(t *testing.T) {
	m := New(Options{})
	registerPeers(t, m, "A", "B", "C")

	mustEnqueue(t, m, "A")
	if !m.Dequeue("A") {
		t.Fatalf("Dequeue(A)=false, want true")
	}
	if m.Dequeue("A") {
		t.Fatalf("second Dequeue(A)=true, want false")
	}
	if m.Dequeue("B") {
		t.Fatalf("Dequeue of non-waiting B=true, want false")
	}

	if got := mustEnqueue(t, m, "B"); len(got) != 0 {
		t.Fatalf("B paired with departed A: %+v", got)
	}
	got := mustEnqueue(t, m, "C")
	if len(got) != 1 || got[0].A != "B" || got[0].B != "C" {
		t.Fatalf("matches=%+v, want B<->C", got)
	}
}

func TestUnregister_RemovesWaitingEntry(t *testing.T) {
	m := New(Options{})
	registerPeers(t, m, "A", "B", "C")

	mustEnqueue(t, m, "A")
	d := m.Unregister("A")
	if !d.WasLive || !d.WasWaiting {
		t.Fatalf("departure=%+v, want live and waiting", d)
	}
	if m.IsLive("A") {
		t.Fatalf("A still live")
	}

	mustEnqueue(t, m, "B")
	got := mustEnqueue(t, m, "C")
	if len(got) != 1 || got[0].A != "B" || got[0].B != "C" {
		t.Fatalf("matches=%+v, want B<->C", got)
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	m := New(Options{})
	registerPeers(t, m, "A", "B")
	mustEnqueue(t, m, "B")

	m.Unregister("A")
	d := m.Unregister("A")
	if d.WasLive || d.WasWaiting || d.Partner != nil {
		t.Fatalf("second unregister=%+v, want zero", d)
	}
	if got := m.Live(); got != 1 {
		t.Fatalf("live=%d, want 1", got)
	}
	if got := m.WaitingIDs(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("waiting=%v, want [B]", got)
	}
}

func TestRegister_Errors(t *testing.T) {
	m := New(Options{MaxConnections: 2})
	registerPeers(t, m, "A", "B")

	if err := m.Register(&fakePeer{id: "A"}); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("duplicate register err=%v, want %v", err, ErrAlreadyRegistered)
	}
	if err := m.Register(&fakePeer{id: "C"}); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("over-cap register err=%v, want %v", err, ErrTooManyConnections)
	}
	if err := m.Register(&fakePeer{id: ""}); !errors.Is(err, ErrInvalidConnectionID) {
		t.Fatalf("empty id err=%v, want %v", err, ErrInvalidConnectionID)
	}

	m.Unregister("A")
	if err := m.Register(&fakePeer{id: "C"}); err != nil {
		t.Fatalf("register after unregister: %v", err)
	}
}

func TestRoute_WithoutPairingTracking(t *testing.T) {
	m := New(Options{})
	registerPeers(t, m, "A", "B")

	p, err := m.Route("A", "B")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if p.ID() != "B" {
		t.Fatalf("routed to %q, want B", p.ID())
	}

	m.Unregister("B")
	if _, err := m.Route("A", "B"); !errors.Is(err, ErrNotLive) {
		t.Fatalf("err=%v, want %v", err, ErrNotLive)
	}
}

func TestPairingTracking(t *testing.T) {
	m := New(Options{TrackPairings: true})
	registerPeers(t, m, "A", "B", "C")

	mustEnqueue(t, m, "A")
	mustEnqueue(t, m, "B")

	if p, ok := m.Partner("A"); !ok || p != "B" {
		t.Fatalf("Partner(A)=%q,%v want B,true", p, ok)
	}
	if _, err := m.Route("A", "B"); err != nil {
		t.Fatalf("route to partner: %v", err)
	}
	if _, err := m.Route("C", "B"); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("route from stranger err=%v, want %v", err, ErrNotPaired)
	}

	d := m.Unregister("A")
	if d.Partner == nil || d.Partner.ID() != "B" {
		t.Fatalf("departure partner=%v, want B", d.Partner)
	}
	if _, ok := m.Partner("B"); ok {
		t.Fatalf("B still has a partner after A left")
	}
}

func TestPairingTracking_EndPairingAndRejoin(t *testing.T) {
	m := New(Options{TrackPairings: true})
	registerPeers(t, m, "A", "B", "C", "D")

	mustEnqueue(t, m, "A")
	mustEnqueue(t, m, "B")
	mustEnqueue(t, m, "C")
	mustEnqueue(t, m, "D")

	m.EndPairing("A", "D")
	if _, ok := m.Partner("A"); !ok {
		t.Fatalf("EndPairing with a non-partner must be a no-op")
	}
	m.EndPairing("A", "B")
	if _, ok := m.Partner("B"); ok {
		t.Fatalf("B still paired after end-call")
	}

	mustEnqueue(t, m, "C")
	if _, ok := m.Partner("D"); ok {
		t.Fatalf("D still paired after C rejoined the queue")
	}
}

func TestMatch_WaitDurations(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(Options{Now: func() time.Time { return now }})
	registerPeers(t, m, "A", "B")

	mustEnqueue(t, m, "A")
	now = now.Add(3 * time.Second)
	got := mustEnqueue(t, m, "B")
	if got[0].WaitA != 3*time.Second || got[0].WaitB != 0 {
		t.Fatalf("waits=%v/%v, want 3s/0s", got[0].WaitA, got[0].WaitB)
	}
}

func TestEnqueue_ConcurrentArrivalsNeverLoseAPair(t *testing.T) {
	const n = 201

	m := New(Options{})
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("c%03d", i)
	}
	registerPeers(t, m, ids...)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matches []Match
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			got, err := m.Enqueue(id, "")
			if err != nil {
				t.Errorf("enqueue %q: %v", id, err)
				return
			}
			mu.Lock()
			matches = append(matches, got...)
			mu.Unlock()
		}(id)
	}
	close(start)
	wg.Wait()

	if len(matches) != n/2 {
		t.Fatalf("matches=%d, want %d", len(matches), n/2)
	}
	if got := m.Waiting(); got != n%2 {
		t.Fatalf("waiting=%d, want %d", got, n%2)
	}
	seen := make(map[string]bool, n)
	for _, match := range matches {
		for _, id := range []string{match.A, match.B} {
			if seen[id] {
				t.Fatalf("%q matched twice", id)
			}
			seen[id] = true
		}
	}
}

func TestUnregister_ConcurrentWithArrivalsNeverMatchesDeparted(t *testing.T) {
	const rounds = 200

	for i := 0; i < rounds; i++ {
		m := New(Options{})
		registerPeers(t, m, "leaver", "x", "y")
		mustEnqueue(t, m, "leaver")

		var wg sync.WaitGroup
		var mu sync.Mutex
		var matches []Match
		wg.Add(3)
		go func() {
			defer wg.Done()
			m.Unregister("leaver")
		}()
		for _, id := range []string{"x", "y"} {
			go func(id string) {
				defer wg.Done()
				got, err := m.Enqueue(id, "")
				if err != nil {
					t.Errorf("enqueue %q: %v", id, err)
					return
				}
				mu.Lock()
				matches = append(matches, got...)
				mu.Unlock()
			}(id)
		}
		wg.Wait()

		// The leaver may have been matched before it left, but never after.
		if m.IsWaiting("leaver") {
			t.Fatalf("round %d: departed connection still waiting", i)
		}
		leaverMatched := false
		for _, match := range matches {
			if match.A == "leaver" || match.B == "leaver" {
				leaverMatched = true
			}
		}
		wantWaiting := 0
		if leaverMatched {
			wantWaiting = 1
		}
		if got := m.Waiting(); got != wantWaiting {
			t.Fatalf("round %d: waiting=%d, want %d (matches=%+v)", i, got, wantWaiting, matches)
		}
	}
}
