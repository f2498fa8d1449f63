package arbiter

import (
	"sort"
	"sync"
	"testing"
	"time"

	"worldshard/internal/shardproto"
)

// recorder captures Connect/Disconnect events in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) connect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "connect:"+id)
}

func (r *recorder) disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "disconnect:"+id)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func newTestArbiter(cfg Config) (*Arbiter, *recorder) {
	a := New(cfg)
	r := &recorder{}
	a.OnConnect(r.connect)
	a.OnDisconnect(r.disconnect)
	return a, r
}

func dist(d float64) *float64 { return &d }

// waitFor polls until cond returns true or the deadline elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestHysteresisScenario(t *testing.T) {
	// connectRadius=30, mult=1.5, maxPeers=2: a peer that enters the
	// connect band then drifts past the disconnect band shouldn't
	// reconnect until it re-enters the connect band, and a capped-out
	// slot frees up for the next-closest candidate as soon as it opens.
	cfg := Config{ConnectRadius: 30, DisconnectRadiusMultiplier: 1.5, MaxPeers: 2, EvaluationDebounce: 20 * time.Millisecond}
	a, r := newTestArbiter(cfg)
	defer a.Close()

	a.UpdatePeerDistance("p1", dist(10))
	a.UpdatePeerDistance("p2", dist(20))
	a.UpdatePeerDistance("p3", dist(25))
	a.ApplyPeerDiff(shardproto.Envelope{Peers: []string{"p1", "p2", "p3"}})

	waitFor(t, time.Second, func() bool { return len(r.snapshot()) >= 2 })
	if got := r.snapshot(); len(got) != 2 || got[0] != "connect:p1" || got[1] != "connect:p2" {
		t.Fatalf("expected connect p1 then p2, got %v", got)
	}
	if conns := a.Connected(); len(conns) != 2 {
		t.Fatalf("expected 2 connected, got %v", conns)
	}

	// p2 -> 60: exceeds 30*1.5=45, disconnects; p3 (25, still a candidate)
	// fills the freed slot in the same pass.
	a.UpdatePeerDistance("p2", dist(60))
	waitFor(t, time.Second, func() bool { return len(r.snapshot()) >= 4 })
	got := r.snapshot()
	if got[2] != "disconnect:p2" || got[3] != "connect:p3" {
		t.Fatalf("expected disconnect p2 then connect p3, got %v", got)
	}

	// p3 -> 42: within the disconnect band (<=45), stays connected, no event.
	a.UpdatePeerDistance("p3", dist(42))
	time.Sleep(80 * time.Millisecond)
	if got := r.snapshot(); len(got) != 4 {
		t.Fatalf("expected no new events at distance 42, got %v", got)
	}

	// p3 -> 55: now exceeds the disconnect band, drops.
	a.UpdatePeerDistance("p3", dist(55))
	waitFor(t, time.Second, func() bool { return len(r.snapshot()) >= 5 })
	if got := r.snapshot(); got[4] != "disconnect:p3" {
		t.Fatalf("expected disconnect p3, got %v", got)
	}

	// p3 -> 42 again: below the out-radius but was dropped and never
	// re-entered <=30, so it must NOT reconnect merely by returning to <=45.
	a.UpdatePeerDistance("p3", dist(42))
	time.Sleep(80 * time.Millisecond)
	if got := r.snapshot(); len(got) != 5 {
		t.Fatalf("expected no reconnect at 42 without re-entering connectRadius, got %v", got)
	}
}

func TestArbiterCapNeverExceeded(t *testing.T) {
	cfg := Config{ConnectRadius: 50, DisconnectRadiusMultiplier: 2, MaxPeers: 3, EvaluationDebounce: 10 * time.Millisecond}
	a, r := newTestArbiter(cfg)
	defer a.Close()

	ids := []string{"a", "b", "c", "d", "e", "f"}
	for i, id := range ids {
		a.UpdatePeerDistance(id, dist(float64(i+1)))
	}
	a.ApplyPeerDiff(shardproto.Envelope{Peers: ids})

	waitFor(t, time.Second, func() bool { return len(a.Connected()) == 3 })
	if conns := a.Connected(); len(conns) > cfg.MaxPeers {
		t.Fatalf("cap exceeded: %v", conns)
	}
	_ = r
}

func TestArbiterSlotFillOnRemoval(t *testing.T) {
	cfg := Config{ConnectRadius: 100, DisconnectRadiusMultiplier: 2, MaxPeers: 1, EvaluationDebounce: 10 * time.Millisecond}
	a, _ := newTestArbiter(cfg)
	defer a.Close()

	a.UpdatePeerDistance("near", dist(5))
	a.UpdatePeerDistance("far", dist(10))
	a.ApplyPeerDiff(shardproto.Envelope{Peers: []string{"near", "far"}})
	waitFor(t, time.Second, func() bool { return equalSlice(a.Connected(), []string{"near"}) })

	a.RemovePeer("near")
	waitFor(t, time.Second, func() bool { return equalSlice(a.Connected(), []string{"far"}) })
}

func equalSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
