// Package arbiter implements the client-side proximity arbiter: the
// companion decision layer that turns a shard's peers diffs plus local-pose
// updates into connect/disconnect events for the media layer, with
// hysteresis around the audibility radius and a hard cap on simultaneous
// links.
//
// The arbiter never opens sockets or negotiates media. Like the shard actor
// it runs a single-owner mailbox goroutine, so callers may invoke its
// methods from any goroutine without external locking.
package arbiter

import (
	"sort"
	"time"

	"worldshard/internal/geom"
	"worldshard/internal/shardproto"
)

// Config configures one Arbiter instance.
type Config struct {
	// ConnectRadius is the distance at or below which a new peer may be
	// admitted.
	ConnectRadius float64
	// DisconnectRadiusMultiplier; a connected peer is dropped once its
	// distance exceeds ConnectRadius * DisconnectRadiusMultiplier.
	DisconnectRadiusMultiplier float64
	// MaxPeers hard-caps the number of simultaneously connected peers.
	MaxPeers int
	// EvaluationDebounce is the minimum gap between evaluation passes.
	EvaluationDebounce time.Duration
}

// DefaultConfig returns the recommended default tuning.
func DefaultConfig() Config {
	return Config{
		ConnectRadius:              30,
		DisconnectRadiusMultiplier: 1.5,
		MaxPeers:                   8,
		EvaluationDebounce:         250 * time.Millisecond,
	}
}

func (c Config) outRadius() float64 { return c.ConnectRadius * c.DisconnectRadiusMultiplier }

// staleAfter bounds how long an unreferenced peer's state is retained.
const staleAfter = 60 * time.Second

// peerState is the arbiter's per-candidate bookkeeping.
type peerState struct {
	distance            float64
	lastUpdated         time.Time
	hasExplicitDistance bool
	hasPosition         bool
	position            geom.Vector
	candidate           bool
}

// Arbiter owns the candidate set, per-peer distance/position state, and the
// set of currently connected peers, and emits Connect/Disconnect events.
//
// All public methods run on a single mailbox goroutine (the same shape as
// WorldShard's command channel), so they are safe to call concurrently.
type Arbiter struct {
	cfg Config

	cmds chan func()
	done chan struct{}

	localPosition    geom.Vector
	hasLocalPosition bool

	peers     map[string]*peerState
	connected map[string]struct{}

	onConnect    func(peerID string)
	onDisconnect func(peerID string)

	evalArmed bool
}

// New creates an Arbiter with cfg (zero-value fields are NOT defaulted;
// pass DefaultConfig() and override as needed).
func New(cfg Config) *Arbiter {
	a := &Arbiter{
		cfg:       cfg,
		cmds:      make(chan func(), 256),
		done:      make(chan struct{}),
		peers:     make(map[string]*peerState),
		connected: make(map[string]struct{}),
	}
	go a.run()
	return a
}

func (a *Arbiter) run() {
	for {
		select {
		case fn := <-a.cmds:
			fn()
		case <-a.done:
			return
		}
	}
}

func (a *Arbiter) post(fn func()) {
	done := make(chan struct{})
	select {
	case a.cmds <- func() { fn(); close(done) }:
		<-done
	case <-a.done:
	}
}

// Close stops the arbiter's mailbox goroutine. An already-armed debounce
// timer is not cancelled.
func (a *Arbiter) Close() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

// OnConnect registers the callback fired when a peer is admitted. Only one
// callback is retained; call before driving any input.
func (a *Arbiter) OnConnect(fn func(peerID string)) {
	a.post(func() { a.onConnect = fn })
}

// OnDisconnect registers the callback fired when a peer is dropped.
func (a *Arbiter) OnDisconnect(fn func(peerID string)) {
	a.post(func() { a.onDisconnect = fn })
}

// Connected reports the current set of connected peer ids.
func (a *Arbiter) Connected() []string {
	var out []string
	a.post(func() {
		for id := range a.connected {
			out = append(out, id)
		}
	})
	sort.Strings(out)
	return out
}

func (a *Arbiter) peer(id string) *peerState {
	p, ok := a.peers[id]
	if !ok {
		p = &peerState{}
		a.peers[id] = p
	}
	return p
}

// UpdateLocalPosition recomputes every candidate's distance from its stored
// position (marking it non-explicit) and schedules an evaluation pass. A
// peer with no stored position keeps its explicit distance if it has one.
func (a *Arbiter) UpdateLocalPosition(v geom.Vector) {
	a.post(func() {
		a.localPosition = v
		a.hasLocalPosition = true
		now := time.Now()
		for _, p := range a.peers {
			if p.hasPosition {
				p.distance = a.localPosition.Distance(p.position)
				p.hasExplicitDistance = false
			} else if !p.hasExplicitDistance {
				p.distance = inf
			} else {
				continue
			}
			p.lastUpdated = now
		}
		a.scheduleEval()
	})
}

// UpdatePeerPosition stores (or, if v is nil, clears) a peer's last-known
// position and re-derives its distance from the local position when known.
func (a *Arbiter) UpdatePeerPosition(id string, v *geom.Vector) {
	a.post(func() {
		p := a.peer(id)
		p.hasExplicitDistance = false
		if v == nil {
			p.hasPosition = false
			p.distance = inf
		} else {
			p.hasPosition = true
			p.position = *v
			if a.hasLocalPosition {
				p.distance = a.localPosition.Distance(p.position)
			} else {
				p.distance = inf
			}
		}
		p.lastUpdated = time.Now()
		a.scheduleEval()
	})
}

// UpdatePeerDistance records an explicit, server-reported distance for a
// peer (d == nil means the distance is unknown / infinite).
func (a *Arbiter) UpdatePeerDistance(id string, d *float64) {
	a.post(func() {
		p := a.peer(id)
		p.hasExplicitDistance = true
		if d == nil {
			p.distance = inf
		} else {
			p.distance = *d
		}
		p.lastUpdated = time.Now()
		a.scheduleEval()
	})
}

// ApplyPeerDiff folds a shard peers frame into the candidate set: an
// absolute peers list replaces the candidate set, while added/removed
// deltas are applied incrementally. Distances carried on the frame are
// folded in as explicit distances; positions are stored (and used to derive
// a distance) only for peers that have no explicit distance.
func (a *Arbiter) ApplyPeerDiff(env shardproto.Envelope) {
	a.post(func() {
		now := time.Now()
		if len(env.Added) > 0 || len(env.Removed) > 0 {
			for _, id := range env.Added {
				a.peer(id).candidate = true
			}
			for _, id := range env.Removed {
				if p, ok := a.peers[id]; ok {
					p.candidate = false
				}
			}
		} else if env.Peers != nil {
			next := make(map[string]struct{}, len(env.Peers))
			for _, id := range env.Peers {
				next[id] = struct{}{}
				a.peer(id).candidate = true
			}
			for id, p := range a.peers {
				if _, ok := next[id]; !ok {
					p.candidate = false
				}
			}
		}
		for id, d := range env.Distances {
			p := a.peer(id)
			p.hasExplicitDistance = true
			p.distance = d
			p.lastUpdated = now
		}
		for id, v := range env.Positions {
			p := a.peer(id)
			if !p.hasExplicitDistance {
				p.hasPosition = true
				p.position = v
				if a.hasLocalPosition {
					p.distance = a.localPosition.Distance(v)
				}
			}
			p.lastUpdated = now
		}
		a.scheduleEval()
	})
}

// RemovePeer unconditionally forgets a peer, emitting Disconnect if it was
// connected, and schedules an evaluation pass so a freed slot is refilled.
func (a *Arbiter) RemovePeer(id string) {
	a.post(func() {
		delete(a.peers, id)
		if _, ok := a.connected[id]; ok {
			delete(a.connected, id)
			a.fireDisconnect(id)
		}
		a.scheduleEval()
	})
}

const inf = 1e18 // a stand-in for "distance unknown"; larger than any real radius

func (a *Arbiter) scheduleEval() {
	if a.evalArmed {
		return
	}
	a.evalArmed = true
	time.AfterFunc(a.cfg.EvaluationDebounce, func() {
		a.post(func() {
			a.evalArmed = false
			a.evaluate()
		})
	})
}

// evaluate runs one evaluation pass. See package doc / SPEC for the
// algorithm: drop out-of-range or un-candidate peers first (freeing slots),
// then admit the closest remaining candidates within ConnectRadius up to
// the free slot count.
func (a *Arbiter) evaluate() {
	outRadius := a.cfg.outRadius()

	var dropped []string
	for id := range a.connected {
		p, ok := a.peers[id]
		if !ok || !p.candidate || p.distance > outRadius {
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	justDropped := make(map[string]struct{}, len(dropped))
	for _, id := range dropped {
		delete(a.connected, id)
		justDropped[id] = struct{}{}
		a.fireDisconnect(id)
	}

	freeSlots := a.cfg.MaxPeers - len(a.connected)
	if freeSlots > 0 {
		type cand struct {
			id string
			d  float64
		}
		var candidates []cand
		for id, p := range a.peers {
			if !p.candidate {
				continue
			}
			if _, ok := a.connected[id]; ok {
				continue
			}
			if _, ok := justDropped[id]; ok {
				continue
			}
			if p.distance > a.cfg.ConnectRadius {
				continue
			}
			candidates = append(candidates, cand{id: id, d: p.distance})
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].d != candidates[j].d {
				return candidates[i].d < candidates[j].d
			}
			return candidates[i].id < candidates[j].id
		})
		for i := 0; i < len(candidates) && i < freeSlots; i++ {
			id := candidates[i].id
			a.connected[id] = struct{}{}
			a.fireConnect(id)
		}
	}

	a.pruneStale()
}

func (a *Arbiter) pruneStale() {
	now := time.Now()
	for id, p := range a.peers {
		if p.candidate {
			continue
		}
		if _, ok := a.connected[id]; ok {
			continue
		}
		if now.Sub(p.lastUpdated) > staleAfter {
			delete(a.peers, id)
		}
	}
}

func (a *Arbiter) fireConnect(id string) {
	if a.onConnect != nil {
		a.onConnect(id)
	}
}

func (a *Arbiter) fireDisconnect(id string) {
	if a.onDisconnect != nil {
		a.onDisconnect(id)
	}
}
