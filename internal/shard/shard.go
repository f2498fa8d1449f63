// Package shard implements the core of the system: WorldShard, the
// per-cell actor that owns pending sessions, live player connections,
// per-observer peer views, and the debounced proximity recomputation that
// drives them, plus typed signal relay between co-resident players.
//
// A single logical owner serializes every mutation. Rather than guarding a
// struct with a mutex, WorldShard runs as a mailbox goroutine reading a
// command channel, because timers here (the proximity debounce, the
// heartbeat sweep) must serialize with socket reads without ever holding a
// lock across a blocking channel send.
package shard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"worldshard/internal/geom"
	"worldshard/internal/shardproto"
)

const (
	// PendingSessionTTL bounds how long a prepared (playerId, sessionToken)
	// pair remains redeemable by a register frame.
	PendingSessionTTL = 60 * time.Second

	// HeartbeatTimeout is the liveness window: a connection silent for
	// longer than this is forcibly disconnected.
	HeartbeatTimeout = 30 * time.Second

	// ProximityRadiusMeters is the audibility radius used by the server's
	// own peer-view computation (distinct from the client arbiter's
	// hysteresis band).
	ProximityRadiusMeters = 45.0

	// DistanceChangeEpsilon is the minimum distance delta, for a peer
	// already present in both the previous and next peer view, that counts
	// as a change worth re-emitting.
	DistanceChangeEpsilon = 0.5

	// PositionUpdateMinInterval rate-limits accepted position frames per
	// connection; frames inside the window still refresh liveness.
	PositionUpdateMinInterval = 100 * time.Millisecond

	// ProximityDebounce is the coalescing window for proximity recalculation.
	ProximityDebounce = 50 * time.Millisecond

	sendBuffer = 32
)

// pendingSession is a one-time capability minted by an admission handler
// and redeemed by exactly one register frame within PendingSessionTTL.
type pendingSession struct {
	playerID     string
	sessionToken string
	createdAt    time.Time
}

// connection is one socket, anonymous until it successfully registers.
type connection struct {
	id             string
	playerID       string // empty until registered
	sessionToken   string
	socket         *websocket.Conn
	send           chan shardproto.Envelope
	lastSeen       time.Time
	lastPositionAt time.Time
	position       geom.Vector
	hasPosition    bool
	closeOnce      sync.Once
	done           chan struct{}
}

func (c *connection) enqueue(env shardproto.Envelope) {
	select {
	case c.send <- env:
	default:
		// Slow consumer: drop rather than block the shard mailbox. The
		// writer goroutine already drains asynchronously, so a full buffer
		// means a truly stuck socket.
	}
}

func (c *connection) closeSocket() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.socket != nil {
			_ = c.socket.Close()
		}
	})
}

// closeWithCode sends a close control frame (best-effort) and tears down
// the socket. Safe to call on a connection with no socket (tests).
func (c *connection) closeWithCode(code int, reason string) {
	if c.socket != nil {
		_ = c.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
	}
	c.closeSocket()
}

// peerView is the last peer set and distances sent to one observer.
type peerView struct {
	peers     map[string]struct{}
	distances map[string]float64
}

// WorldShard is the per-cell presence and signaling actor.
type WorldShard struct {
	id     geom.CellID
	logger *slog.Logger

	cmds chan func()
	done chan struct{}

	pendingByToken  map[string]*pendingSession
	pendingByPlayer map[string]*pendingSession

	anon        map[string]*connection // connectionId -> socket, pre-register
	connections map[string]*connection // playerId -> socket, registered
	peerViews   map[string]peerView    // observer playerId -> last sent view

	recalcArmed bool
	sweepTimer  *time.Timer
}

// New creates a WorldShard for the given cell and starts its mailbox
// goroutine. Callers must call Close when the shard is no longer needed
// (in practice, shards live for the process lifetime — see Registry).
func New(id geom.CellID, logger *slog.Logger) *WorldShard {
	if logger == nil {
		logger = slog.Default()
	}
	s := &WorldShard{
		id:              id,
		logger:          logger.With("cell", string(id)),
		cmds:            make(chan func(), 256),
		done:            make(chan struct{}),
		pendingByToken:  make(map[string]*pendingSession),
		pendingByPlayer: make(map[string]*pendingSession),
		anon:            make(map[string]*connection),
		connections:     make(map[string]*connection),
		peerViews:       make(map[string]peerView),
	}
	go s.run()
	s.scheduleSweep()
	return s
}

func (s *WorldShard) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// post runs fn on the shard's mailbox goroutine and blocks until it has
// run, unless the shard has already been closed.
func (s *WorldShard) post(fn func()) {
	done := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); close(done) }:
		<-done
	case <-s.done:
	}
}

// Close stops the shard's mailbox goroutine. Sockets are not explicitly
// closed here; callers are expected to have already torn down
// connections via normal disconnect handling.
func (s *WorldShard) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Prepare registers a one-time (playerId, sessionToken) admission
// capability, evicting any prior pending session for the same player and
// pruning expired ones. It never touches connection state.
func (s *WorldShard) Prepare(playerID, sessionToken string) error {
	if playerID == "" || sessionToken == "" {
		return fmt.Errorf("shard: playerId and sessionToken are required")
	}
	s.post(func() {
		s.pruneExpiredPendingLocked(time.Now())
		if prior, ok := s.pendingByPlayer[playerID]; ok {
			delete(s.pendingByToken, prior.sessionToken)
		}
		ps := &pendingSession{playerID: playerID, sessionToken: sessionToken, createdAt: time.Now()}
		s.pendingByPlayer[playerID] = ps
		s.pendingByToken[sessionToken] = ps
	})
	return nil
}

func (s *WorldShard) pruneExpiredPendingLocked(now time.Time) {
	for tok, ps := range s.pendingByToken {
		if now.Sub(ps.createdAt) > PendingSessionTTL {
			delete(s.pendingByToken, tok)
			if cur, ok := s.pendingByPlayer[ps.playerID]; ok && cur == ps {
				delete(s.pendingByPlayer, ps.playerID)
			}
		}
	}
}

// Accept takes ownership of a freshly upgraded socket: it spawns a writer
// goroutine and a reader loop, and waits (as an anonymous connection)
// for a register frame.
func (s *WorldShard) Accept(sock *websocket.Conn) {
	c := &connection{
		id:       uuid.NewString(),
		socket:   sock,
		send:     make(chan shardproto.Envelope, sendBuffer),
		lastSeen: time.Now(),
		done:     make(chan struct{}),
	}
	s.post(func() {
		s.anon[c.id] = c
	})
	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *WorldShard) writeLoop(c *connection) {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			raw, err := shardproto.Encode(env)
			if err != nil {
				continue
			}
			if err := c.socket.WriteMessage(websocket.TextMessage, raw); err != nil {
				s.handleDisconnect(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *WorldShard) readLoop(c *connection) {
	defer s.handleDisconnect(c)
	for {
		_, raw, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		env, err := shardproto.Decode(raw)
		if err != nil {
			c.enqueue(shardproto.ErrorFrame(err.Error()))
			continue
		}
		s.post(func() { s.dispatch(c, env) })
	}
}

func (s *WorldShard) dispatch(c *connection, env shardproto.Envelope) {
	switch env.Type {
	case shardproto.TypeRegister:
		s.handleRegister(c, env)
	case shardproto.TypeHeartbeat:
		s.handleHeartbeat(c)
	case shardproto.TypePosition:
		s.handlePosition(c, env)
	case shardproto.TypeSignal:
		s.handleSignal(c, env)
	}
}

func (s *WorldShard) handleRegister(c *connection, env shardproto.Envelope) {
	ps, ok := s.pendingByToken[env.SessionToken]
	if !ok || ps.playerID != env.PlayerID || time.Since(ps.createdAt) > PendingSessionTTL {
		c.enqueue(shardproto.ErrorFrame("invalid session token"))
		go c.closeWithCode(4001, "invalid session token")
		return
	}
	delete(s.pendingByToken, ps.sessionToken)
	delete(s.pendingByPlayer, ps.playerID)
	delete(s.anon, c.id)

	if prior, exists := s.connections[env.PlayerID]; exists && prior != c {
		s.logger.Info("register displaces prior connection", "playerId", env.PlayerID)
		go prior.closeWithCode(1001, "superseded")
		delete(s.peerViews, prior.playerID)
	}

	c.playerID = env.PlayerID
	c.sessionToken = env.SessionToken
	c.lastSeen = time.Now()
	s.connections[c.playerID] = c

	c.enqueue(shardproto.Registered(c.playerID))
	s.scheduleRecalc()
}

func (s *WorldShard) handleHeartbeat(c *connection) {
	if c.playerID == "" {
		return
	}
	c.lastSeen = time.Now()
}

func (s *WorldShard) handlePosition(c *connection, env shardproto.Envelope) {
	if c.playerID == "" {
		return
	}
	now := time.Now()
	c.lastSeen = now
	if !c.hasPosition || now.Sub(c.lastPositionAt) >= PositionUpdateMinInterval {
		c.position = *env.Position
		c.hasPosition = true
		c.lastPositionAt = now
		s.scheduleRecalc()
	}
}

func (s *WorldShard) handleSignal(c *connection, env shardproto.Envelope) {
	if c.playerID == "" {
		return
	}
	target, ok := s.connections[env.TargetID]
	if !ok {
		c.enqueue(shardproto.SignalDeliveryFailed(env.TargetID))
		return
	}
	var payload json.RawMessage = env.Payload
	target.enqueue(shardproto.SignalRelay(c.playerID, payload))
}

func (s *WorldShard) handleDisconnect(c *connection) {
	s.post(func() {
		delete(s.anon, c.id)
		if c.playerID != "" {
			if cur, ok := s.connections[c.playerID]; ok && cur == c {
				delete(s.connections, c.playerID)
				delete(s.peerViews, c.playerID)
				s.scheduleRecalc()
			}
		}
	})
	c.closeSocket()
}

// scheduleRecalc arms a debounced one-shot proximity recomputation if one
// is not already pending.
func (s *WorldShard) scheduleRecalc() {
	if s.recalcArmed {
		return
	}
	s.recalcArmed = true
	time.AfterFunc(ProximityDebounce, func() {
		s.post(func() {
			s.recalcArmed = false
			s.recomputeProximity()
		})
	})
}

func (s *WorldShard) scheduleSweep() {
	s.sweepTimer = time.AfterFunc(HeartbeatTimeout, func() {
		s.post(s.sweepDeadConnections)
		select {
		case <-s.done:
		default:
			s.scheduleSweep()
		}
	})
}

func (s *WorldShard) sweepDeadConnections() {
	now := time.Now()
	for _, c := range s.connections {
		if now.Sub(c.lastSeen) > HeartbeatTimeout {
			s.logger.Info("heartbeat timeout", "playerId", c.playerID)
			delete(s.connections, c.playerID)
			delete(s.peerViews, c.playerID)
			s.scheduleRecalc()
			go c.closeWithCode(1001, "heartbeat timeout")
		}
	}
}

// recomputeProximity runs one recomputation pass over every registered,
// positioned player and emits a peers diff to each observer whose view
// changed.
func (s *WorldShard) recomputeProximity() {
	type posPlayer struct {
		id  string
		pos geom.Vector
	}
	var positioned []posPlayer
	for id, c := range s.connections {
		if c.hasPosition {
			positioned = append(positioned, posPlayer{id: id, pos: c.position})
		}
	}
	total := len(s.connections)

	for _, observer := range positioned {
		next := peerView{peers: make(map[string]struct{}), distances: make(map[string]float64)}
		positions := make(map[string]geom.Vector)
		for _, other := range positioned {
			if other.id == observer.id {
				continue
			}
			d := observer.pos.Distance(other.pos)
			if d <= ProximityRadiusMeters {
				next.peers[other.id] = struct{}{}
				next.distances[other.id] = d
				positions[other.id] = other.pos
			}
		}

		prev, hadPrev := s.peerViews[observer.id]
		added, removed, changed := diffPeerViews(prev, next, hadPrev)
		if len(added) == 0 && len(removed) == 0 && !changed {
			// Suppressed: prev is left in place as the comparison baseline,
			// so small per-pass drift under DISTANCE_CHANGE_EPSILON still
			// accumulates against the last value actually sent rather than
			// resetting every debounce tick.
			continue
		}

		peers := make([]string, 0, len(next.peers))
		for id := range next.peers {
			peers = append(peers, id)
		}
		sort.Strings(peers)

		env := shardproto.Envelope{
			Type:         shardproto.TypePeers,
			Peers:        peers,
			Distances:    next.distances,
			Positions:    positions,
			TotalPlayers: total,
		}
		if len(added) > 0 {
			sort.Strings(added)
			env.Added = added
		}
		if len(removed) > 0 {
			sort.Strings(removed)
			env.Removed = removed
		}

		if c, ok := s.connections[observer.id]; ok {
			c.enqueue(env)
		}
		s.peerViews[observer.id] = next
	}
}

func diffPeerViews(prev peerView, next peerView, hadPrev bool) (added, removed []string, distanceChanged bool) {
	if !hadPrev {
		for id := range next.peers {
			added = append(added, id)
		}
		return added, nil, false
	}
	for id := range next.peers {
		if _, ok := prev.peers[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev.peers {
		if _, ok := next.peers[id]; !ok {
			removed = append(removed, id)
		}
	}
	for id, d := range next.distances {
		if pd, ok := prev.distances[id]; ok {
			delta := d - pd
			if delta < 0 {
				delta = -delta
			}
			if delta > DistanceChangeEpsilon {
				distanceChanged = true
			}
		}
	}
	return added, removed, distanceChanged
}

// Stats reports the live connection count, used by health/metrics
// endpoints.
func (s *WorldShard) Stats() (connections int) {
	s.post(func() {
		connections = len(s.connections)
	})
	return connections
}

// ID returns the cell this shard owns.
func (s *WorldShard) ID() geom.CellID { return s.id }
