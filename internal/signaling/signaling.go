// Package signaling implements the client side of the shard channel: it
// opens the long-lived WebSocket connection to a WorldShard, performs the
// register handshake, drives the heartbeat and position-update cadences,
// and dispatches typed server frames to subscribers.
//
// The heartbeat loop is a plain ticker with no reply timeout; readLoop dispatches
// decoded frames over a subscriber table guarded by a mutex over a handler
// map.
package signaling

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"worldshard/internal/geom"
	"worldshard/internal/shardproto"
)

// PeerManager is the subset of the proximity arbiter's API the signaling
// client drives directly; *arbiter.Arbiter satisfies it.
type PeerManager interface {
	UpdateLocalPosition(geom.Vector)
}

// Config configures one Client.
type Config struct {
	URL          string
	PlayerID     string
	SessionToken string

	// GetPosition is polled on the position cadence; nil disables position
	// streaming entirely.
	GetPosition func() geom.Vector

	// HeartbeatInterval defaults to 10s.
	HeartbeatInterval time.Duration
	// PositionInterval defaults to 150ms and is floored at 100ms, matching
	// the server's own per-connection rate limit.
	PositionInterval time.Duration

	// PeerManager, if set, receives local position updates as they are sent.
	PeerManager PeerManager
	// OnSend, if set, is invoked with every position sent (for metrics/UI).
	OnSend func(geom.Vector)

	Dialer *websocket.Dialer
}

const minPositionInterval = 100 * time.Millisecond

func (c Config) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 10 * time.Second
	}
	return c.HeartbeatInterval
}

func (c Config) positionInterval() time.Duration {
	iv := c.PositionInterval
	if iv <= 0 {
		iv = 150 * time.Millisecond
	}
	if iv < minPositionInterval {
		iv = minPositionInterval
	}
	return iv
}

// handlerSet is a disposable subscriber table for one frame type.
type handlerSet[T any] struct {
	mu       sync.RWMutex
	handlers map[int]func(T)
	next     int
}

func newHandlerSet[T any]() *handlerSet[T] {
	return &handlerSet[T]{handlers: make(map[int]func(T))}
}

func (h *handlerSet[T]) add(fn func(T)) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.handlers[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

func (h *handlerSet[T]) fire(v T) {
	h.mu.RLock()
	fns := make([]func(T), 0, len(h.handlers))
	for _, fn := range h.handlers {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// Client is the signaling-channel client for one player session.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex

	registered chan struct{}
	onceReg    sync.Once

	onPeers      *handlerSet[shardproto.Envelope]
	onSignal     *handlerSet[shardproto.Envelope]
	onSignalFail *handlerSet[shardproto.Envelope]
	onError      *handlerSet[shardproto.Envelope]

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Client. Call Connect to open the channel.
func New(cfg Config) *Client {
	return &Client{
		cfg:          cfg,
		registered:   make(chan struct{}),
		onPeers:      newHandlerSet[shardproto.Envelope](),
		onSignal:     newHandlerSet[shardproto.Envelope](),
		onSignalFail: newHandlerSet[shardproto.Envelope](),
		onError:      newHandlerSet[shardproto.Envelope](),
	}
}

// OnPeers subscribes to peers frames; the returned disposer removes it.
func (c *Client) OnPeers(fn func(shardproto.Envelope)) func() { return c.onPeers.add(fn) }

// OnSignal subscribes to relayed signal frames.
func (c *Client) OnSignal(fn func(shardproto.Envelope)) func() { return c.onSignal.add(fn) }

// OnSignalDeliveryFailed subscribes to signal-delivery-failed frames.
func (c *Client) OnSignalDeliveryFailed(fn func(shardproto.Envelope)) func() {
	return c.onSignalFail.add(fn)
}

// OnError subscribes to error frames.
func (c *Client) OnError(fn func(shardproto.Envelope)) func() { return c.onError.add(fn) }

// Connect dials the shard channel, sends register, and starts the
// heartbeat/position cadences. It blocks until either the socket opens (or
// fails to) — registration itself is asynchronous and observed via the
// registered acknowledgment frame.
func (c *Client) Connect(ctx context.Context) error {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}
	c.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	if err := c.send(shardproto.Envelope{
		Type:         shardproto.TypeRegister,
		PlayerID:     c.cfg.PlayerID,
		SessionToken: c.cfg.SessionToken,
	}); err != nil {
		cancel()
		_ = conn.Close()
		return fmt.Errorf("signaling: register: %w", err)
	}

	go c.readLoop()
	go c.heartbeatLoop(runCtx)
	if c.cfg.GetPosition != nil {
		go c.positionLoop(runCtx)
	}
	return nil
}

// SendSignal forwards an opaque payload to targetID via the shard.
func (c *Client) SendSignal(targetID string, payload []byte) error {
	return c.send(shardproto.Envelope{Type: shardproto.TypeSignal, TargetID: targetID, Payload: payload})
}

// Close tears down the channel and stops all timers.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) send(env shardproto.Envelope) error {
	raw, err := shardproto.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// readLoop dispatches every inbound frame to its subscriber set: decode,
// then fan out under the handler lock held only long enough to snapshot
// the callback list.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := shardproto.Decode(raw)
		if err != nil {
			log.Printf("[signaling] invalid frame: %v", err)
			continue
		}
		switch env.Type {
		case shardproto.TypeRegistered:
			c.onceReg.Do(func() { close(c.registered) })
		case shardproto.TypePeers:
			c.onPeers.fire(env)
		case shardproto.TypeSignalOut:
			c.onSignal.fire(env)
		case shardproto.TypeSignalDeliveryFailed:
			c.onSignalFail.fire(env)
		case shardproto.TypeError:
			c.onError.fire(env)
		}
	}
}

func (c *Client) isRegistered() bool {
	select {
	case <-c.registered:
		return true
	default:
		return false
	}
}

// heartbeatLoop emits a heartbeat frame on a fixed cadence while the
// channel is open, mirroring pingLoop's ticker shape (without the
// RTT/pong-timeout bookkeeping, which belongs to the media transport, not
// this control channel).
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(shardproto.Envelope{Type: shardproto.TypeHeartbeat}); err != nil {
				log.Printf("[signaling] heartbeat: %v", err)
			}
		}
	}
}

// positionLoop polls GetPosition on the configured cadence and streams
// position frames while registered. Suppressed until registration
// completes.
func (c *Client) positionLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.positionInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.isRegistered() {
				continue
			}
			pos := c.cfg.GetPosition()
			if err := c.send(shardproto.Envelope{Type: shardproto.TypePosition, Position: &pos}); err != nil {
				log.Printf("[signaling] position: %v", err)
				continue
			}
			if c.cfg.PeerManager != nil {
				c.cfg.PeerManager.UpdateLocalPosition(pos)
			}
			if c.cfg.OnSend != nil {
				c.cfg.OnSend(pos)
			}
		}
	}
}
