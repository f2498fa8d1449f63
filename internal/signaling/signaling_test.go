package signaling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"worldshard/internal/geom"
	"worldshard/internal/shardproto"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeShard is a minimal stand-in for WorldShard's socket side: it accepts
// register, acks it, and lets the test script further frames.
type fakeShard struct {
	mu    sync.Mutex
	conn  *websocket.Conn
	inbox chan shardproto.Envelope
}

func newFakeShardServer(t *testing.T) (*httptest.Server, *fakeShard) {
	t.Helper()
	fs := &fakeShard{inbox: make(chan shardproto.Envelope, 16)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		fs.mu.Lock()
		fs.conn = conn
		fs.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := shardproto.Decode(raw)
			if err != nil {
				continue
			}
			if env.Type == shardproto.TypeRegister {
				fs.send(shardproto.Registered(env.PlayerID))
			}
			fs.inbox <- env
		}
	}))
	return srv, fs
}

func (fs *fakeShard) send(env shardproto.Envelope) {
	raw, _ := shardproto.Encode(env)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.conn != nil {
		_ = fs.conn.WriteMessage(websocket.TextMessage, raw)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestConnectSendsRegisterAndDispatchesPeers(t *testing.T) {
	srv, fs := newFakeShardServer(t)
	defer srv.Close()

	c := New(Config{
		URL:          wsURL(srv.URL),
		PlayerID:     "p1",
		SessionToken: "tok",
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	select {
	case env := <-fs.inbox:
		if env.Type != shardproto.TypeRegister || env.PlayerID != "p1" || env.SessionToken != "tok" {
			t.Fatalf("unexpected register frame: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for register frame")
	}

	received := make(chan shardproto.Envelope, 1)
	dispose := c.OnPeers(func(env shardproto.Envelope) { received <- env })
	defer dispose()

	time.Sleep(50 * time.Millisecond) // let the registered ack land
	fs.send(shardproto.Envelope{Type: shardproto.TypePeers, Peers: []string{"p2"}, TotalPlayers: 2})

	select {
	case env := <-received:
		if len(env.Peers) != 1 || env.Peers[0] != "p2" {
			t.Fatalf("unexpected peers frame: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peers frame")
	}
}

func TestPositionStreamingAfterRegistration(t *testing.T) {
	srv, fs := newFakeShardServer(t)
	defer srv.Close()

	var calls int
	var mu sync.Mutex
	c := New(Config{
		URL:              wsURL(srv.URL),
		PlayerID:         "p1",
		SessionToken:     "tok",
		PositionInterval: 20 * time.Millisecond,
		GetPosition: func() geom.Vector {
			mu.Lock()
			calls++
			mu.Unlock()
			return geom.Vector{X: 1, Y: 2, Z: 3}
		},
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	// Drain the register frame.
	<-fs.inbox

	var sawPosition bool
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case env := <-fs.inbox:
			if env.Type == shardproto.TypePosition {
				sawPosition = true
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
		if sawPosition {
			break
		}
	}
	if !sawPosition {
		t.Fatal("expected at least one position frame after registration")
	}
}

func TestHeartbeatDefaultAndPositionIntervalFloor(t *testing.T) {
	cfg := Config{HeartbeatInterval: 0, PositionInterval: 1 * time.Millisecond}
	if got := cfg.heartbeatInterval(); got != 10*time.Second {
		t.Fatalf("expected default 10s heartbeat, got %v", got)
	}
	if got := cfg.positionInterval(); got != minPositionInterval {
		t.Fatalf("expected position interval floored to %v, got %v", minPositionInterval, got)
	}
}
