package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/bus"
)

// catchupLimit is the maximum number of events returned in one catchup
// response. If more events were missed, a catchup.overflow message tells the
// client to do a full REST reload from /api/v1/events instead.
const catchupLimit = 200

// ClientMessage is one inbound WebSocket frame. Pattern uses the bus glob
// syntax ("task.*", "*"). LastSeq carries the last bus sequence the client
// has seen; on subscribe it triggers replay of everything after it.
type ClientMessage struct {
	Action  string `json:"action"`
	Pattern string `json:"pattern,omitempty"`
	LastSeq *int64 `json:"last_seq,omitempty"`
}

// streamEvent is one outbound event frame.
type streamEvent struct {
	Type string `json:"type"`
	bus.Event
}

// streamManager tracks WebSocket connections and their bus subscriptions.
type streamManager struct {
	bus          *bus.Bus
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*streamConn
}

// streamConn is a single WebSocket client.
//
// subs is accessed without a lock: all mutation happens on the goroutine
// that owns the connection (handleConnection's read loop and its deferred
// cleanup). Bus handlers only write frames, guarded by writeMu.
type streamConn struct {
	id     string
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	subs    map[string]func()
}

func newStreamManager(b *bus.Bus, writeTimeout time.Duration) *streamManager {
	return &streamManager{
		bus:          b,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*streamConn),
	}
}

// handleConnection manages the lifecycle of one WebSocket connection.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes.
func (m *streamManager) handleConnection(parentCtx context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &streamConn{
		id:     uuid.NewString(),
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]func()),
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

func (m *streamManager) handleClientMessage(c *streamConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Pattern == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Pattern)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"pattern": msg.Pattern,
		})
		// Replay requested history after the live subscription is active,
		// so nothing published in between is lost. The client may see the
		// same event twice around the boundary; it dedupes by seq.
		if msg.LastSeq != nil {
			m.catchup(c, msg.Pattern, *msg.LastSeq)
		}

	case "unsubscribe":
		if msg.Pattern == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Pattern)

	case "catchup":
		if msg.Pattern == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "pattern is required for catchup"})
			return
		}
		var since int64
		if msg.LastSeq != nil {
			since = *msg.LastSeq
		}
		m.catchup(c, msg.Pattern, since)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})

	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action: " + msg.Action})
	}
}

// subscribe registers a live bus subscription for the pattern. Subscribing
// to an already-subscribed pattern is a no-op.
func (m *streamManager) subscribe(c *streamConn, pattern string) {
	if _, ok := c.subs[pattern]; ok {
		return
	}
	c.subs[pattern] = m.bus.Subscribe(pattern, func(ev bus.Event) {
		m.sendJSON(c, &streamEvent{Type: "event", Event: ev})
	})
}

func (m *streamManager) unsubscribe(c *streamConn, pattern string) {
	if unsub, ok := c.subs[pattern]; ok {
		unsub()
		delete(c.subs, pattern)
	}
}

// catchup replays ring-buffer history after the given sequence.
func (m *streamManager) catchup(c *streamConn, pattern string, since int64) {
	events := m.bus.HistorySince(pattern, since, catchupLimit+1)

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, ev := range events {
		m.sendJSON(c, &streamEvent{Type: "event", Event: ev})
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"pattern":  pattern,
			"has_more": true,
		})
	}
}

// ActiveConnections returns the count of open WebSocket connections.
func (m *streamManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// closeAll terminates every connection; their read loops exit and run the
// usual unregister cleanup.
func (m *streamManager) closeAll() {
	m.mu.RLock()
	conns := make([]*streamConn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (m *streamManager) register(c *streamConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[c.id] = c
}

func (m *streamManager) unregister(c *streamConn) {
	for pattern, unsub := range c.subs {
		unsub()
		delete(c.subs, pattern)
	}

	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

// sendJSON marshals and writes one frame with the write timeout applied.
func (m *streamManager) sendJSON(c *streamConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.id, "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.id, "error", err)
	}
}
