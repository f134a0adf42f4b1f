// Package ws is the realtime fan-out: authenticated per-player rooms and
// open spectator rooms over WebSocket. Each connection owns a buffered send
// queue drained by one writer goroutine, so a single socket observes
// broadcasts in exactly the order the coordinator emitted them.
package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chainassassin/server/internal/auth"
)

// takeoverCode is sent when a newer session for the same (game, address)
// supersedes this one.
const takeoverCode = 4001

const (
	sendQueueSize   = 64
	authReadTimeout = 15 * time.Second
	writeTimeout    = 10 * time.Second
)

// inboundFrame is the single client→server frame shape.
type inboundFrame struct {
	Type      string `json:"type"`
	GameID    uint64 `json:"gameId"`
	Address   string `json:"address"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// Hub routes messages to player and spectator rooms.
type Hub struct {
	log      *zap.Logger
	skew     time.Duration
	upgrader websocket.Upgrader

	// Authorize checks that addr is a registered player of the game and
	// builds the auth:success payload. Injected by the coordinator.
	Authorize func(gameID uint64, addr common.Address) (*AuthSuccess, error)
	// Snapshot builds the spectate:init payload. Injected by the coordinator.
	Snapshot func(gameID uint64) (*SpectateInit, error)

	mu         sync.Mutex
	players    map[uint64]map[common.Address]*client
	spectators map[uint64]map[string]*client
	closed     bool
}

type client struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	closeCh chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func NewHub(skew time.Duration, log *zap.Logger) *Hub {
	return &Hub{
		log:  log,
		skew: skew,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		players:    make(map[uint64]map[common.Address]*client),
		spectators: make(map[uint64]map[string]*client),
	}
}

// ServeHTTP upgrades the connection and waits for a single auth or spectate
// frame before joining a room.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		closeCh: make(chan struct{}),
	}
	go c.writeLoop()

	conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	var frame inboundFrame
	if err := conn.ReadJSON(&frame); err != nil {
		c.close(websocket.ClosePolicyViolation, "expected auth or spectate frame")
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch frame.Type {
	case "auth":
		h.handleAuth(c, frame)
	case "spectate":
		h.handleSpectate(c, frame)
	default:
		c.enqueueMsg(NewError("unknown frame type"))
		c.close(websocket.ClosePolicyViolation, "unknown frame type")
	}
}

func (h *Hub) handleAuth(c *client, frame inboundFrame) {
	gameID, _, err := auth.ParseSocketMessage(frame.Message, time.Now(), h.skew)
	if err != nil || gameID != frame.GameID {
		c.enqueueMsg(NewError("invalid auth message"))
		c.close(websocket.ClosePolicyViolation, "invalid auth message")
		return
	}
	recovered, err := auth.Recover(frame.Message, frame.Signature)
	if err != nil || !strings.EqualFold(recovered.Hex(), frame.Address) {
		c.enqueueMsg(NewError("signature mismatch"))
		c.close(websocket.ClosePolicyViolation, "signature mismatch")
		return
	}
	success, err := h.Authorize(gameID, recovered)
	if err != nil {
		c.enqueueMsg(NewError(err.Error()))
		c.close(websocket.ClosePolicyViolation, "not authorized")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close(websocket.CloseGoingAway, "shutting down")
		return
	}
	room, ok := h.players[gameID]
	if !ok {
		room = make(map[common.Address]*client)
		h.players[gameID] = room
	}
	prev := room[recovered]
	room[recovered] = c
	h.mu.Unlock()

	// One connection per (game, address): the newcomer wins.
	if prev != nil {
		prev.close(takeoverCode, "session superseded")
	}

	c.enqueueMsg(success)
	h.log.Info("player socket joined",
		zap.Uint64("game", gameID), zap.String("address", recovered.Hex()))

	h.readUntilClosed(c, func() {
		h.mu.Lock()
		if cur, ok := h.players[gameID][recovered]; ok && cur == c {
			delete(h.players[gameID], recovered)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) handleSpectate(c *client, frame inboundFrame) {
	snapshot, err := h.Snapshot(frame.GameID)
	if err != nil {
		c.enqueueMsg(NewError(err.Error()))
		c.close(websocket.ClosePolicyViolation, "unknown game")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close(websocket.CloseGoingAway, "shutting down")
		return
	}
	room, ok := h.spectators[frame.GameID]
	if !ok {
		room = make(map[string]*client)
		h.spectators[frame.GameID] = room
	}
	room[c.id] = c
	h.mu.Unlock()

	c.enqueueMsg(snapshot)

	h.readUntilClosed(c, func() {
		h.mu.Lock()
		delete(h.spectators[frame.GameID], c.id)
		h.mu.Unlock()
	})
}

// readUntilClosed drains inbound frames (clients only speak during the
// handshake) and runs cleanup when the socket dies.
func (h *Hub) readUntilClosed(c *client, cleanup func()) {
	defer cleanup()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// Broadcast sends to the game's player room and spectator room.
func (h *Hub) Broadcast(gameID uint64, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.players[gameID])+len(h.spectators[gameID]))
	for _, c := range h.players[gameID] {
		targets = append(targets, c)
	}
	for _, c := range h.spectators[gameID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// SendToPlayer sends to a single player's socket, if connected.
func (h *Hub) SendToPlayer(gameID uint64, addr common.Address, msg Message) {
	h.mu.Lock()
	c := h.players[gameID][addr]
	h.mu.Unlock()
	if c == nil {
		return
	}
	c.enqueueMsg(msg)
}

// SendToSpectators sends only to the spectator room (positions frames).
func (h *Hub) SendToSpectators(gameID uint64, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal spectator frame", zap.Error(err))
		return
	}
	h.mu.Lock()
	targets := make([]*client, 0, len(h.spectators[gameID]))
	for _, c := range h.spectators[gameID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, room := range h.players {
		for _, c := range room {
			all = append(all, c)
		}
	}
	for _, room := range h.spectators {
		for _, c := range room {
			all = append(all, c)
		}
	}
	h.players = make(map[uint64]map[common.Address]*client)
	h.spectators = make(map[uint64]map[string]*client)
	h.mu.Unlock()

	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (c *client) enqueueMsg(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// enqueue is non-blocking: a client that cannot keep up is disconnected
// rather than allowed to stall the coordinator.
func (c *client) enqueue(data []byte) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- data:
	default:
		c.close(websocket.CloseGoingAway, "send queue overflow")
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (c *client) close(code int, reason string) {
	c.once.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.conn.Close()
		close(c.closeCh)
	})
}
