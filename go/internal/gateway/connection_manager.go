package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/events"
	"github.com/mcdev12/publicgoods/go/internal/registry"
	"github.com/mcdev12/publicgoods/go/internal/room"
)

// Error codes sent in error events.
const (
	CodeInvalidMessage = "invalid_message"
	CodeNotJoined      = "not_joined"
	CodeAlreadyJoined  = "already_joined"
	CodeJoinFailed     = "join_failed"
)

// ErrNoDispatcher is returned when a connection arrives before the registry is wired.
var ErrNoDispatcher = errors.New("connection manager has no dispatcher")

// Dispatcher is the registry surface the gateway routes commands to.
type Dispatcher interface {
	Join(ctx context.Context, req room.JoinRequest) (registry.JoinResult, error)
	Dispatch(ctx context.Context, roomID, playerID uuid.UUID, cmd events.Command) error
}

type seatKey struct {
	roomID   uuid.UUID
	playerID uuid.UUID
}

// ConnectionManager owns every websocket connection and delivers room events
// to the connection bound to each seat. It implements room.Notifier.
type ConnectionManager struct {
	// Connection pools organized by room ID
	roomConnections map[uuid.UUID]map[*Connection]bool
	seats           map[seatKey]*Connection
	unbound         map[*Connection]bool
	mu              sync.RWMutex

	upgrader   websocket.Upgrader
	config     ConnectionConfig
	dispatcher Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
}

// Connection represents a WebSocket connection to a participant
type Connection struct {
	ID         string
	Conn       *websocket.Conn
	Send       chan []byte
	Manager    *ConnectionManager
	UserAgent  string
	RemoteAddr string

	ConnectedAt time.Time

	mu       sync.Mutex
	roomID   uuid.UUID
	playerID uuid.UUID
	bound    bool
	lastPong atomic.Int64 // unix nanos
	closing  sync.Once
	done     chan struct{}
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager. SetDispatcher must be
// called before connections are accepted.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		roomConnections: make(map[uuid.UUID]map[*Connection]bool),
		seats:           make(map[seatKey]*Connection),
		unbound:         make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// SetDispatcher wires the registry in. The registry needs the manager as its
// notifier, so the two are connected after construction.
func (cm *ConnectionManager) SetDispatcher(d Dispatcher) {
	cm.dispatcher = d
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request) error {
	if cm.dispatcher == nil {
		return ErrNoDispatcher
	}
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	now := time.Now()
	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		UserAgent:   r.UserAgent(),
		RemoteAddr:  clientAddr(r),
		ConnectedAt: now,
		done:        make(chan struct{}),
	}
	connection.lastPong.Store(now.UnixNano())

	cm.mu.Lock()
	cm.unbound[connection] = true
	cm.mu.Unlock()

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", connection.RemoteAddr).
		Msg("WebSocket connection established")
	return nil
}

// bind attaches c to a seat. Called by the room with its lock held, so it
// only touches the manager's own state.
func (cm *ConnectionManager) bind(c *Connection, roomID, playerID uuid.UUID) {
	c.mu.Lock()
	c.roomID = roomID
	c.playerID = playerID
	c.bound = true
	c.mu.Unlock()

	cm.mu.Lock()
	defer cm.mu.Unlock()

	delete(cm.unbound, c)
	key := seatKey{roomID: roomID, playerID: playerID}
	if old, ok := cm.seats[key]; ok && old != c {
		cm.removeLocked(old)
		go old.close()
	}
	cm.seats[key] = c
	if cm.roomConnections[roomID] == nil {
		cm.roomConnections[roomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[roomID][c] = true

	log.Debug().
		Str("connection_id", c.ID).
		Str("room_id", roomID.String()).
		Str("player_id", playerID.String()).
		Int("room_connections", len(cm.roomConnections[roomID])).
		Msg("connection bound to seat")
}

// unregisterConnection removes a connection from the manager and reports
// whether it was still registered.
func (cm *ConnectionManager) unregisterConnection(c *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.removeLocked(c)
}

func (cm *ConnectionManager) removeLocked(c *Connection) bool {
	if cm.unbound[c] {
		delete(cm.unbound, c)
		return true
	}
	roomID, playerID, ok := c.seat()
	if !ok {
		return false
	}
	connections, exists := cm.roomConnections[roomID]
	if !exists || !connections[c] {
		return false
	}
	delete(connections, c)
	if len(connections) == 0 {
		delete(cm.roomConnections, roomID)
	}
	key := seatKey{roomID: roomID, playerID: playerID}
	if cm.seats[key] == c {
		delete(cm.seats, key)
	}
	log.Info().
		Str("connection_id", c.ID).
		Str("room_id", roomID.String()).
		Str("player_id", playerID.String()).
		Msg("connection unregistered")
	return true
}

// Notify queues an event for the connection bound to the seat. It never
// blocks; a connection whose buffer is full is closed.
func (cm *ConnectionManager) Notify(roomID, playerID uuid.UUID, env events.Envelope) {
	cm.mu.RLock()
	c, ok := cm.seats[seatKey{roomID: roomID, playerID: playerID}]
	cm.mu.RUnlock()
	if !ok {
		log.Debug().
			Str("room_id", roomID.String()).
			Str("player_id", playerID.String()).
			Str("event_type", string(env.Type)).
			Msg("no connection for seat, dropping event")
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event_type", string(env.Type)).Msg("failed to marshal event")
		return
	}
	c.enqueue(data)
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		Unbound:         len(cm.unbound),
		RoomConnections: make(map[string]int, len(cm.roomConnections)),
	}
	var oldest int64
	track := func(c *Connection) {
		if ns := c.lastPong.Load(); oldest == 0 || ns < oldest {
			oldest = ns
		}
	}
	for roomID, connections := range cm.roomConnections {
		stats.RoomConnections[roomID.String()] = len(connections)
		stats.TotalConnections += len(connections)
		for c := range connections {
			track(c)
		}
	}
	for c := range cm.unbound {
		track(c)
	}
	stats.TotalConnections += stats.Unbound
	stats.ActiveRooms = len(cm.roomConnections)
	if oldest != 0 {
		stats.OldestPongAt = time.Unix(0, oldest).UTC()
	}
	return stats
}

// ConnectionStats is the JSON body of the stats endpoint.
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	Unbound          int            `json:"unbound"`
	RoomConnections  map[string]int `json:"room_connections"`

	// OldestPongAt is the least recent pong (or connect time) across open
	// connections.
	OldestPongAt time.Time `json:"oldest_pong_at,omitempty"`
}

// Shutdown closes every connection without reporting disconnects to rooms.
func (cm *ConnectionManager) Shutdown() {
	cm.cancel()

	cm.mu.Lock()
	var all []*Connection
	for c := range cm.unbound {
		all = append(all, c)
	}
	for _, connections := range cm.roomConnections {
		for c := range connections {
			all = append(all, c)
		}
	}
	cm.unbound = make(map[*Connection]bool)
	cm.roomConnections = make(map[uuid.UUID]map[*Connection]bool)
	cm.seats = make(map[seatKey]*Connection)
	cm.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	log.Info().Int("connections", len(all)).Msg("connection manager shut down")
}

func (c *Connection) seat() (roomID, playerID uuid.UUID, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.playerID, c.bound
}

func (c *Connection) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Msg("connection send buffer full, closing connection")
		go c.close()
	}
}

func (c *Connection) close() {
	c.closing.Do(func() {
		close(c.done)
		_ = c.Conn.Close()
	})
}

// sendError reports a gateway-level failure to the client.
func (c *Connection) sendError(code, message string) {
	roomID, _, _ := c.seat()
	env, err := events.NewEnvelope(roomID, events.EventError, time.Now(), events.ErrorPayload{Code: code, Message: message})
	if err != nil {
		log.Error().Err(err).Msg("failed to build error event")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal error event")
		return
	}
	c.enqueue(data)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return

		case <-c.Manager.ctx.Done():
			_ = c.Conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(c.Manager.config.WriteTimeout))
			return

		case message := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump reads client frames until the socket closes, then reports the
// disconnect to the player's room.
func (c *Connection) readPump() {
	ctx := c.Manager.ctx
	defer func() {
		c.close()
		if !c.Manager.unregisterConnection(c) {
			return
		}
		roomID, playerID, ok := c.seat()
		if !ok || ctx.Err() != nil {
			return
		}
		if err := c.Manager.dispatcher.Dispatch(ctx, roomID, playerID, events.Disconnect{}); err != nil && !room.IsIgnorable(err) {
			log.Warn().
				Err(err).
				Str("room_id", roomID.String()).
				Str("player_id", playerID.String()).
				Msg("failed to report disconnect")
		}
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			return
		}

		c.handleClientMessage(ctx, message)
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage decodes a frame and routes it to the registry
func (c *Connection) handleClientMessage(ctx context.Context, message []byte) {
	cmd, err := events.DecodeCommand(message)
	if err != nil {
		log.Debug().Err(err).Str("connection_id", c.ID).Msg("rejected client message")
		c.sendError(CodeInvalidMessage, err.Error())
		return
	}

	if join, ok := cmd.(events.Join); ok {
		c.join(ctx, join)
		return
	}

	roomID, playerID, ok := c.seat()
	if !ok {
		c.sendError(CodeNotJoined, "join before sending "+string(cmd.Type()))
		return
	}

	err = c.Manager.dispatcher.Dispatch(ctx, roomID, playerID, cmd)
	switch {
	case err == nil:
	case room.IsIgnorable(err):
		log.Debug().
			Err(err).
			Str("room_id", roomID.String()).
			Str("player_id", playerID.String()).
			Str("command", string(cmd.Type())).
			Msg("ignored command")
	case room.IsRejection(err):
		log.Debug().
			Err(err).
			Str("player_id", playerID.String()).
			Str("command", string(cmd.Type())).
			Msg("command rejected")
	case errors.Is(err, registry.ErrRoomNotFound), errors.Is(err, room.ErrUnknownPlayer):
		log.Warn().
			Err(err).
			Str("room_id", roomID.String()).
			Str("player_id", playerID.String()).
			Msg("command for missing seat dropped")
	default:
		log.Error().
			Err(err).
			Str("room_id", roomID.String()).
			Str("player_id", playerID.String()).
			Str("command", string(cmd.Type())).
			Msg("command failed")
	}
}

func (c *Connection) join(ctx context.Context, join events.Join) {
	if _, _, ok := c.seat(); ok {
		c.sendError(CodeAlreadyJoined, "connection is already bound to a seat")
		return
	}

	res, err := c.Manager.dispatcher.Join(ctx, room.JoinRequest{
		Identity:    join.Identity,
		DisplayName: join.DisplayName,
		UserAgent:   c.UserAgent,
		RemoteAddr:  c.RemoteAddr,
		Attach: func(roomID, playerID uuid.UUID) {
			c.Manager.bind(c, roomID, playerID)
		},
	})
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Msg("join failed")
		c.sendError(CodeJoinFailed, err.Error())
		return
	}

	log.Info().
		Str("connection_id", c.ID).
		Str("room_id", res.RoomID.String()).
		Str("player_id", res.PlayerID.String()).
		Bool("reconnected", res.Reconnected).
		Msg("connection joined")
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
