package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"devsuite/internal/logging"
	"devsuite/internal/models"
	"devsuite/internal/redis"
)

const (
	roomChannelPrefix = "chat:room:"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
	readLimit  = 16 * 1024
)

// Event is the frame pushed to websocket clients.
type Event struct {
	Type    string              `json:"type"`
	Message *models.ChatMessage `json:"message,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type inbound struct {
	Content string `json:"content"`
}

type client struct {
	userID int64
	roomID string
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub relays room messages to connected websocket clients. With redis
// configured, messages fan out through pub/sub so every instance delivers
// them to its own clients.
type Hub struct {
	store *Store
	rdb   *redis.Client

	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	remote atomic.Bool
}

func NewHub(store *Store, rdb *redis.Client) *Hub {
	return &Hub{
		store: store,
		rdb:   rdb,
		rooms: make(map[string]map[*client]struct{}),
	}
}

// Start subscribes to the room channels when redis is available. Delivery
// stays local if the subscription fails.
func (h *Hub) Start(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	log := logging.FromContext(ctx)
	ps, err := h.rdb.PSubscribe(ctx, roomChannelPrefix+"*")
	if err != nil {
		log.Warn().Err(err).Msg("chat pubsub unavailable, relaying locally")
		return
	}
	h.remote.Store(true)
	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					h.remote.Store(false)
					return
				}
				roomID := strings.TrimPrefix(msg.Channel, roomChannelPrefix)
				h.broadcastLocal(roomID, []byte(msg.Payload))
			}
		}
	}()
	log.Info().Msg("chat pubsub subscribed")
}

// Publish delivers msg to every client in its room.
func (h *Hub) Publish(ctx context.Context, msg *models.ChatMessage) error {
	payload, err := json.Marshal(Event{Type: "message", Message: msg})
	if err != nil {
		return err
	}
	if h.remote.Load() {
		err := h.rdb.Publish(ctx, roomChannelPrefix+msg.RoomID, payload)
		if err == nil {
			return nil
		}
		logging.FromContext(ctx).Warn().Err(err).Msg("chat publish failed, delivering locally")
	}
	h.broadcastLocal(msg.RoomID, payload)
	return nil
}

// Clients reports how many connections are open in roomID.
func (h *Hub) Clients(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.rooms[c.roomID]
	if set == nil {
		set = make(map[*client]struct{})
		h.rooms[c.roomID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if set := h.rooms[c.roomID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, c.roomID)
		}
	}
	h.mu.Unlock()
	c.close()
}

func (h *Hub) broadcastLocal(roomID string, payload []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.rooms[roomID] {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	// a client that cannot keep up is disconnected
	for _, c := range slow {
		h.unregister(c)
	}
}

// Serve runs one websocket connection for a member of roomID until either
// side closes it.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, userID int64, roomID string) {
	log := logging.FromContext(ctx).With().Str("room_id", roomID).Logger()
	c := &client{userID: userID, roomID: roomID, send: make(chan []byte, sendBuffer)}
	h.register(c)
	log.Debug().Int("clients", h.Clients(roomID)).Msg("chat client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writePump(conn, c)
	}()

	h.readPump(ctx, conn, c)
	h.unregister(c)
	<-done
	conn.Close()
	log.Debug().Msg("chat client disconnected")
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, c *client) {
	log := logging.FromContext(ctx)
	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("chat read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			h.sendError(c, "invalid message payload")
			continue
		}

		msg, err := h.store.PostMessage(ctx, c.userID, c.roomID, in.Content)
		if err != nil {
			h.sendError(c, err.Error())
			if errors.Is(err, ErrNotMember) || errors.Is(err, ErrRoomNotFound) {
				return
			}
			continue
		}
		if err := h.Publish(ctx, msg); err != nil {
			log.Error().Err(err).Msg("chat publish")
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				// unblock the reader
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// sendError queues an error frame for c unless it was already dropped.
func (h *Hub) sendError(c *client, text string) {
	payload, err := json.Marshal(Event{Type: "error", Error: text})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.rooms[c.roomID][c]; !ok {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}
