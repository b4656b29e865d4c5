package internal

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxMsgSize      = 8192
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsClient is one authenticated realtime connection: the socket, a buffered
// send queue, and the set of room keys it has joined.
type wsClient struct {
	conn         *websocket.Conn
	send         chan []byte
	userID       string
	joined       map[string]bool
	joinedMu     sync.Mutex
	messageTimes []time.Time
	closeOnce    sync.Once
}

func newWSClient(conn *websocket.Conn, userID string) *wsClient {
	return &wsClient{
		conn:         conn,
		send:         make(chan []byte, 256),
		userID:       userID,
		joined:       make(map[string]bool),
		messageTimes: make([]time.Time, 0, rateLimitBurst),
	}
}

func (client *wsClient) closeSend() {
	client.closeOnce.Do(func() { close(client.send) })
}

func (client *wsClient) markJoined(key string) {
	client.joinedMu.Lock()
	defer client.joinedMu.Unlock()
	client.joined[key] = true
}

func (client *wsClient) markLeft(key string) {
	client.joinedMu.Lock()
	defer client.joinedMu.Unlock()
	delete(client.joined, key)
}

func (client *wsClient) hasJoined(key string) bool {
	client.joinedMu.Lock()
	defer client.joinedMu.Unlock()
	return client.joined[key]
}

// ServeWS authenticates the token query parameter, upgrades the connection,
// and starts the read/write pumps. Frames are the same JSON envelope the
// client's channel manager speaks.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token query param", http.StatusUnauthorized)
		return
	}
	userID, err := s.tokens.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade error: %v", err)
		return
	}

	client := newWSClient(conn, userID)
	s.presence.Increment(userID)
	s.metrics.IncConn()

	go client.writePump()
	go s.readPump(client)
}

func (s *Server) readPump(client *wsClient) {
	defer func() {
		s.hub.RemoveClient(client)
		_ = client.conn.Close()
		s.presence.Decrement(client.userID)
		s.metrics.DecConn()
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error ends the loop so the deferred cleanup can fire.
			break
		}
		var incoming frame
		if err := json.Unmarshal(payload, &incoming); err != nil {
			continue
		}
		switch incoming.Event {
		case eventJoinRoom:
			s.handleJoin(client, incoming)
		case eventLeaveRoom:
			s.handleLeave(client, incoming)
		case eventSendMessage:
			s.handleSend(client, incoming)
		}
	}
}

// handleJoin subscribes the client to a room key after an authorization
// check, then pushes a history frame so a reconnecting client resyncs
// without a REST round trip.
func (s *Server) handleJoin(client *wsClient, incoming frame) {
	var key string
	if err := json.Unmarshal(incoming.Data, &key); err != nil || key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if strings.HasPrefix(key, "user:") {
		// A private key can only be claimed by its owner.
		if key != UserRoomKey(client.userID) {
			return
		}
		s.hub.Join(key, client)
		client.markJoined(key)
		return
	}

	member, err := s.store.IsRoomMember(ctx, key, client.userID)
	if err != nil || !member {
		return
	}
	s.hub.Join(key, client)
	client.markJoined(key)

	records, err := s.store.ListRecentMessages(ctx, key, HistoryPageSize)
	if err != nil {
		return
	}
	items := make([]MessageDTO, 0, len(records))
	for _, rec := range records {
		items = append(items, recordToDTO(rec))
	}
	data, err := json.Marshal(History{Items: items})
	if err != nil {
		return
	}
	client.enqueueFrame(frame{Event: eventHistory, Data: data})
}

func (s *Server) handleLeave(client *wsClient, incoming frame) {
	var key string
	if err := json.Unmarshal(incoming.Data, &key); err != nil || key == "" {
		return
	}
	s.hub.Leave(key, client)
	client.markLeft(key)
}

// handleSend persists the message, acknowledges it to the sender, and
// broadcasts it to the room.
func (s *Server) handleSend(client *wsClient, incoming frame) {
	var payload sendMessagePayload
	if err := json.Unmarshal(incoming.Data, &payload); err != nil {
		return
	}
	content := strings.TrimSpace(payload.Message)
	if payload.Room == "" || content == "" {
		return
	}
	if !client.hasJoined(payload.Room) {
		return
	}
	now := time.Now()
	if !client.allowMessage(now) {
		client.notifyRateLimit()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messageID := uuid.NewString()
	if err := s.store.InsertMessage(ctx, messageID, payload.Room, client.userID, content, now); err != nil {
		log.Printf("insert message: %v", err)
		return
	}
	sender, err := s.store.GetUserByID(ctx, client.userID)
	if err != nil || sender == nil {
		return
	}

	if incoming.AckID != 0 {
		ackData, _ := json.Marshal(SendAck{ID: messageID, CreatedAt: FormatWireTime(now)})
		client.enqueueFrame(frame{Event: eventAck, Data: ackData, AckID: incoming.AckID})
	}

	dto := MessageDTO{
		ID:        messageID,
		RoomID:    payload.Room,
		SenderID:  client.userID,
		Content:   content,
		CreatedAt: FormatWireTime(now),
		Sender: Sender{
			ID:          sender.ID,
			DisplayName: sender.DisplayName,
			AvatarURL:   sender.AvatarURL,
		},
	}
	pushData, _ := json.Marshal(dto)
	pushFrame, _ := json.Marshal(frame{Event: eventMessageNew, Data: pushData})
	s.hub.Broadcast(payload.Room, pushFrame)
	s.metrics.IncMessage()
}

func (client *wsClient) enqueueFrame(f frame) {
	encoded, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case client.send <- encoded:
	default:
	}
}

func (client *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (client *wsClient) allowMessage(now time.Time) bool {
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= rateLimitBurst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}

func (client *wsClient) notifyRateLimit() {
	dto := MessageDTO{
		ID:        uuid.NewString(),
		Content:   "You're sending messages too quickly. Please wait a moment and try again.",
		CreatedAt: FormatWireTime(time.Now()),
		Sender:    Sender{DisplayName: "system"},
	}
	data, err := json.Marshal(dto)
	if err != nil {
		return
	}
	client.enqueueFrame(frame{Event: eventMessageNew, Data: data})
}
