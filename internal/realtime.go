package internal

import (
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// realtime event names. both sides depend on these exact strings.
const (
	eventJoinRoom    = "join_room"
	eventLeaveRoom   = "leave_room"
	eventSendMessage = "send_message"
	eventMessageNew  = "message:new"
	eventHistory     = "history"
	eventAck         = "ack"
)

// frame is the JSON envelope every realtime message travels in. AckID links
// a send_message emission to the ack frame the server answers it with.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ackId,omitempty"`
}

type sendMessagePayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

// ChannelHandlers is one subscriber's view of the shared connection. any nil
// handler is skipped. handlers run on the manager's goroutines; bridge them
// onto your own event loop before touching loop-owned state.
type ChannelHandlers struct {
	OnConnect      func()
	OnDisconnect   func(reason string)
	OnConnectError func(err error)
	OnMessage      func(MessageDTO)
	OnHistory      func(History)
}

const reconnectDelay = 2 * time.Second

// ChannelManager owns the single realtime connection for the whole process.
// it is constructed once at startup and passed to whatever needs realtime
// access; rooms only own their subscription, never the connection.
//
// connect is lazy and idempotent: supplying the same (or a new) token while
// connected changes nothing, because credential rotation requires an explicit
// Disconnect followed by Connect. once connecting, the manager retries
// forever with a fixed delay until Disconnect is called.
type ChannelManager struct {
	mu          sync.Mutex
	socketURL   string
	dialer      *websocket.Dialer
	token       string
	conn        *websocket.Conn
	connected   bool
	running     bool
	closed      bool
	epoch       int
	subscribers map[int]*ChannelHandlers
	nextSub     int
	acks        map[uint64]func(SendAck)
	nextAck     uint64

	writeMu sync.Mutex
}

func NewChannelManager(socketURL string) *ChannelManager {
	return &ChannelManager{
		socketURL:   socketURL,
		dialer:      websocket.DefaultDialer,
		subscribers: make(map[int]*ChannelHandlers),
		acks:        make(map[uint64]func(SendAck)),
	}
}

// Subscribe registers a handler set and returns its unsubscribe func.
func (m *ChannelManager) Subscribe(handlers *ChannelHandlers) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = handlers
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Connected reports whether a live connection currently exists.
func (m *ChannelManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connect parameterizes the connection with the given credential and starts
// connecting if nothing is live yet. if already connected the existing
// connection is reused unchanged.
func (m *ChannelManager) Connect(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.closed = false
	if m.connected || m.running {
		return
	}
	m.running = true
	go m.run(m.epoch)
}

// Disconnect removes all subscribers, stops reconnecting, and tears down the
// connection. a later Connect starts from a clean slate.
func (m *ChannelManager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connected = false
	m.running = false
	m.closed = true
	m.epoch++
	m.subscribers = make(map[int]*ChannelHandlers)
	m.acks = make(map[uint64]func(SendAck))
	m.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
}

// JoinRoom asks the server to scope pushes for the given room key to this
// connection.
func (m *ChannelManager) JoinRoom(key string) {
	data, _ := json.Marshal(key)
	m.writeFrame(frame{Event: eventJoinRoom, Data: data})
}

// LeaveRoom undoes a JoinRoom.
func (m *ChannelManager) LeaveRoom(key string) {
	data, _ := json.Marshal(key)
	m.writeFrame(frame{Event: eventLeaveRoom, Data: data})
}

// SendMessage emits a message for a room. when ack is non-nil it fires once
// if and when the server acknowledges; pending acks are dropped on
// disconnect, which leaves the optimistic message pending on purpose.
func (m *ChannelManager) SendMessage(room, content string, ack func(SendAck)) {
	data, _ := json.Marshal(sendMessagePayload{Room: room, Message: content})
	out := frame{Event: eventSendMessage, Data: data}
	if ack != nil {
		m.mu.Lock()
		m.nextAck++
		out.AckID = m.nextAck
		m.acks[out.AckID] = ack
		m.mu.Unlock()
	}
	m.writeFrame(out)
}

func (m *ChannelManager) writeFrame(f frame) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	encoded, err := json.Marshal(f)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	// a write failure is not reported here; the read pump observes the dead
	// connection and delivers the disconnect event.
	_ = conn.WriteMessage(websocket.TextMessage, encoded)
	m.writeMu.Unlock()
}

func (m *ChannelManager) run(epoch int) {
	for {
		if m.stale(epoch) {
			return
		}
		m.mu.Lock()
		token := m.token
		m.mu.Unlock()

		target, err := buildSocketURL(m.socketURL, token)
		if err != nil {
			m.fanout(func(h *ChannelHandlers) {
				if h.OnConnectError != nil {
					h.OnConnectError(err)
				}
			})
			return
		}
		conn, _, err := m.dialer.Dial(target, nil)
		if err != nil {
			m.fanout(func(h *ChannelHandlers) {
				if h.OnConnectError != nil {
					h.OnConnectError(err)
				}
			})
			if !m.pause(epoch) {
				return
			}
			continue
		}

		m.mu.Lock()
		if m.closed || epoch != m.epoch {
			m.mu.Unlock()
			_ = conn.Close()
			return
		}
		m.conn = conn
		m.connected = true
		m.mu.Unlock()

		m.fanout(func(h *ChannelHandlers) {
			if h.OnConnect != nil {
				h.OnConnect()
			}
		})

		reason := m.readPump(conn)

		m.mu.Lock()
		m.conn = nil
		m.connected = false
		m.acks = make(map[uint64]func(SendAck))
		stale := m.closed || epoch != m.epoch
		m.mu.Unlock()
		if stale {
			return
		}

		m.fanout(func(h *ChannelHandlers) {
			if h.OnDisconnect != nil {
				h.OnDisconnect(reason)
			}
		})
		if !m.pause(epoch) {
			return
		}
	}
}

// readPump consumes frames until the connection dies and returns the reason.
func (m *ChannelManager) readPump(conn *websocket.Conn) string {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err.Error()
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var incoming frame
		if err := json.Unmarshal(payload, &incoming); err != nil {
			continue
		}
		switch incoming.Event {
		case eventMessageNew:
			var dto MessageDTO
			if err := json.Unmarshal(incoming.Data, &dto); err != nil {
				continue
			}
			m.fanout(func(h *ChannelHandlers) {
				if h.OnMessage != nil {
					h.OnMessage(dto)
				}
			})
		case eventHistory:
			var page History
			if err := json.Unmarshal(incoming.Data, &page); err != nil {
				continue
			}
			m.fanout(func(h *ChannelHandlers) {
				if h.OnHistory != nil {
					h.OnHistory(page)
				}
			})
		case eventAck:
			m.mu.Lock()
			callback := m.acks[incoming.AckID]
			delete(m.acks, incoming.AckID)
			m.mu.Unlock()
			if callback == nil {
				continue
			}
			var ack SendAck
			if len(incoming.Data) > 0 {
				_ = json.Unmarshal(incoming.Data, &ack)
			}
			callback(ack)
		}
	}
}

func (m *ChannelManager) fanout(fire func(*ChannelHandlers)) {
	m.mu.Lock()
	handlers := make([]*ChannelHandlers, 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.mu.Unlock()
	for _, h := range handlers {
		fire(h)
	}
}

func (m *ChannelManager) stale(epoch int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed || epoch != m.epoch
}

func (m *ChannelManager) pause(epoch int) bool {
	time.Sleep(reconnectDelay)
	return !m.stale(epoch)
}

func buildSocketURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", errors.New("invalid scheme for websocket: " + parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
