package internal

import (
	"errors"
	"strings"
	"time"
)

// the connection state of an open room view. exactly one state holds at a time.
type SessionStatus int

const (
	StatusIdle SessionStatus = iota
	StatusConnecting
	StatusOnline
	StatusError
)

func (s SessionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

const (
	// the fixed bound on a history fetch.
	HistoryPageSize = 50
	// clears the loading indicator even when the fetch is still outstanding.
	// it does not cancel the fetch itself.
	HistoryLoadTimeout = 8 * time.Second

	missingRoomError   = "Missing chat id"
	defaultHistoryFail = "Failed to load"
)

// UserRoomKey derives the private realtime room key for a user, or "" when
// the user id is unknown.
func UserRoomKey(userID string) string {
	if userID == "" {
		return ""
	}
	return "user:" + userID
}

// a history loader starts an asynchronous fetch of a room's recent messages.
// the result comes back to the session through ApplyHistory or
// ApplyHistoryError, delivered by whoever owns the event loop.
type HistoryLoader interface {
	LoadHistory(roomID string, limit int)
}

// the slice of the realtime layer a session uses. the session never owns the
// connection behind it, only its own join state on top.
type RoomChannel interface {
	Connect(token string)
	Connected() bool
	JoinRoom(key string)
	LeaveRoom(key string)
	SendMessage(room, content string, ack func(SendAck))
}

// membership tracks which realtime room keys this session has joined on the
// current connection. it is reset wholesale whenever a new connection comes
// up, so joins are re-emitted after every reconnect and never duplicated
// within one connection's lifetime.
type membership struct {
	epoch  int
	joined map[string]bool
}

// ChatSession coordinates one open chat room: history loading, room
// membership on the shared realtime connection, canonical message ordering,
// and optimistic send reconciliation.
//
// a session is not safe for concurrent use. all methods must be called from
// a single event loop; connection events and fetch results arriving on other
// goroutines have to be bridged onto that loop first, the same way the TUI
// forwards them as bubbletea messages.
type ChatSession struct {
	loader  HistoryLoader
	channel RoomChannel

	roomID string
	user   Sender

	status         SessionStatus
	messages       []Message
	loadingHistory bool
	historyErr     string
	membership     membership
	closed         bool

	// AckSink receives send acknowledgments from the channel's goroutine.
	// when nil the ack is applied directly, which is only safe when the
	// channel invokes acks synchronously (as the test fakes do). the app
	// layer points this at the event loop.
	AckSink func(tempID string, ack SendAck)

	clock   func() time.Time
	tempIDs *tempIDGenerator
}

func NewChatSession(loader HistoryLoader, channel RoomChannel) *ChatSession {
	session := &ChatSession{
		loader:  loader,
		channel: channel,
		clock:   time.Now,
	}
	session.tempIDs = newTempIDGenerator(session.now)
	session.membership.joined = make(map[string]bool)
	return session
}

func (s *ChatSession) now() time.Time {
	return s.clock()
}

// Open begins the history load and, when a credential is present, the
// connection setup for a room. the two proceed independently: a history
// failure never blocks the connection and vice versa.
//
// an empty room id fails fast with a fixed error and no collaborator calls.
// an empty token skips connection setup entirely; the session stays idle and
// never attempts to join rooms.
func (s *ChatSession) Open(roomID, token string, user Sender) {
	if s.closed {
		return
	}
	s.user = user
	s.historyErr = ""
	if roomID == "" {
		s.roomID = ""
		s.loadingHistory = false
		s.historyErr = missingRoomError
		return
	}
	s.roomID = roomID
	s.loadingHistory = true
	s.loader.LoadHistory(roomID, HistoryPageSize)

	if token == "" {
		return
	}
	s.status = StatusConnecting
	s.channel.Connect(token)
	if s.channel.Connected() {
		// the shared connection predates this session; the connect event
		// already fired, so take the online path now.
		s.HandleConnected()
	}
}

// SwitchRoom changes the viewed room. while online it emits exactly one
// leave for the previous chat room key, then joins the new room. the user's
// private key is never left on a switch, it persists across rooms.
func (s *ChatSession) SwitchRoom(roomID string) {
	if s.closed || roomID == "" || roomID == s.roomID {
		return
	}
	previous := s.roomID
	if s.status == StatusOnline && s.membership.joined[previous] {
		s.channel.LeaveRoom(previous)
		delete(s.membership.joined, previous)
	}
	s.roomID = roomID
	s.messages = nil
	s.historyErr = ""
	s.loadingHistory = true
	s.loader.LoadHistory(roomID, HistoryPageSize)
	if s.status == StatusOnline {
		s.joinRooms()
	}
}

// Send creates an optimistic message and emits the send request. it reports
// whether a send actually happened, so the caller knows to clear the input.
// empty-after-trim content, or any status other than online, is a no-op.
func (s *ChatSession) Send(content string) bool {
	content = strings.TrimSpace(content)
	if s.closed || content == "" || s.status != StatusOnline {
		return false
	}
	tempID := s.tempIDs.next()
	optimistic := Message{
		ID:        tempID,
		RoomID:    s.roomID,
		SenderID:  s.user.ID,
		Content:   content,
		CreatedAt: s.now(),
		Sender:    s.user,
	}
	s.messages = append([]Message{optimistic}, s.messages...)
	s.channel.SendMessage(s.roomID, content, func(ack SendAck) {
		if s.AckSink != nil {
			s.AckSink(tempID, ack)
			return
		}
		s.ApplyAck(tempID, ack)
	})
	return true
}

// ApplyAck reconciles an optimistic message with the server-confirmed
// record: same position, id and (when supplied) createdAt replaced. an ack
// without an id leaves the message pending; there is no retry.
func (s *ChatSession) ApplyAck(tempID string, ack SendAck) {
	if s.closed || ack.ID == "" {
		return
	}
	for i := range s.messages {
		if s.messages[i].ID == tempID {
			s.messages[i].ID = ack.ID
			if ack.CreatedAt != "" {
				if confirmed := parseWireTime(ack.CreatedAt); !confirmed.IsZero() {
					s.messages[i].CreatedAt = confirmed
				}
			}
			return
		}
	}
}

// HandleConnected is the connect event. the first delivery for a new
// connection resets the membership record and re-joins both room keys;
// re-deliveries for the same live connection are idempotent.
func (s *ChatSession) HandleConnected() {
	if s.closed {
		return
	}
	if s.status != StatusOnline {
		s.membership = membership{
			epoch:  s.membership.epoch + 1,
			joined: make(map[string]bool),
		}
	}
	s.status = StatusOnline
	s.joinRooms()
}

func (s *ChatSession) joinRooms() {
	if s.roomID != "" && !s.membership.joined[s.roomID] {
		s.channel.JoinRoom(s.roomID)
		s.membership.joined[s.roomID] = true
	}
	if key := UserRoomKey(s.user.ID); key != "" && !s.membership.joined[key] {
		s.channel.JoinRoom(key)
		s.membership.joined[key] = true
	}
}

// HandleDisconnected marks the session errored and forgets all joins;
// membership never survives a reconnect. recovery is the channel's job, the
// session just waits for the next connect event.
func (s *ChatSession) HandleDisconnected(reason string) {
	if s.closed {
		return
	}
	s.status = StatusError
	s.membership.joined = make(map[string]bool)
}

// HandleConnectError marks the session errored. the channel keeps retrying
// on its own.
func (s *ChatSession) HandleConnectError(err error) {
	if s.closed {
		return
	}
	s.status = StatusError
}

// HandleMessage merges a pushed message into the set at the canonical
// position. pushes for other rooms and ids already present are ignored; id
// uniqueness within the set is an invariant.
func (s *ChatSession) HandleMessage(dto MessageDTO) {
	if s.closed {
		return
	}
	if dto.RoomID != "" && dto.RoomID != s.roomID {
		return
	}
	for _, existing := range s.messages {
		if existing.ID == dto.ID {
			return
		}
	}
	s.messages = append([]Message{ToMessage(dto)}, s.messages...)
}

// HandleHistoryPush is the server-initiated resync: the set is replaced
// wholesale in canonical order. unconfirmed optimistic entries are dropped;
// the server copy wins on a resync.
func (s *ChatSession) HandleHistoryPush(page History) {
	if s.closed {
		return
	}
	s.messages = ToMessages(page.Items)
	s.loadingHistory = false
}

// ApplyHistory lands the REST history fetch. results for a room that is no
// longer the one being viewed, including any fetch resolving after Close,
// are discarded.
func (s *ChatSession) ApplyHistory(roomID string, page History) {
	if s.closed || roomID != s.roomID {
		return
	}
	s.messages = ToMessages(page.Items)
	s.loadingHistory = false
	s.historyErr = ""
}

// ApplyHistoryError surfaces a failed history fetch as a banner string. it
// never touches the connection status.
func (s *ChatSession) ApplyHistoryError(roomID string, err error) {
	if s.closed || roomID != s.roomID {
		return
	}
	s.loadingHistory = false
	s.historyErr = humanizeHistoryError(err)
}

// HandleLoadingTimeout force-clears the loading indicator after the bounded
// wait. the underlying fetch keeps running and may still land later.
func (s *ChatSession) HandleLoadingTimeout() {
	if s.closed {
		return
	}
	s.loadingHistory = false
}

// ClearHistoryError dismisses the error banner.
func (s *ChatSession) ClearHistoryError() {
	s.historyErr = ""
}

// Close detaches the session. while online it leaves the joined chat room
// key so the shared connection does not stay subscribed to rooms nobody is
// viewing anymore; the user's private key and the connection itself stay up
// for other views.
func (s *ChatSession) Close() {
	if s.closed {
		return
	}
	if s.status == StatusOnline && s.roomID != "" && s.membership.joined[s.roomID] {
		s.channel.LeaveRoom(s.roomID)
	}
	s.closed = true
	s.membership.joined = make(map[string]bool)
}

func (s *ChatSession) RoomID() string        { return s.roomID }
func (s *ChatSession) Status() SessionStatus { return s.status }
func (s *ChatSession) LoadingHistory() bool  { return s.loadingHistory }
func (s *ChatSession) HistoryError() string  { return s.historyErr }

// Messages returns a copy of the set in canonical most-recent-first order.
func (s *ChatSession) Messages() []Message {
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// PendingCount reports how many optimistic messages still await an ack.
// unacknowledged sends stay pending indefinitely; this makes that state
// visible instead of silent.
func (s *ChatSession) PendingCount() int {
	count := 0
	for _, m := range s.messages {
		if m.Pending() {
			count++
		}
	}
	return count
}

func humanizeHistoryError(err error) string {
	if err == nil {
		return defaultHistoryFail
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return defaultHistoryFail
}
