package internal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// echoFrameServer upgrades each connection and hands every parsed frame to
// respond, which may write reply frames on the same connection.
func echoFrameServer(t *testing.T, respond func(conn *websocket.Conn, in frame)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var in frame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			respond(conn, in)
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestJoinRoomAndServerPushRoundtrip(t *testing.T) {
	server := echoFrameServer(t, func(conn *websocket.Conn, in frame) {
		if in.Event != eventJoinRoom {
			return
		}
		var key string
		if err := json.Unmarshal(in.Data, &key); err != nil || key != "r1" {
			return
		}
		page, _ := json.Marshal(History{Items: []MessageDTO{wireDTO("m1", "2024-01-01T10:00:00Z")}})
		_ = conn.WriteJSON(frame{Event: eventHistory, Data: page})
		push, _ := json.Marshal(wireDTO("m2", "2024-01-01T10:01:00Z"))
		_ = conn.WriteJSON(frame{Event: eventMessageNew, Data: push})
	})
	defer server.Close()

	connected := make(chan struct{})
	histories := make(chan History, 1)
	pushes := make(chan MessageDTO, 1)

	manager := NewChannelManager(wsURL(server))
	defer manager.Disconnect()
	manager.Subscribe(&ChannelHandlers{
		OnConnect: func() { close(connected) },
		OnHistory: func(page History) { histories <- page },
		OnMessage: func(dto MessageDTO) { pushes <- dto },
	})
	manager.Connect("token-1")

	waitSignal(t, connected, "connect")
	manager.JoinRoom("r1")

	select {
	case page := <-histories:
		if len(page.Items) != 1 || page.Items[0].ID != "m1" {
			t.Fatalf("unexpected history page: %+v", page)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for history frame")
	}
	select {
	case dto := <-pushes:
		if dto.ID != "m2" {
			t.Fatalf("unexpected push: %+v", dto)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for push frame")
	}
}

func TestSendMessageAckDispatch(t *testing.T) {
	server := echoFrameServer(t, func(conn *websocket.Conn, in frame) {
		if in.Event != eventSendMessage {
			return
		}
		var payload sendMessagePayload
		if err := json.Unmarshal(in.Data, &payload); err != nil {
			return
		}
		if payload.Room != "r1" || payload.Message != "hello" {
			return
		}
		data, _ := json.Marshal(SendAck{ID: "m9", CreatedAt: "2024-01-01T10:00:00Z"})
		_ = conn.WriteJSON(frame{Event: eventAck, Data: data, AckID: in.AckID})
	})
	defer server.Close()

	connected := make(chan struct{})
	acked := make(chan SendAck, 1)

	manager := NewChannelManager(wsURL(server))
	defer manager.Disconnect()
	manager.Subscribe(&ChannelHandlers{OnConnect: func() { close(connected) }})
	manager.Connect("token-1")
	waitSignal(t, connected, "connect")

	manager.SendMessage("r1", "hello", func(ack SendAck) { acked <- ack })

	select {
	case ack := <-acked:
		if ack.ID != "m9" || ack.CreatedAt != "2024-01-01T10:00:00Z" {
			t.Fatalf("unexpected ack: %+v", ack)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for ack")
	}
}

func TestConnectRejectsNonWebsocketScheme(t *testing.T) {
	errs := make(chan error, 1)
	manager := NewChannelManager("http://example.invalid/ws")
	manager.Subscribe(&ChannelHandlers{OnConnectError: func(err error) { errs <- err }})
	manager.Connect("token-1")

	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected a scheme error")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for connect error")
	}
}

func TestDisconnectTearsDownAndForgetsSubscribers(t *testing.T) {
	server := echoFrameServer(t, func(conn *websocket.Conn, in frame) {})
	defer server.Close()

	connected := make(chan struct{})
	manager := NewChannelManager(wsURL(server))
	manager.Subscribe(&ChannelHandlers{
		OnConnect: func() { connected <- struct{}{} },
		OnDisconnect: func(reason string) {
			t.Errorf("explicit Disconnect must not fan out a disconnect event")
		},
	})
	manager.Connect("token-1")
	waitSignal(t, connected, "connect")

	manager.Disconnect()
	if manager.Connected() {
		t.Fatalf("still connected after Disconnect")
	}
	// Give the reader goroutine a moment; a stale epoch must stay silent.
	time.Sleep(100 * time.Millisecond)
}

func TestSocketURLCarriesToken(t *testing.T) {
	target, err := buildSocketURL("wss://chat.example.com/ws", "abc 123")
	if err != nil {
		t.Fatalf("buildSocketURL: %v", err)
	}
	if target != "wss://chat.example.com/ws?token=abc+123" {
		t.Fatalf("unexpected url: %s", target)
	}
}
