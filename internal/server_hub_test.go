package internal

import (
	"testing"
)

func TestHubJoinLeaveAndBroadcast(t *testing.T) {
	hub := NewHub()
	first := newWSClient(nil, "u1")
	second := newWSClient(nil, "u2")

	hub.Join("r1", first)
	hub.Join("r1", second)
	hub.Join("user:u1", first)
	if hub.RoomSize("r1") != 2 {
		t.Fatalf("expected 2 subscribers in r1, got %d", hub.RoomSize("r1"))
	}

	hub.Broadcast("r1", []byte("hello"))
	for _, client := range []*wsClient{first, second} {
		select {
		case payload := <-client.send:
			if string(payload) != "hello" {
				t.Fatalf("unexpected payload %q", payload)
			}
		default:
			t.Fatalf("client %s did not receive the broadcast", client.userID)
		}
	}

	hub.Leave("r1", first)
	if hub.RoomSize("r1") != 1 {
		t.Fatalf("expected 1 subscriber after leave, got %d", hub.RoomSize("r1"))
	}

	// Removing a client detaches it from every room and closes its queue.
	hub.RemoveClient(second)
	if hub.RoomSize("r1") != 0 {
		t.Fatalf("expected empty room after removal, got %d", hub.RoomSize("r1"))
	}
	if _, open := <-second.send; open {
		t.Fatalf("removed client's send queue should be closed")
	}
	if hub.RoomSize("user:u1") != 1 {
		t.Fatalf("unrelated room membership must survive, got %d", hub.RoomSize("user:u1"))
	}
}

func TestHubBroadcastEvictsFullClients(t *testing.T) {
	hub := NewHub()
	slow := newWSClient(nil, "u1")
	for i := 0; i < cap(slow.send); i++ {
		slow.send <- []byte("backlog")
	}
	hub.Join("r1", slow)

	hub.Broadcast("r1", []byte("overflow"))

	if hub.RoomSize("r1") != 0 {
		t.Fatalf("a client with a full queue must be dropped, size=%d", hub.RoomSize("r1"))
	}
}
