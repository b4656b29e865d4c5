package internal

import "sync"

// Hub tracks which websocket clients are subscribed to which room keys. One
// client may sit in several rooms at once (its chat room plus its private
// user key), so rooms are plain subscriber sets rather than owned loops.
type Hub struct {
	mutex sync.RWMutex
	rooms map[string]map[*wsClient]bool
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*wsClient]bool)}
}

func (hub *Hub) Join(key string, client *wsClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		room = make(map[*wsClient]bool)
		hub.rooms[key] = room
	}
	room[client] = true
}

func (hub *Hub) Leave(key string, client *wsClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.leaveLocked(key, client)
}

// RemoveClient detaches a client from every room it joined and releases its
// send queue. Called exactly once when the connection dies.
func (hub *Hub) RemoveClient(client *wsClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for key := range hub.rooms {
		hub.leaveLocked(key, client)
	}
	client.closeSend()
}

func (hub *Hub) leaveLocked(key string, client *wsClient) {
	room, exists := hub.rooms[key]
	if !exists {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(hub.rooms, key)
	}
}

// Broadcast fans a payload out to every subscriber of a room key. A client
// whose send buffer is full is dropped so one slow reader cannot stall the
// room.
func (hub *Hub) Broadcast(key string, payload []byte) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		return
	}
	for client := range room {
		select {
		case client.send <- payload:
		default:
			delete(room, client)
			client.closeSend()
		}
	}
	if len(room) == 0 {
		delete(hub.rooms, key)
	}
}

// RoomSize reports the current subscriber count for a key.
func (hub *Hub) RoomSize(key string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms[key])
}
