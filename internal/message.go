package internal

import (
	"fmt"
	"sort"
	"time"
)

// Sender is the denormalized author snapshot a message carries. It is copied
// at message time and never updated retroactively when a profile changes.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MessageDTO is the wire shape shared by the REST history endpoint and the
// realtime channel. Timestamps travel as RFC 3339 strings; editedAt and
// deletedAt are null until the server sets them.
type MessageDTO struct {
	ID        string  `json:"id"`
	RoomID    string  `json:"roomId"`
	SenderID  string  `json:"senderId"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"createdAt"`
	EditedAt  *string `json:"editedAt"`
	DeletedAt *string `json:"deletedAt"`
	Sender    Sender  `json:"sender"`
}

// Message is the client-side representation: the three timestamps converted
// to native time values, everything else passed through unchanged.
type Message struct {
	ID        string
	RoomID    string
	SenderID  string
	Content   string
	CreatedAt time.Time
	EditedAt  time.Time
	DeletedAt time.Time
	Sender    Sender
}

// History is a page of messages from the history endpoint or a server
// resync push.
type History struct {
	Items      []MessageDTO `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
}

// SendAck is the acknowledgment payload for a send_message emission.
type SendAck struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt,omitempty"`
}

const tempIDPrefix = "temp-"

// Pending reports whether the message still carries a locally generated
// temporary identifier, i.e. the server has not confirmed it yet.
func (m Message) Pending() bool {
	return len(m.ID) > len(tempIDPrefix) && m.ID[:len(tempIDPrefix)] == tempIDPrefix
}

// ToMessage converts a wire DTO into the client representation. Timestamps
// that fail to parse are left at their zero value rather than failing the
// whole page; the server is the source of truth for formatting.
func ToMessage(dto MessageDTO) Message {
	msg := Message{
		ID:       dto.ID,
		RoomID:   dto.RoomID,
		SenderID: dto.SenderID,
		Content:  dto.Content,
		Sender:   dto.Sender,
	}
	msg.CreatedAt = parseWireTime(dto.CreatedAt)
	if dto.EditedAt != nil {
		msg.EditedAt = parseWireTime(*dto.EditedAt)
	}
	if dto.DeletedAt != nil {
		msg.DeletedAt = parseWireTime(*dto.DeletedAt)
	}
	return msg
}

// ToMessages converts a DTO slice and sorts it into canonical order.
func ToMessages(dtos []MessageDTO) []Message {
	messages := make([]Message, 0, len(dtos))
	for _, dto := range dtos {
		messages = append(messages, ToMessage(dto))
	}
	SortCanonical(messages)
	return messages
}

// SortCanonical orders messages most-recent-first, the internal ordering the
// session keeps so an inverted display list can render it directly. The sort
// is stable so equal timestamps keep their arrival order.
func SortCanonical(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})
}

func parseWireTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// FormatWireTime renders a timestamp the way the wire expects it.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// tempIDGenerator hands out temp-<ms> identifiers that stay strictly
// monotonic even when two sends land inside the same millisecond, so a
// temporary id is unique for the lifetime of its pending send.
type tempIDGenerator struct {
	now    func() time.Time
	lastMS int64
}

func newTempIDGenerator(now func() time.Time) *tempIDGenerator {
	if now == nil {
		now = time.Now
	}
	return &tempIDGenerator{now: now}
}

func (g *tempIDGenerator) next() string {
	ms := g.now().UnixMilli()
	if ms <= g.lastMS {
		ms = g.lastMS + 1
	}
	g.lastMS = ms
	return fmt.Sprintf("%s%d", tempIDPrefix, ms)
}
