package internal

import (
	"testing"
	"time"
)

func wireDTO(id, createdAt string) MessageDTO {
	return MessageDTO{ID: id, RoomID: "r1", SenderID: "u1", Content: id, CreatedAt: createdAt}
}

func TestToMessagesSortsMostRecentFirst(t *testing.T) {
	messages := ToMessages([]MessageDTO{
		wireDTO("older", "2024-01-01T10:00:00Z"),
		wireDTO("newest", "2024-01-01T12:00:00Z"),
		wireDTO("middle", "2024-01-01T11:00:00Z"),
	})
	want := []string{"newest", "middle", "older"}
	for i, id := range want {
		if messages[i].ID != id {
			t.Fatalf("position %d = %q, want %q", i, messages[i].ID, id)
		}
	}
}

func TestSortCanonicalIsStableForEqualTimestamps(t *testing.T) {
	ts := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	messages := []Message{
		{ID: "first", CreatedAt: ts},
		{ID: "second", CreatedAt: ts},
		{ID: "third", CreatedAt: ts},
	}
	SortCanonical(messages)
	for i, id := range []string{"first", "second", "third"} {
		if messages[i].ID != id {
			t.Fatalf("equal timestamps reordered: position %d = %q", i, messages[i].ID)
		}
	}
}

func TestToMessageParsesTimestamps(t *testing.T) {
	edited := "2024-01-01T10:05:00Z"
	dto := wireDTO("m1", "2024-01-01T10:00:00Z")
	dto.EditedAt = &edited

	msg := ToMessage(dto)
	if msg.CreatedAt.IsZero() {
		t.Fatalf("createdAt not parsed")
	}
	if msg.EditedAt.IsZero() {
		t.Fatalf("editedAt not parsed")
	}
	if !msg.DeletedAt.IsZero() {
		t.Fatalf("nil deletedAt must stay zero")
	}
}

func TestToMessageToleratesBadTimestamp(t *testing.T) {
	msg := ToMessage(wireDTO("m1", "not-a-time"))
	if msg.ID != "m1" || !msg.CreatedAt.IsZero() {
		t.Fatalf("bad timestamp must degrade to zero, got %+v", msg)
	}
}

func TestPendingDetection(t *testing.T) {
	if !(Message{ID: "temp-1700000000000"}).Pending() {
		t.Fatalf("temp id must read as pending")
	}
	if (Message{ID: "a1b2c3"}).Pending() {
		t.Fatalf("server id must not read as pending")
	}
}

func TestTempIDsAreStrictlyMonotonic(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	gen := newTempIDGenerator(func() time.Time { return frozen })

	a, b, c := gen.next(), gen.next(), gen.next()
	if a == b || b == c || a == c {
		t.Fatalf("ids collided under a frozen clock: %s %s %s", a, b, c)
	}
	if !(a < b && b < c) {
		t.Fatalf("ids not increasing: %s %s %s", a, b, c)
	}
}
