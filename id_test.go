package chatflow

import "testing"

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()
	if len(id1) != 36 {
		t.Errorf("expected 36 chars (UUIDv7), got %d: %s", len(id1), id1)
	}
	if id1 == id2 {
		t.Error("two IDs should be unique")
	}
	if id1 >= id2 {
		t.Error("sequential UUIDv7s should be time-ordered")
	}
}

func TestTouch(t *testing.T) {
	var m Message
	Touch(&m)
	if m.Metadata == nil || m.Metadata.CreatedAt == 0 || m.Metadata.UpdatedAt < m.Metadata.CreatedAt {
		t.Fatalf("metadata = %+v", m.Metadata)
	}

	m.Metadata.CreatedAt = 42
	Touch(&m)
	if m.Metadata.CreatedAt != 42 {
		t.Errorf("CreatedAt overwritten: %d", m.Metadata.CreatedAt)
	}
}
