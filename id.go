package chatflow

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// User messages and tool-result messages are stamped with it.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// Touch sets m's update time, and its creation time when unset, allocating
// the metadata when needed.
func Touch(m *Message) {
	now := NowUnix()
	if m.Metadata == nil {
		m.Metadata = &Metadata{}
	}
	if m.Metadata.CreatedAt == 0 {
		m.Metadata.CreatedAt = now
	}
	m.Metadata.UpdatedAt = now
}
