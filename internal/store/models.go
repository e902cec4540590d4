package store

import "time"

const (
	EntryFree     = "free"
	EntryAssigned = "assigned"

	StatusActive  = "active"
	StatusExpired = "expired"
)

// PoolEntry is one persisted pool port.
type PoolEntry struct {
	ID             int64
	Port           int
	Username       string
	Password       string
	Status         string
	AssignedSlotID int64 // zero when free
	UpdatedAt      time.Time
}

// Unix converts t to the stored timestamp representation.
func Unix(t time.Time) int64 {
	return t.Unix()
}

// Time converts a stored timestamp back to a UTC time.
func Time(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}
