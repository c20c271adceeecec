package utils

import (
	"github.com/google/uuid"
)

// NewSessionID returns a random (v4) identifier for a producer session.
// If the random source fails it falls back to a time-based (v1) UUID so a
// session is never stamped with the zero value.
func NewSessionID() uuid.UUID {
	if id, err := uuid.NewRandom(); err == nil {
		return id
	}
	if id, err := uuid.NewUUID(); err == nil {
		return id
	}
	return uuid.Must(uuid.NewRandom())
}
