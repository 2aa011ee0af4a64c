// Package uuid mints the time-ordered identifiers used for requests and
// events.
package uuid

import (
	"github.com/google/uuid"
)

// NewRaw returns a UUIDv7, or a random UUIDv4 if the v7 source fails.
func NewRaw() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewID returns NewRaw in canonical string form.
func NewID() string {
	return NewRaw().String()
}

// Canonical validates a caller-supplied ID and returns its canonical form.
func Canonical(raw string) (string, bool) {
	if len(raw) != 36 {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
