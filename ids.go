package migration

import (
	"strings"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers for sagas, waves and correlations.
type IDGenerator func(prefix string) string

// NewID returns a prefixed random UUID, e.g. "saga-7d9f...".
func NewID(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// NormalizeIDGenerator falls back to NewID.
func NormalizeIDGenerator(gen IDGenerator) IDGenerator {
	if gen == nil {
		return NewID
	}
	return gen
}
