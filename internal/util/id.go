package util

import (
	"encoding/hex"
	"regexp"

	"github.com/google/uuid"
)

// idPattern matches the 32 lowercase hex characters produced by NewID.
var idPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewID returns a random job identifier: a UUIDv4 (122 random bits) encoded
// as 32 hex characters without dashes so it stays compact in URLs.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ValidID reports whether id has the shape produced by NewID. Handlers use it
// to reject malformed identifiers before touching the registry.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
