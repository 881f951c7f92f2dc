// Package id generates opaque identifiers for exceptions, events, and
// playbook packs. IDs are UUIDv4 values encoded as lowercase unpadded
// base32 so they stay URL- and filename-safe.
package id

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new random identifier. It panics only when the system
// entropy source is unavailable, the same contract as uuid.New.
func NewID() string {
	value := uuid.New()
	return strings.ToLower(encoding.EncodeToString(value[:]))
}
