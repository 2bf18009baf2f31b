// Package id generates the identifiers used for sessions, participants,
// segments, and connections: UUIDv4 bytes as unpadded lowercase base32,
// 26 characters, safe in URLs and log fields.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new random identifier.
func NewID() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(base32NoPad.EncodeToString(raw[:])), nil
}
