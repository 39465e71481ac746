// Package id generates compact, URL-safe identifiers.
//
// Identifiers are random UUIDs rendered as 26 lowercase base32 characters
// without padding, which keeps them short enough for chat commands while
// preserving full 128-bit randomness.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a new 26-character lowercase base32 identifier.
func NewID() (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(raw[:])), nil
}
