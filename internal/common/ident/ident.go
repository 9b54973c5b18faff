// Package ident generates prefixed random identifiers for engine entities.
package ident

import (
	"crypto/rand"
	"fmt"
)

const (
	// SessionPrefix is the id prefix for sessions.
	SessionPrefix = "ses"
	// MessagePrefix is the id prefix for messages.
	MessagePrefix = "msg"
	// PartPrefix is the id prefix for message parts.
	PartPrefix = "prt"
	// RunPrefix is the id prefix for agent runs.
	RunPrefix = "run"

	tokenLength = 12
	alphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// New returns an identifier of the form "<prefix>_<token>" where token is
// 12 random characters drawn from [a-z0-9].
func New(prefix string) string {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// there is no reasonable recovery.
		panic(fmt.Sprintf("ident: reading random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return prefix + "_" + string(buf)
}

// NewSessionID returns a fresh session identifier.
func NewSessionID() string { return New(SessionPrefix) }

// NewMessageID returns a fresh message identifier.
func NewMessageID() string { return New(MessagePrefix) }

// NewPartID returns a fresh part identifier.
func NewPartID() string { return New(PartPrefix) }

// NewRunID returns a fresh run identifier.
func NewRunID() string { return New(RunPrefix) }
