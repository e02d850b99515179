// Package rooms owns the room lifecycle: code minting, the catalog of live
// room instances, the player index, and both TTL mechanisms (per-room
// one-shot timers and the periodic storage scan).
package rooms

import (
	"crypto/rand"
	"strings"

	"github.com/bonfire-party/bonfire/internal/v1/types"
)

// codeAlphabet drops the lookalike characters 0, O, 1, I and L so codes read
// cleanly off a shared screen. 32 characters, so a random byte mod 32 is
// uniform.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the fixed length of a room code.
const CodeLength = 6

// GenerateCode mints a random room code.
func GenerateCode() types.RoomID {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return types.RoomID(buf)
}

// NormalizeCode maps user input onto the canonical code form: trimmed and
// upper-cased. Normalizing does not imply validity.
func NormalizeCode(raw string) types.RoomID {
	return types.RoomID(strings.ToUpper(strings.TrimSpace(raw)))
}

// IsValidCode reports whether the code has the canonical shape.
func IsValidCode(id types.RoomID) bool {
	if len(id) != CodeLength {
		return false
	}
	for _, r := range string(id) {
		if !strings.ContainsRune(codeAlphabet, r) {
			return false
		}
	}
	return true
}
