package matchmaker

import (
	"crypto/rand"
	"log/slog"
)

// idAlphabet matches the room id grammar [a-zA-Z0-9_-]. 64 symbols, so each
// byte of entropy maps to exactly one character.
const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-"

const idLength = 9

// generateID produces an opaque short id. 64^9 values make fleet-wide
// collisions negligible.
func generateID() string {
	b := make([]byte, idLength)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the platform entropy source is broken
		slog.Error("entropy source failed", "error", err)
		panic(err)
	}
	for i, v := range b {
		b[i] = idAlphabet[v&63]
	}
	return string(b)
}
