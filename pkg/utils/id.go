package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const signalingAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// GenerateSignalingID returns a random lowercase alphanumeric token of length n.
func GenerateSignalingID(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS source is broken
		panic(fmt.Sprintf("utils: reading random bytes: %v", err))
	}
	for i := range b {
		b[i] = signalingAlphabet[int(b[i])%len(signalingAlphabet)]
	}
	return string(b)
}

// GenerateConnectionSuffix returns the random part of a connection id. It never
// contains ':' so the owning user id stays recoverable.
func GenerateConnectionSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("req_%d_%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
