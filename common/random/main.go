package random

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// GetUUID returns a v4 UUID without hyphens.
func GetUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NewRequestUUID returns a hyphenated v4 UUID, the format the upstream expects for request ids.
func NewRequestUUID() string {
	return uuid.New().String()
}

// CompletionID builds an OpenAI-style chat completion id.
func CompletionID() string {
	return "chatcmpl-" + GetUUID()[:24]
}

const keyChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GetRandomString generates a random alphanumeric string using crypto/rand.
func GetRandomString(length int) string {
	key := make([]byte, length)
	for i := range length {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyChars))))
		if err != nil {
			panic(err)
		}
		key[i] = keyChars[n.Int64()]
	}
	return string(key)
}
