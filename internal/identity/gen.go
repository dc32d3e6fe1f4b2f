package identity

import (
	"crypto/rand"
	"fmt"
)

// maxAllocAttempts bounds how many times allocation retries on a collision
// before giving up rather than looping forever.
const maxAllocAttempts = 10

// newToken generates 16 bytes of cryptographic randomness.
func newToken() ([16]byte, error) {
	var token [16]byte
	if _, err := rand.Read(token[:]); err != nil {
		return token, fmt.Errorf("generate token: %w", err)
	}
	return token, nil
}

// newNumber generates a 10-digit decimal string with the leading digit fixed
// at "0" and numbers starting "010" excluded, reserving that block for
// future use.
func newNumber() (string, error) {
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", fmt.Errorf("generate number: %w", err)
		}
		var n uint64
		for _, b := range buf {
			n = n<<8 | uint64(b)
		}
		n %= 1000000000
		number := fmt.Sprintf("0%09d", n)
		if number[:3] == "010" {
			continue
		}
		return number, nil
	}
	return "", ErrExhausted
}
