package queue

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newLeaseToken returns an unpredictable 128-bit token, hex encoded.
// One token is minted per claim and shared by every message in the
// claimed batch; tokens are never reused.
func newLeaseToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("lease token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
