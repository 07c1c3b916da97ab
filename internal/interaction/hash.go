package interaction

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainWrite separates write IDs from any other hash in the system.
const DomainWrite = "oire/write/v1"

func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// WriteID computes the idempotency key for one remote write attempt.
// Replaying the same attempt (same token, target, value and attempt
// number) yields the same ID, so a backend can return the original
// confirmation instead of applying the write twice.
func WriteID(token string, key Key, userID string, active bool, attempt int64) (string, error) {
	obj := map[string]any{
		"token":   token,
		"item_id": key.ItemID,
		"kind":    string(key.Kind),
		"user_id": userID,
		"active":  active,
		"attempt": attempt,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("WriteID: %w", err)
	}
	return hashWithDomain(DomainWrite, canonical), nil
}
