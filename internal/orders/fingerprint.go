package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// StatusFingerprint identifies one status transition of an order. since
// names the state the order left, so concurrent deliveries of the same change
// collapse into one row while a status that comes back later is recorded again.
func StatusFingerprint(since, displayStatus string, isConnected, isActive bool) string {
	key := fmt.Sprintf("%s>%s|%t|%t", strings.TrimSpace(since), strings.ToUpper(strings.TrimSpace(displayStatus)), isConnected, isActive)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
