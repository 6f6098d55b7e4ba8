package syncer

import (
	"crypto/rand"
	"encoding/hex"
)

// newCorrelationID generates an opaque id linking a sync's started/completed
// (or started/failed) event pair — the only mechanism external subscribers
// may use to observe sync progress (spec §4.7).
func newCorrelationID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unavailable"
	}
	return hex.EncodeToString(buf)
}
