package decision

import (
	"crypto/sha256"
	"encoding/binary"
)

// ABConfig carries the A/B bucketing configuration from §6's env vars.
type ABConfig struct {
	// Split is the percentage (0-100) of traffic assigned to the "treatment"
	// bucket; the remainder falls to "control".
	Split int
	// StickyField names the decision-context field hashed to pick a bucket
	// deterministically (default "submission_id").
	StickyField string
	// Force, if non-empty, overrides bucketing entirely — every call returns
	// this bucket. Used for forced rollouts/rollbacks.
	Force string
}

const (
	VariantControl   = "control"
	VariantTreatment = "treatment"
)

// DefaultStickyField is used when ABConfig.StickyField is unset.
const DefaultStickyField = "submission_id"

// AssignVariant deterministically buckets sticky into "control" or
// "treatment" by hashing it with sha256 and reducing modulo 100 against
// cfg.Split (spec §4.4 step 6). An empty sticky value always falls back to
// the first bucket ("control"), since there is nothing to hash consistently.
func AssignVariant(cfg ABConfig, sticky string) string {
	if cfg.Force != "" {
		return cfg.Force
	}
	if sticky == "" {
		return VariantControl
	}
	sum := sha256.Sum256([]byte(sticky))
	bucket := binary.BigEndian.Uint32(sum[:4]) % 100
	if int(bucket) < cfg.Split {
		return VariantTreatment
	}
	return VariantControl
}
