// Package approval holds the intent-approval policy: the privilege tiers an
// agent can run under, the observer's classification of a proposed action,
// and the rule deciding when a human must confirm before execution.
package approval

import "fmt"

// Tier is the privilege tier a chat/agent pairing operates under.
type Tier string

const (
	// TierReadOnly permits only non-mutating actions.
	TierReadOnly Tier = "read_only"
	// TierSafeWrites permits low-risk mutations (drafts, labels).
	TierSafeWrites Tier = "safe_writes"
	// TierOwnerFull permits everything the operator can do. Non-admin use of
	// this tier always requires per-action approval.
	TierOwnerFull Tier = "owner_full"
)

// ParseTier validates a tier string from config or storage.
func ParseTier(raw string) (Tier, error) {
	switch Tier(raw) {
	case TierReadOnly, TierSafeWrites, TierOwnerFull:
		return Tier(raw), nil
	default:
		return "", fmt.Errorf("unknown tier %q", raw)
	}
}

// Classification is the observer's verdict on a proposed action.
type Classification string

const (
	ClassificationNone  Classification = "NONE"
	ClassificationWarn  Classification = "WARN"
	ClassificationBlock Classification = "BLOCK"
)

// ParseClassification validates a classification string.
func ParseClassification(raw string) (Classification, error) {
	switch Classification(raw) {
	case ClassificationNone, ClassificationWarn, ClassificationBlock:
		return Classification(raw), nil
	default:
		return "", fmt.Errorf("unknown classification %q", raw)
	}
}

// lowConfidence is the observer-confidence threshold below which a WARN
// verdict escalates to approval.
const lowConfidence = 0.5

// Required decides whether the proposed action needs a human approval before
// a token can be minted. Admins bypass approval entirely (secret-output
// filtering happens elsewhere and is not affected by this bypass).
func Required(tier Tier, classification Classification, confidence float64, isAdmin bool) bool {
	if isAdmin {
		return false
	}
	if tier == TierOwnerFull {
		return true
	}
	switch classification {
	case ClassificationBlock:
		return true
	case ClassificationWarn:
		return tier == TierSafeWrites || confidence < lowConfidence
	case ClassificationNone:
		return false
	default:
		// Unknown classifications fail closed.
		return true
	}
}
