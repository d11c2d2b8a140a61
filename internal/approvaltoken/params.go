package approvaltoken

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// paramsProjection is the exact shape hashed into paramsHash. Field order
// here is irrelevant; JCS canonicalization sorts keys before hashing.
type paramsProjection struct {
	Service       string          `json:"service"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	ActorUserID   string          `json:"actorUserId"`
	SubjectUserID *string         `json:"subjectUserId"`
}

// ParamsHash computes the canonical hash binding a token to the exact request
// it was approved for. Canonicalization is RFC 8785 (JCS), so semantically
// identical params always hash identically and non-JSON values (NaN,
// Infinity) are rejected rather than hashed ambiguously.
func ParamsHash(service, action string, params json.RawMessage, actorUserID string, subjectUserID *string) (string, error) {
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	raw, err := json.Marshal(paramsProjection{
		Service:       service,
		Action:        action,
		Params:        params,
		ActorUserID:   actorUserID,
		SubjectUserID: subjectUserID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal params projection: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
