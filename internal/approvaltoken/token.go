// Package approvaltoken issues and verifies the single-use, Ed25519-signed
// tokens that carry a human's approval of one exact action to the sidecar
// that will execute it. The relay generates; the sidecar verifies locally
// against a cached public key, with replay detection through a unique jti
// insert.
package approvaltoken

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/leash/internal/bus"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/signer"
)

const (
	// SigningDomain separates approval signatures from every other use of
	// the vault key.
	SigningDomain = "approval-v1"

	tokenVersion = "v1"

	// MaxTTL caps exp-iat. Tokens are handed straight to a sidecar and
	// consumed within seconds; five minutes is the absolute ceiling.
	MaxTTL = 300 * time.Second
)

// Claims is the signed payload of an approval token.
type Claims struct {
	Ver           int     `json:"ver"`
	Iss           string  `json:"iss"`
	Aud           string  `json:"aud"`
	Iat           int64   `json:"iat"`
	Exp           int64   `json:"exp"`
	JTI           string  `json:"jti"`
	ApprovalNonce string  `json:"approvalNonce"`
	ActorUserID   string  `json:"actorUserId"`
	ProviderID    string  `json:"providerId"`
	Service       string  `json:"service"`
	Action        string  `json:"action"`
	SubjectUserID *string `json:"subjectUserId"`
	ParamsHash    string  `json:"paramsHash"`
}

// ActionRequest describes the action a token is bound to, both at issuance
// and at the sidecar when it checks an incoming request against the token.
type ActionRequest struct {
	Service       string
	Action        string
	Params        json.RawMessage
	ActorUserID   string
	SubjectUserID *string
	ProviderID    string
	ApprovalNonce string
}

// Service mints approval tokens on the relay side.
type Service struct {
	signer   signer.Signer
	issuer   string
	audience string
	ttl      time.Duration
	bus      *bus.Bus
}

// NewService constructs the issuing side. A ttl of zero or above MaxTTL is
// clamped to MaxTTL. The bus may be nil.
func NewService(s signer.Signer, issuer, audience string, ttl time.Duration, b *bus.Bus) *Service {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Service{signer: s, issuer: issuer, audience: audience, ttl: ttl, bus: b}
}

// Generate issues a token bound to the request's exact parameters.
func (s *Service) Generate(ctx context.Context, req ActionRequest) (string, *Claims, error) {
	hash, err := ParamsHash(req.Service, req.Action, req.Params, req.ActorUserID, req.SubjectUserID)
	if err != nil {
		return "", nil, err
	}
	now := time.Now()
	claims := &Claims{
		Ver:           1,
		Iss:           s.issuer,
		Aud:           s.audience,
		Iat:           now.Unix(),
		Exp:           now.Add(s.ttl).Unix(),
		JTI:           uuid.NewString(),
		ApprovalNonce: req.ApprovalNonce,
		ActorUserID:   req.ActorUserID,
		ProviderID:    req.ProviderID,
		Service:       req.Service,
		Action:        req.Action,
		SubjectUserID: req.SubjectUserID,
		ParamsHash:    hash,
	}

	raw, err := json.Marshal(claims)
	if err != nil {
		return "", nil, fmt.Errorf("marshal claims: %w", err)
	}
	claimsB64 := base64.RawURLEncoding.EncodeToString(raw)

	sig, err := s.signer.Sign(ctx, SigningDomain, signingPayload(claimsB64))
	if err != nil {
		return "", nil, fmt.Errorf("sign approval token: %w", err)
	}
	token := tokenVersion + "." + claimsB64 + "." + base64.RawURLEncoding.EncodeToString(sig)

	if s.bus != nil {
		s.bus.Publish(bus.TopicTokenIssued, claims.JTI)
	}
	return token, claims, nil
}

// signingPayload composes the domain-separated bytes that get signed. The
// prefix means a signature collected here can never verify as anything else.
func signingPayload(claimsB64 string) []byte {
	return []byte(SigningDomain + "\n" + claimsB64)
}

// ReplayStore admits each jti at most once. Implementations signal a
// duplicate with persistence.ErrJTIReplayed.
type ReplayStore interface {
	RecordJTI(ctx context.Context, jti string, exp time.Time) error
}

// Verifier checks approval tokens on the sidecar side.
type Verifier struct {
	key    signer.Verifier
	replay ReplayStore
}

// NewVerifier constructs the verifying side from a cached public key and a
// replay store.
func NewVerifier(key signer.Verifier, replay ReplayStore) *Verifier {
	return &Verifier{key: key, replay: replay}
}

// Verify runs the ordered checks against an incoming request. Each check
// failure returns a *VerifyError with a distinct code; only the final replay
// admission mutates state, so a token rejected earlier stays usable for a
// later, correct presentation within its lifetime.
func (v *Verifier) Verify(ctx context.Context, token string, incoming ActionRequest) (*Claims, error) {
	// 1. Structural split and version literal.
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, verifyErr(CodeApprovalRequired, "token must have 3 parts, got %d", len(parts))
	}
	if parts[0] != tokenVersion {
		return nil, verifyErr(CodeApprovalRequired, "unsupported token version %q", parts[0])
	}
	claimsB64, sigB64 := parts[1], parts[2]

	// 2. Signature over the domain-prefixed claims.
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, verifyErr(CodeApprovalRequired, "signature is not base64url")
	}
	if !v.key.Verify(signingPayload(claimsB64), sig) {
		return nil, verifyErr(CodeApprovalRequired, "signature verification failed")
	}

	// 3. Claims decode into the typed schema.
	raw, err := base64.RawURLEncoding.DecodeString(claimsB64)
	if err != nil {
		return nil, verifyErr(CodeApprovalRequired, "claims are not base64url")
	}
	claims, err := decodeClaims(raw)
	if err != nil {
		return nil, verifyErr(CodeApprovalRequired, "invalid claims: %v", err)
	}

	// 4. Temporal bounds.
	now := time.Now().Unix()
	if now > claims.Exp {
		return nil, verifyErr(CodeApprovalExpired, "token expired %ds ago", now-claims.Exp)
	}
	if claims.Exp-claims.Iat > int64(MaxTTL/time.Second) {
		return nil, verifyErr(CodeApprovalExpired, "token lifetime exceeds %s", MaxTTL)
	}

	// 5. Identity of the approved action.
	if claims.Service != incoming.Service || claims.Action != incoming.Action || claims.ActorUserID != incoming.ActorUserID {
		return nil, verifyErr(CodeApprovalMismatch, "token was approved for %s/%s by %s", claims.Service, claims.Action, claims.ActorUserID)
	}

	// 6. Exact parameter binding.
	hash, err := ParamsHash(incoming.Service, incoming.Action, incoming.Params, incoming.ActorUserID, incoming.SubjectUserID)
	if err != nil {
		return nil, verifyErr(CodeApprovalMismatch, "cannot canonicalize request params: %v", err)
	}
	if hash != claims.ParamsHash {
		return nil, verifyErr(CodeApprovalMismatch, "request params differ from the approved params")
	}

	// 7. Replay admission. The unique insert is the only state change.
	if err := v.replay.RecordJTI(ctx, claims.JTI, time.Unix(claims.Exp, 0)); err != nil {
		if errors.Is(err, persistence.ErrJTIReplayed) {
			return nil, verifyErr(CodeApprovalReplayed, "token already consumed")
		}
		return nil, fmt.Errorf("replay store: %w", err)
	}
	return claims, nil
}

// decodeClaims parses the claims strictly: unknown fields are rejected so a
// tampered or future-versioned payload never half-parses into a trusted
// struct.
func decodeClaims(raw []byte) (*Claims, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var c Claims
	if err := dec.Decode(&c); err != nil {
		return nil, err
	}
	switch c.Ver {
	case 1:
		// Current wire version.
	default:
		return nil, fmt.Errorf("unsupported claims version %d", c.Ver)
	}
	if c.JTI == "" {
		return nil, errors.New("missing jti")
	}
	if c.ActorUserID == "" {
		return nil, errors.New("missing actorUserId")
	}
	if !strings.HasPrefix(c.ParamsHash, "sha256:") {
		return nil, errors.New("malformed paramsHash")
	}
	return &c, nil
}
