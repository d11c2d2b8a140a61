// Package resolver turns operator confirmations into consumed approvals and
// minted action approval tokens, enforcing the TOTP identity gate in between.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/leash/internal/approvaltoken"
	"github.com/basket/leash/internal/otel"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/totp"
	"go.opentelemetry.io/otel/trace"
)

// ErrCodeRequired means the chat's linked user has TOTP enrolled and no live
// session, so a bare nonce or button press cannot confirm the intent.
var ErrCodeRequired = errors.New("totp code required")

// ActionEnvelope is the JSON stored in an approval's body when the intent
// originated as a sidecar action request. Plain-text bodies (free-form chat
// intents) do not parse as one and mint no token.
type ActionEnvelope struct {
	Service       string          `json:"service"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	ActorUserID   string          `json:"actorUserId"`
	SubjectUserID *string         `json:"subjectUserId"`
	ProviderID    string          `json:"providerId"`
}

// Outcome is the result of confirming one pending approval.
type Outcome struct {
	Approval *persistence.PendingApproval
	// Token is the minted action approval token, empty when the approval
	// body carried no action envelope.
	Token string
}

// Resolver turns an operator's confirmation into a consumed approval and,
// when the intent was an action request, a signed single-use token.
type Resolver struct {
	store  *persistence.Store
	tokens *approvaltoken.Service
	gate   *totp.SessionGate
	tracer trace.Tracer
	logger *slog.Logger
}

// NewResolver wires the resolver. gate may be nil when no TOTP daemon is
// configured.
func NewResolver(store *persistence.Store, tokens *approvaltoken.Service, gate *totp.SessionGate, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, tokens: tokens, gate: gate, logger: logger}
}

// SetTracer enables a span per confirmation. Safe to leave unset.
func (r *Resolver) SetTracer(t trace.Tracer) {
	r.tracer = t
}

// Approve confirms the pending approval addressed by nonce for chatID. code
// is the operator's 6-digit TOTP code when they supplied one; empty means
// the operator confirmed by nonce or button alone, which only suffices when
// their identity gate does not demand a code.
func (r *Resolver) Approve(ctx context.Context, chatID int64, nonce, code string) (*Outcome, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartSpan(ctx, r.tracer, "resolver.approve",
			otel.AttrChatID.Int64(chatID))
		defer span.End()
	}
	if err := r.checkIdentity(ctx, chatID, code); err != nil {
		return nil, err
	}

	entry, err := r.store.ConsumeApproval(ctx, nonce, chatID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Approval: entry}
	var env ActionEnvelope
	if json.Unmarshal([]byte(entry.Body), &env) == nil && env.Service != "" && env.Action != "" {
		token, claims, err := r.tokens.Generate(ctx, approvaltoken.ActionRequest{
			Service:       env.Service,
			Action:        env.Action,
			Params:        env.Params,
			ActorUserID:   env.ActorUserID,
			SubjectUserID: env.SubjectUserID,
			ProviderID:    env.ProviderID,
			ApprovalNonce: entry.Nonce,
		})
		if err != nil {
			// The approval is already consumed; failing to mint must not
			// look like success.
			return nil, fmt.Errorf("mint approval token: %w", err)
		}
		out.Token = token
		r.logger.Info("approval token minted",
			"nonce", entry.Nonce,
			"jti", claims.JTI,
			"service", env.Service,
			"action", env.Action,
		)
	}
	return out, nil
}

// Logout drops the chat's live TOTP session so the next confirmation
// requires a fresh code.
func (r *Resolver) Logout(ctx context.Context, chatID int64) error {
	if r.gate == nil {
		return errors.New("identity gate not configured")
	}
	return r.gate.Logout(ctx, chatID)
}

// Deny removes the pending approval without minting anything.
func (r *Resolver) Deny(ctx context.Context, chatID int64, nonce string) (*persistence.PendingApproval, error) {
	return r.store.DenyApproval(ctx, nonce, chatID)
}

// checkIdentity enforces the TOTP gate. A supplied code is verified (and on
// success refreshes the session). Without a code, an enrolled user must hold
// a live session. Gate outages deny rather than degrade.
func (r *Resolver) checkIdentity(ctx context.Context, chatID int64, code string) error {
	if r.gate == nil {
		return nil
	}
	if code != "" {
		_, err := r.gate.Confirm(ctx, chatID, code)
		return err
	}

	enabled, err := r.gate.Enabled(ctx, chatID)
	switch {
	case errors.Is(err, persistence.ErrNoIdentityLink):
		// Unlinked chat: the gate cannot apply to a person, nonce possession
		// alone confirms.
		return nil
	case err != nil:
		return err
	case !enabled:
		return nil
	}

	live, err := r.gate.HasSession(ctx, chatID)
	if err != nil {
		return err
	}
	if !live {
		return ErrCodeRequired
	}
	return nil
}
