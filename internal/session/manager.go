// Package session issues, rotates, and locally verifies the bearer tokens an
// agent process uses to authenticate to the relay. Tokens are Ed25519-signed
// strings; verification happens in-process against the cached public key, so
// the request path never waits on the vault.
package session

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/leash/internal/bus"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/signer"
)

const (
	// SigningDomain separates session token signatures from approval
	// signatures under the same vault key.
	SigningDomain = "session-v3"

	tokenVersion = "v3"

	// DefaultTTL is the token lifetime when the caller does not override.
	DefaultTTL = time.Hour

	// DefaultGraceWindow is how long the previous token keeps verifying
	// after a rotation, covering requests already in flight.
	DefaultGraceWindow = 5 * time.Minute

	// DefaultRefreshWindow is how far before expiry the agent should
	// refresh, sent back as refreshWindowMs on exchange.
	DefaultRefreshWindow = 10 * time.Minute
)

// Exchange rejections. These are authentication failures, not token parse
// failures, so they are sentinels rather than TokenErrors.
var (
	ErrScopeStrict       = errors.New("scope already bootstrapped, static secret authentication refused")
	ErrBadExchangeSecret = errors.New("exchange secret rejected")
)

// IssuedToken is the result of issuing or refreshing a session token.
type IssuedToken struct {
	Token     string
	Scope     string
	SessionID string
	ExpiresAt time.Time
}

// TokenInfo is the identity a verified token carries.
type TokenInfo struct {
	Scope     string
	SessionID string
	ExpiresAt time.Time
}

// ExchangeResult is the bootstrap response handed to the agent exactly once
// per scope.
type ExchangeResult struct {
	Token           string
	ExpiresAt       time.Time
	PublicKey       string // base64 of the Ed25519 verification key
	RefreshWindowMs int64
}

// ScopeStore is the durable scope bookkeeping the manager needs. Satisfied
// by *persistence.Store.
type ScopeStore interface {
	MarkScopeRotated(ctx context.Context, scope, sessionID string) error
	MarkScopeStrict(ctx context.Context, scope string) error
	ScopeAutoStrict(ctx context.Context, scope string) (bool, error)
	ScopeRecordFor(ctx context.Context, scope string) (*persistence.ScopeRecord, error)
}

// Options tune the manager. Zero values take the defaults above.
type Options struct {
	TTL            time.Duration
	GraceWindow    time.Duration
	RefreshWindow  time.Duration
	ExchangeSecret []byte
}

// scopeState is the in-memory rotation state for one scope. previous is
// non-empty only during the grace window opened by rotation graceID.
type scopeState struct {
	current  string
	previous string
	graceID  string
}

// Manager owns per-scope token state. All fields are instance state; nothing
// here is process-global.
type Manager struct {
	signer signer.Signer
	key    signer.Verifier
	store  ScopeStore
	bus    *bus.Bus

	ttl           time.Duration
	grace         time.Duration
	refreshWindow time.Duration
	secret        []byte

	mu     sync.Mutex
	scopes map[string]*scopeState
	arena  *timerArena
}

// NewManager constructs a manager. key verifies what signer signs; they must
// share a keypair. The bus may be nil.
func NewManager(s signer.Signer, key signer.Verifier, store ScopeStore, b *bus.Bus, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.GraceWindow <= 0 {
		opts.GraceWindow = DefaultGraceWindow
	}
	if opts.RefreshWindow <= 0 {
		opts.RefreshWindow = DefaultRefreshWindow
	}
	return &Manager{
		signer:        s,
		key:           key,
		store:         store,
		bus:           b,
		ttl:           opts.TTL,
		grace:         opts.GraceWindow,
		refreshWindow: opts.RefreshWindow,
		secret:        opts.ExchangeSecret,
		scopes:        make(map[string]*scopeState),
		arena:         newTimerArena(),
	}
}

// Close cancels outstanding grace timers.
func (m *Manager) Close() {
	m.arena.stopAll()
}

// Issue mints a token for scope, rotating any existing one. The prior token
// stays valid for the grace window, cleared by a one-shot timer tied to this
// rotation, so a second rotation inside the window cannot be cut short by
// the first rotation's timer.
func (m *Manager) Issue(ctx context.Context, scope string, ttl time.Duration) (*IssuedToken, error) {
	if scope == "" || strings.Contains(scope, ":") {
		return nil, fmt.Errorf("invalid scope %q", scope)
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	sessionID := uuid.NewString()
	created := time.Now()
	expires := created.Add(ttl)
	payload := strings.Join([]string{
		tokenVersion,
		scope,
		sessionID,
		strconv.FormatInt(created.UnixMilli(), 10),
		strconv.FormatInt(expires.UnixMilli(), 10),
	}, ":")

	sig, err := m.signer.Sign(ctx, SigningDomain, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("sign session token: %w", err)
	}
	token := payload + ":" + base64.RawURLEncoding.EncodeToString(sig)

	m.mu.Lock()
	st, ok := m.scopes[scope]
	if !ok {
		st = &scopeState{}
		m.scopes[scope] = st
	}
	var rotationID string
	if st.current != "" {
		if st.graceID != "" {
			m.arena.cancel(st.graceID)
		}
		rotationID = uuid.NewString()
		st.previous = st.current
		st.graceID = rotationID
		m.arena.schedule(rotationID, m.grace, func() {
			m.clearGrace(scope, rotationID)
		})
	}
	st.current = sessionID
	m.mu.Unlock()

	if err := m.store.MarkScopeRotated(ctx, scope, sessionID); err != nil {
		return nil, fmt.Errorf("persist scope rotation: %w", err)
	}
	if m.bus != nil && rotationID != "" {
		m.bus.Publish(bus.TopicScopeRotated, bus.ScopeRotation{
			Scope:      scope,
			RotationID: rotationID,
			SessionID:  sessionID,
		})
	}
	return &IssuedToken{Token: token, Scope: scope, SessionID: sessionID, ExpiresAt: expires}, nil
}

// clearGrace drops the previous token, but only if the grace window being
// cleared is still the one this timer was scheduled for.
func (m *Manager) clearGrace(scope, rotationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.scopes[scope]
	if !ok || st.graceID != rotationID {
		return
	}
	st.previous = ""
	st.graceID = ""
}

// VerifyLocal authenticates a presented token without any vault or network
// round trip. Beyond signature and expiry, the session id must be the
// scope's current one or, during the grace window, its immediate
// predecessor.
func (m *Manager) VerifyLocal(ctx context.Context, token string) (*TokenInfo, error) {
	parts := strings.Split(token, ":")
	if len(parts) != 6 {
		return nil, tokenErr(CodeSessionTokenInvalid, "token must have 6 fields, got %d", len(parts))
	}
	if parts[0] != tokenVersion {
		return nil, tokenErr(CodeSessionTokenInvalid, "unsupported token version %q", parts[0])
	}
	scope, sessionID := parts[1], parts[2]

	createdMs, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return nil, tokenErr(CodeSessionTokenInvalid, "malformed createdAt")
	}
	expiresMs, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return nil, tokenErr(CodeSessionTokenInvalid, "malformed expiresAt")
	}
	if expiresMs <= createdMs {
		return nil, tokenErr(CodeSessionTokenInvalid, "expiresAt precedes createdAt")
	}
	expires := time.UnixMilli(expiresMs)
	if time.Now().After(expires) {
		return nil, tokenErr(CodeSessionTokenExpired, "token expired at %s", expires.UTC().Format(time.RFC3339))
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, tokenErr(CodeSessionTokenInvalid, "signature is not base64url")
	}
	if !m.key.Verify([]byte(strings.Join(parts[:5], ":")), sig) {
		return nil, tokenErr(CodeSessionTokenInvalid, "signature verification failed")
	}

	if err := m.checkCurrency(ctx, scope, sessionID); err != nil {
		return nil, err
	}
	return &TokenInfo{Scope: scope, SessionID: sessionID, ExpiresAt: expires}, nil
}

// checkCurrency enforces rotation: a signed, unexpired token is still
// rejected once a successor exists and the grace window has closed. Scope
// state is seeded from the store after a restart.
func (m *Manager) checkCurrency(ctx context.Context, scope, sessionID string) error {
	m.mu.Lock()
	st, ok := m.scopes[scope]
	m.mu.Unlock()
	if !ok {
		rec, err := m.store.ScopeRecordFor(ctx, scope)
		if err != nil {
			return fmt.Errorf("load scope record: %w", err)
		}
		if rec == nil {
			return tokenErr(CodeSessionTokenInvalid, "unknown scope %q", scope)
		}
		m.mu.Lock()
		if st, ok = m.scopes[scope]; !ok {
			st = &scopeState{current: rec.CurrentSessionID}
			m.scopes[scope] = st
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID == st.current || (st.previous != "" && sessionID == st.previous) {
		return nil
	}
	return tokenErr(CodeSessionTokenInvalid, "token superseded by rotation")
}

// HandleExchange performs the one-time bootstrap for a scope. The agent
// presents the static pre-shared secret; on success the scope turns strict
// and the static secret is dead for it from then on, survives restarts.
func (m *Manager) HandleExchange(ctx context.Context, scope string, presented []byte) (*ExchangeResult, error) {
	strict, err := m.store.ScopeAutoStrict(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("check scope strictness: %w", err)
	}
	if strict {
		return nil, ErrScopeStrict
	}
	if len(m.secret) == 0 || subtle.ConstantTimeCompare(presented, m.secret) != 1 {
		return nil, ErrBadExchangeSecret
	}

	issued, err := m.Issue(ctx, scope, 0)
	if err != nil {
		return nil, err
	}
	if err := m.store.MarkScopeStrict(ctx, scope); err != nil {
		return nil, fmt.Errorf("persist scope strictness: %w", err)
	}
	return &ExchangeResult{
		Token:           issued.Token,
		ExpiresAt:       issued.ExpiresAt,
		PublicKey:       base64.StdEncoding.EncodeToString(m.signer.PublicKey()),
		RefreshWindowMs: m.refreshWindow.Milliseconds(),
	}, nil
}

// HandleRefresh rotates the presented token into a fresh one for the same
// scope.
func (m *Manager) HandleRefresh(ctx context.Context, token string) (*IssuedToken, error) {
	info, err := m.VerifyLocal(ctx, token)
	if err != nil {
		return nil, err
	}
	return m.Issue(ctx, info.Scope, 0)
}
