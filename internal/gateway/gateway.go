// Package gateway is the relay's HTTP surface: the session-token bootstrap
// and refresh endpoints, the action endpoint enforcing the sidecar header
// contract, and the middleware protecting them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/leash/internal/approvaltoken"
	"github.com/basket/leash/internal/audit"
	"github.com/basket/leash/internal/config"
	"github.com/basket/leash/internal/otel"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/session"
	"go.opentelemetry.io/otel/trace"
)

// Config wires the server's collaborators. Logger is required; Audit,
// Metrics, Policy, and Tracer may be nil.
type Config struct {
	Store    *persistence.Store
	Sessions *session.Manager
	Verifier *approvaltoken.Verifier
	Audit    *audit.Log
	Metrics  *otel.Metrics
	Policy   *config.LivePolicy
	Tracer   trace.Tracer
	Logger   *slog.Logger
}

// Server handles relay HTTP traffic.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs a server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "gateway")}
}

// Handler builds the route table. Auth and rate limiting are layered on by
// the caller via the middleware Wrap methods.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/auth/token-exchange", s.handleTokenExchange)
	mux.HandleFunc("/v1/auth/token-refresh", s.handleTokenRefresh)
	mux.HandleFunc("/v1/actions", s.handleAction)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := s.cfg.Store.DB().PingContext(r.Context()) == nil
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":  dbOK,
		"database": dbOK,
	})
}

type exchangeRequest struct {
	Scope  string `json:"scope"`
	Secret string `json:"secret"`
}

func (s *Server) handleTokenExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "POST required")
		return
	}
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Scope == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "scope and secret required")
		return
	}

	ctx := r.Context()
	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway.token_exchange",
			otel.AttrScope.String(req.Scope))
		defer span.End()
	}

	res, err := s.cfg.Sessions.HandleExchange(ctx, req.Scope, []byte(req.Secret))
	switch {
	case errors.Is(err, session.ErrScopeStrict):
		s.logger.Warn("static secret presented for strict scope", "scope", req.Scope)
		writeError(w, http.StatusForbidden, session.CodeSessionTokenInvalid, "scope requires session token authentication")
		return
	case errors.Is(err, session.ErrBadExchangeSecret):
		writeError(w, http.StatusUnauthorized, session.CodeSessionTokenInvalid, "exchange secret rejected")
		return
	case err != nil:
		s.logger.Error("token exchange failed", "scope", req.Scope, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "token exchange failed")
		return
	}

	s.logger.Info("scope bootstrapped", "scope", req.Scope)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":              true,
		"token":           res.Token,
		"expiresAt":       res.ExpiresAt.UnixMilli(),
		"publicKey":       res.PublicKey,
		"refreshWindowMs": res.RefreshWindowMs,
	})
}

type refreshRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "POST required")
		return
	}
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "token required")
		return
	}

	issued, err := s.cfg.Sessions.HandleRefresh(r.Context(), req.Token)
	if err != nil {
		var te *session.TokenError
		if errors.As(err, &te) {
			writeError(w, http.StatusUnauthorized, te.Code(), te.Reason)
			return
		}
		s.logger.Error("token refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "token refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"token":     issued.Token,
		"expiresAt": issued.ExpiresAt.UnixMilli(),
	})
}

// Serve runs an http.Server for handler until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info("gateway listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// writeError emits the relay's uniform failure body. retryAfter headers are
// set by callers that know one.
func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]any{
		"ok":     false,
		"error":  code,
		"reason": reason,
	})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, code, reason string) {
	w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
	writeError(w, http.StatusTooManyRequests, code, reason)
}
