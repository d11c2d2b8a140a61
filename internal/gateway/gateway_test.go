package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/leash/internal/approvaltoken"
	"github.com/basket/leash/internal/config"
	"github.com/basket/leash/internal/gateway"
	"github.com/basket/leash/internal/otel"
	"github.com/basket/leash/internal/persistence"
	"github.com/basket/leash/internal/session"
	"github.com/basket/leash/internal/signer"
)

type testRig struct {
	server   *gateway.Server
	handler  http.Handler
	store    *persistence.Store
	sessions *session.Manager
	tokens   *approvaltoken.Service
	verifier *approvaltoken.Verifier
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	local, err := signer.NewLocal()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leash.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := signer.NewCachedVerifier(local.PublicKey())
	if err != nil {
		t.Fatalf("cached verifier: %v", err)
	}
	sessions := session.NewManager(local, key, store, nil, session.Options{
		TTL:            time.Hour,
		GraceWindow:    time.Minute,
		RefreshWindow:  10 * time.Minute,
		ExchangeSecret: []byte("bootstrap-secret"),
	})
	t.Cleanup(sessions.Close)

	verifier := approvaltoken.NewVerifier(key, store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := gateway.New(gateway.Config{
		Store:    store,
		Sessions: sessions,
		Verifier: verifier,
		Logger:   logger,
	})
	return &testRig{
		server:   srv,
		handler:  srv.Handler(),
		store:    store,
		sessions: sessions,
		tokens:   approvaltoken.NewService(local, "leash-relay", "leash-sidecars", 5*time.Minute, nil),
		verifier: verifier,
	}
}

func postJSON(t *testing.T, h http.Handler, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	rig := newTestRig(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["healthy"] != true {
		t.Errorf("healthy = %v", body["healthy"])
	}
}

func TestTokenExchange(t *testing.T) {
	rig := newTestRig(t)

	t.Run("bootstrap succeeds with the static secret", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/auth/token-exchange",
			map[string]string{"scope": "agent-a", "secret": "bootstrap-secret"}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["token"] == "" || body["publicKey"] == "" {
			t.Errorf("incomplete exchange response: %v", body)
		}
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/auth/token-exchange",
			map[string]string{"scope": "agent-b", "secret": "wrong"}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("second exchange for a bootstrapped scope is refused", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/auth/token-exchange",
			map[string]string{"scope": "agent-a", "secret": "bootstrap-secret"}, nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["error"] != session.CodeSessionTokenInvalid {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("missing scope is a bad request", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/auth/token-exchange",
			map[string]string{"secret": "bootstrap-secret"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestTokenRefresh(t *testing.T) {
	rig := newTestRig(t)

	rec := postJSON(t, rig.handler, "/v1/auth/token-exchange",
		map[string]string{"scope": "agent-r", "secret": "bootstrap-secret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("exchange: %d", rec.Code)
	}
	token := decodeBody(t, rec)["token"].(string)

	t.Run("valid token refreshes", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/auth/token-refresh",
			map[string]string{"token": token}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		next := decodeBody(t, rec)["token"].(string)
		if next == token {
			t.Error("refresh returned the same token")
		}
	})

	t.Run("garbage token is unauthorized", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/auth/token-refresh",
			map[string]string{"token": "v3:not:a:real:token:sig"}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["error"] != session.CodeSessionTokenInvalid {
			t.Errorf("error = %v", body["error"])
		}
	})
}

func TestActionEndpoint(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	t.Run("missing actor header is rejected", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/actions",
			map[string]any{"service": "gmail", "action": "send_email"}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("read-only actions need no approval token", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/actions",
			map[string]any{"service": "gmail", "action": "list_threads"},
			map[string]string{gateway.HeaderActorUserID: "user-1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("mutating action without token is unauthorized", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/actions",
			map[string]any{"service": "gmail", "action": "send_email", "params": map[string]any{"to": "a@b.c"}},
			map[string]string{gateway.HeaderActorUserID: "user-1"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
		body := decodeBody(t, rec)
		if body["error"] != approvaltoken.CodeApprovalRequired {
			t.Errorf("error = %v", body["error"])
		}
	})

	params := json.RawMessage(`{"to":"a@b.c","subject":"hi"}`)
	draft := approvaltoken.ActionRequest{
		Service:     "gmail",
		Action:      "send_email",
		Params:      params,
		ActorUserID: "user-1",
	}
	token, _, err := rig.tokens.Generate(ctx, draft)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	actionBody := map[string]any{
		"service": "gmail",
		"action":  "send_email",
		"params":  json.RawMessage(params),
	}
	headers := map[string]string{
		gateway.HeaderActorUserID:   "user-1",
		gateway.HeaderApprovalToken: token,
	}

	t.Run("valid token admits the action", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/actions", actionBody, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("replaying the same token conflicts", func(t *testing.T) {
		rec := postJSON(t, rig.handler, "/v1/actions", actionBody, headers)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["error"] != approvaltoken.CodeApprovalReplayed {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("token bound to different params is forbidden", func(t *testing.T) {
		other, _, err := rig.tokens.Generate(ctx, draft)
		if err != nil {
			t.Fatalf("generate token: %v", err)
		}
		tampered := map[string]any{
			"service": "gmail",
			"action":  "send_email",
			"params":  json.RawMessage(`{"to":"evil@b.c","subject":"hi"}`),
		}
		rec := postJSON(t, rig.handler, "/v1/actions", tampered,
			map[string]string{
				gateway.HeaderActorUserID:   "user-1",
				gateway.HeaderApprovalToken: other,
			})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
		body := decodeBody(t, rec)
		if body["error"] != approvaltoken.CodeApprovalMismatch {
			t.Errorf("error = %v", body["error"])
		}
	})
}

func TestActionPolicyOverride(t *testing.T) {
	rig := newTestRig(t)
	policy := config.NewLivePolicy(config.Policy{Tiers: map[string]string{
		"gmail.list_threads": "owner_full",
		"notes":              "read_only",
	}})
	srv := gateway.New(gateway.Config{
		Store:    rig.store,
		Sessions: rig.sessions,
		Verifier: rig.verifier,
		Policy:   policy,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	handler := srv.Handler()
	headers := map[string]string{gateway.HeaderActorUserID: "user-1"}

	t.Run("policy demands a token for a read-prefixed action", func(t *testing.T) {
		rec := postJSON(t, handler, "/v1/actions",
			map[string]any{"service": "gmail", "action": "list_threads"}, headers)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
	})

	t.Run("policy exempts a write-looking action", func(t *testing.T) {
		rec := postJSON(t, handler, "/v1/actions",
			map[string]any{"service": "notes", "action": "append_entry"}, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unlisted service falls back to the prefix heuristic", func(t *testing.T) {
		rec := postJSON(t, handler, "/v1/actions",
			map[string]any{"service": "calendar", "action": "get_event"}, headers)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	})
}

func TestSessionAuthMiddleware(t *testing.T) {
	rig := newTestRig(t)
	wrapped := gateway.NewSessionAuthMiddleware(rig.sessions, true).Wrap(rig.handler)

	t.Run("open paths skip auth", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("protected path without bearer is unauthorized", func(t *testing.T) {
		rec := postJSON(t, wrapped, "/v1/actions",
			map[string]any{"service": "gmail", "action": "list_threads"},
			map[string]string{gateway.HeaderActorUserID: "user-1"})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", rec.Code)
		}
	})

	t.Run("valid bearer passes through", func(t *testing.T) {
		rec := postJSON(t, wrapped, "/v1/auth/token-exchange",
			map[string]string{"scope": "agent-m", "secret": "bootstrap-secret"}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("exchange: %d", rec.Code)
		}
		token := decodeBody(t, rec)["token"].(string)

		rec = postJSON(t, wrapped, "/v1/actions",
			map[string]any{"service": "gmail", "action": "list_threads"},
			map[string]string{
				gateway.HeaderActorUserID: "user-1",
				"Authorization":           "Bearer " + token,
			})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("disabled middleware passes everything", func(t *testing.T) {
		open := gateway.NewSessionAuthMiddleware(rig.sessions, false).Wrap(rig.handler)
		rec := postJSON(t, open, "/v1/actions",
			map[string]any{"service": "gmail", "action": "list_threads"},
			map[string]string{gateway.HeaderActorUserID: "user-1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	rig := newTestRig(t)
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{
		Enabled:           true,
		RequestsPerMinute: 60,
		BurstSize:         3,
	})
	wrapped := rl.Wrap(rig.handler)

	body := map[string]any{"service": "gmail", "action": "list_threads"}
	headers := map[string]string{gateway.HeaderActorUserID: "burst-user"}

	for i := 0; i < 3; i++ {
		if rec := postJSON(t, wrapped, "/v1/actions", body, headers); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d", i, rec.Code)
		}
	}
	rec := postJSON(t, wrapped, "/v1/actions", body, headers)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	// A different actor gets its own bucket.
	if rec := postJSON(t, wrapped, "/v1/actions", body,
		map[string]string{gateway.HeaderActorUserID: "other-user"}); rec.Code != http.StatusOK {
		t.Fatalf("other actor: status = %d", rec.Code)
	}

	// Health checks bypass the limiter.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	hrec := httptest.NewRecorder()
	wrapped.ServeHTTP(hrec, req)
	if hrec.Code != http.StatusOK {
		t.Fatalf("healthz: status = %d", hrec.Code)
	}

	if rl.BucketCount() != 2 {
		t.Errorf("bucket count = %d, want 2", rl.BucketCount())
	}
	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Errorf("bucket count after eviction = %d, want 0", rl.BucketCount())
	}
}

func TestActionTracing(t *testing.T) {
	rig := newTestRig(t)
	provider, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("otel init: %v", err)
	}
	t.Cleanup(func() { provider.Shutdown(context.Background()) })

	traced := gateway.New(gateway.Config{
		Store:    rig.store,
		Sessions: rig.sessions,
		Verifier: rig.verifier,
		Tracer:   provider.Tracer,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	handler := traced.Handler()

	// Traced requests behave identically to untraced ones, on both the
	// admitted and the denied path.
	rec := postJSON(t, handler, "/v1/actions",
		map[string]any{"service": "gmail", "action": "list_threads"},
		map[string]string{gateway.HeaderActorUserID: "user-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("traced read-only action: status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, handler, "/v1/actions",
		map[string]any{"service": "gmail", "action": "send_email"},
		map[string]string{gateway.HeaderActorUserID: "user-1"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("traced mutating action without token: status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != approvaltoken.CodeApprovalRequired {
		t.Errorf("error code = %v, want %v", body["error"], approvaltoken.CodeApprovalRequired)
	}

	rec = postJSON(t, handler, "/v1/auth/token-exchange",
		map[string]any{"scope": "traced-scope", "secret": "bootstrap-secret"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("traced exchange: status = %d body = %s", rec.Code, rec.Body.String())
	}
}
