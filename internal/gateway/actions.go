package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/basket/leash/internal/approvaltoken"
	"github.com/basket/leash/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// Sidecar header contract.
const (
	HeaderActorUserID   = "x-actor-user-id"
	HeaderApprovalToken = "x-approval-token"
)

type actionRequest struct {
	Service       string          `json:"service"`
	Action        string          `json:"action"`
	Params        json.RawMessage `json:"params"`
	SubjectUserID *string         `json:"subjectUserId"`
}

// readOnlyPrefixes name action families that never mutate remote state and
// so need no approval token. Everything else is treated as mutating.
var readOnlyPrefixes = []string{"get_", "list_", "search_", "read_", "fetch_"}

func isReadOnlyAction(action string) bool {
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}

// exemptFromApproval decides whether the action needs an approval token. The
// prefix heuristic is the default; an operator-authored policy entry
// overrides it in either direction (a read_only tier exempts, any other tier
// demands a token even for read-prefixed actions).
func (s *Server) exemptFromApproval(service, action string) bool {
	if s.cfg.Policy != nil {
		switch s.cfg.Policy.TierFor(service, action) {
		case "read_only":
			return true
		case "safe_writes", "owner_full":
			return false
		}
	}
	return isReadOnlyAction(action)
}

// handleAction enforces the header contract: x-actor-user-id on every
// request, x-approval-token verified against the exact request body for
// mutating actions. Actual execution belongs to the provider sidecars; this
// endpoint owns admission.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "POST required")
		return
	}
	start := time.Now()

	actor := r.Header.Get(HeaderActorUserID)
	if actor == "" {
		writeError(w, http.StatusBadRequest, "bad_request", HeaderActorUserID+" header required")
		return
	}
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Service == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "service and action required")
		return
	}

	if s.cfg.Tracer != nil {
		ctx, span := otel.StartServerSpan(r.Context(), s.cfg.Tracer, "gateway.action",
			otel.AttrActor.String(actor),
			otel.AttrService.String(req.Service),
			otel.AttrAction.String(req.Action),
		)
		defer span.End()
		r = r.WithContext(ctx)
	}

	if s.exemptFromApproval(req.Service, req.Action) {
		s.finishAction(w, r, actor, &req, "", start)
		return
	}

	token := r.Header.Get(HeaderApprovalToken)
	incoming := approvaltoken.ActionRequest{
		Service:       req.Service,
		Action:        req.Action,
		Params:        req.Params,
		ActorUserID:   actor,
		SubjectUserID: req.SubjectUserID,
	}
	claims, err := s.cfg.Verifier.Verify(r.Context(), token, incoming)
	if err != nil {
		s.rejectAction(w, r, actor, &req, err)
		return
	}
	s.finishAction(w, r, actor, &req, claims.JTI, start)
}

func (s *Server) rejectAction(w http.ResponseWriter, r *http.Request, actor string, req *actionRequest, err error) {
	code, status := "internal", http.StatusInternalServerError
	var ve *approvaltoken.VerifyError
	if errors.As(err, &ve) {
		code = ve.Code()
		switch code {
		case approvaltoken.CodeApprovalRequired, approvaltoken.CodeApprovalExpired:
			status = http.StatusUnauthorized
		case approvaltoken.CodeApprovalMismatch:
			status = http.StatusForbidden
		case approvaltoken.CodeApprovalReplayed:
			status = http.StatusConflict
		}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(otel.AttrErrorCode.String(code))
	s.logger.Warn("action denied",
		"actor", actor,
		"service", req.Service,
		"action", req.Action,
		"code", code,
	)
	if s.cfg.Audit != nil {
		subject := ""
		if req.SubjectUserID != nil {
			subject = *req.SubjectUserID
		}
		s.cfg.Audit.Record("deny", req.Service+"."+req.Action, code, actor, subject)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TokenVerifyFailures.Add(r.Context(), 1)
	}
	writeError(w, status, code, err.Error())
}

func (s *Server) finishAction(w http.ResponseWriter, r *http.Request, actor string, req *actionRequest, jti string, start time.Time) {
	if s.cfg.Audit != nil {
		subject := ""
		if req.SubjectUserID != nil {
			subject = *req.SubjectUserID
		}
		s.cfg.Audit.Record("allow", req.Service+"."+req.Action, "admitted", actor, subject)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"result": map[string]any{
			"service":  req.Service,
			"action":   req.Action,
			"admitted": true,
			"jti":      jti,
		},
	})
}
