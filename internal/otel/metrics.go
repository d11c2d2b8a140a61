package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the relay's metric instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	ApprovalsCreated    metric.Int64Counter
	ApprovalsConsumed   metric.Int64Counter
	ApprovalsDenied     metric.Int64Counter
	ApprovalsExpired    metric.Int64Counter
	TokenVerifyFailures metric.Int64Counter
	TokensIssued        metric.Int64Counter
	ScopeRotations      metric.Int64Counter
	TOTPLockouts        metric.Int64Counter
	RateLimitRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("leash.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsCreated, err = meter.Int64Counter("leash.approvals.created",
		metric.WithDescription("Pending approvals created"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsConsumed, err = meter.Int64Counter("leash.approvals.consumed",
		metric.WithDescription("Pending approvals consumed by an operator confirmation"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsDenied, err = meter.Int64Counter("leash.approvals.denied",
		metric.WithDescription("Pending approvals explicitly denied"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsExpired, err = meter.Int64Counter("leash.approvals.expired",
		metric.WithDescription("Pending approvals removed by the expiry sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.TokenVerifyFailures, err = meter.Int64Counter("leash.token.verify_failures",
		metric.WithDescription("Approval token verification failures, attributed by code"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensIssued, err = meter.Int64Counter("leash.token.issued",
		metric.WithDescription("Approval and session tokens issued"),
	)
	if err != nil {
		return nil, err
	}

	m.ScopeRotations, err = meter.Int64Counter("leash.session.rotations",
		metric.WithDescription("Session token scope rotations"),
	)
	if err != nil {
		return nil, err
	}

	m.TOTPLockouts, err = meter.Int64Counter("leash.totp.lockouts",
		metric.WithDescription("TOTP verification lockouts imposed"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("leash.ratelimit.rejects",
		metric.WithDescription("Requests rejected by the gateway rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
