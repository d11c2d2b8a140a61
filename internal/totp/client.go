package totp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/basket/leash/internal/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultCallTimeout bounds one daemon round trip.
const DefaultCallTimeout = 3 * time.Second

// Client talks to the daemon over its unix socket. Each call is one
// connection, one request frame, one response frame.
type Client struct {
	socketPath string
	timeout    time.Duration
	respFrames *frameValidator
	tracer     trace.Tracer
}

// NewClient builds a client for the socket at path. A non-positive timeout
// takes the default.
func NewClient(path string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	respFrames, err := newFrameValidator("totp-response.json", responseSchema)
	if err != nil {
		return nil, err
	}
	return &Client{socketPath: path, timeout: timeout, respFrames: respFrames}, nil
}

// SetTracer enables a client span per daemon round trip. Safe to leave unset.
func (c *Client) SetTracer(t trace.Tracer) {
	c.tracer = t
}

// call performs one round trip, retrying exactly once on a transport
// failure. Daemon ops are idempotent per request, so a single retry is safe.
func (c *Client) call(ctx context.Context, req *Request) (*Response, error) {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = otel.StartClientSpan(ctx, c.tracer, "totpd."+req.Op)
		defer span.End()
	}
	resp, err := c.do(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnavailable, ctx.Err())
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrDaemonUnavailable, c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrDaemonUnavailable, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrDaemonUnavailable, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrDaemonUnavailable, err)
		}
		return nil, fmt.Errorf("%w: connection closed before response", ErrDaemonUnavailable)
	}
	return decodeResponse(c.respFrames, scanner.Bytes())
}

// Ping checks daemon liveness.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.call(ctx, &Request{Op: OpPing})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("ping rejected: %s", resp.Error)
	}
	return nil
}

// Setup enrolls a user and returns the otpauth:// provisioning URI.
func (c *Client) Setup(ctx context.Context, localUserID, label string) (string, error) {
	resp, err := c.call(ctx, &Request{Op: OpSetup, LocalUserID: localUserID, Label: label})
	if err != nil {
		return "", err
	}
	if !resp.OK {
		if resp.Error == "already_enrolled" {
			return "", ErrAlreadyEnrolled
		}
		return "", fmt.Errorf("setup failed: %s %s", resp.Error, resp.Reason)
	}
	return resp.URI, nil
}

// Verify checks a 6-digit code. A nil return means the code was accepted;
// rejections surface as ErrInvalidCode, ErrNotEnrolled, or a
// *RateLimitedError carrying the wait.
func (c *Client) Verify(ctx context.Context, localUserID, code string) error {
	resp, err := c.call(ctx, &Request{Op: OpVerify, LocalUserID: localUserID, Code: code})
	if err != nil {
		return err
	}
	switch {
	case resp.OK && resp.Valid:
		return nil
	case resp.OK:
		return ErrInvalidCode
	case resp.Error == CodeTOTPRateLimited:
		return &RateLimitedError{RetryAfter: time.Duration(resp.RetryAfterMs) * time.Millisecond}
	case resp.Error == "not_enrolled":
		return ErrNotEnrolled
	default:
		return fmt.Errorf("verify failed: %s %s", resp.Error, resp.Reason)
	}
}

// Check reports whether the user has a TOTP secret enrolled.
func (c *Client) Check(ctx context.Context, localUserID string) (bool, error) {
	resp, err := c.call(ctx, &Request{Op: OpCheck, LocalUserID: localUserID})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, fmt.Errorf("check failed: %s %s", resp.Error, resp.Reason)
	}
	return resp.Enabled, nil
}

// Disable removes the user's secret. Returns whether one was removed.
func (c *Client) Disable(ctx context.Context, localUserID string) (bool, error) {
	resp, err := c.call(ctx, &Request{Op: OpDisable, LocalUserID: localUserID})
	if err != nil {
		return false, err
	}
	if !resp.OK {
		return false, fmt.Errorf("disable failed: %s %s", resp.Error, resp.Reason)
	}
	return resp.Removed, nil
}
