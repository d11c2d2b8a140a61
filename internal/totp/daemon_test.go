package totp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startTestDaemon(t *testing.T) (*Daemon, *Client) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "secrets.json"))
	if err != nil {
		t.Fatalf("secret store: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	socket := filepath.Join(dir, "totpd.sock")
	d, err := NewDaemon(socket, "leash", store, logger)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	t.Cleanup(d.Stop)

	c, err := NewClient(socket, time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return d, c
}

// secretFromURI pulls the shared secret back out of a provisioning URI so
// tests can compute the codes an authenticator app would show.
func secretFromURI(t *testing.T, uri string) []byte {
	t.Helper()
	u, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	raw, err := b32.DecodeString(u.Query().Get("secret"))
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	return raw
}

func currentCode(secret []byte) string {
	return hotp(secret, time.Now().Unix()/stepSeconds)
}

func TestDaemon_EndToEnd(t *testing.T) {
	_, c := startTestDaemon(t)
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	enabled, err := c.Check(ctx, "alice")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if enabled {
		t.Fatal("unenrolled user reported enabled")
	}

	uri, err := c.Setup(ctx, "alice", "alice@laptop")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	secret := secretFromURI(t, uri)

	if _, err := c.Setup(ctx, "alice", "again"); !errors.Is(err, ErrAlreadyEnrolled) {
		t.Fatalf("second setup: err = %v, want ErrAlreadyEnrolled", err)
	}

	if err := c.Verify(ctx, "alice", currentCode(secret)); err != nil {
		t.Fatalf("verify valid code: %v", err)
	}
	if err := c.Verify(ctx, "alice", "000000"); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("verify wrong code: err = %v, want ErrInvalidCode", err)
	}

	enabled, err = c.Check(ctx, "alice")
	if err != nil || !enabled {
		t.Fatalf("check after enroll: enabled = %v, err = %v", enabled, err)
	}

	removed, err := c.Disable(ctx, "alice")
	if err != nil || !removed {
		t.Fatalf("disable: removed = %v, err = %v", removed, err)
	}
	removed, err = c.Disable(ctx, "alice")
	if err != nil || removed {
		t.Fatalf("second disable: removed = %v, err = %v", removed, err)
	}
	if err := c.Verify(ctx, "alice", "123456"); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("verify after disable: err = %v, want ErrNotEnrolled", err)
	}
}

func TestDaemon_SocketPermissions(t *testing.T) {
	d, _ := startTestDaemon(t)

	info, err := os.Stat(d.socketPath)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode().Perm() != socketMode {
		t.Errorf("socket mode = %o, want %o", info.Mode().Perm(), socketMode)
	}
}

func TestDaemon_RateLimitsVerify(t *testing.T) {
	_, c := startTestDaemon(t)
	ctx := context.Background()

	uri, err := c.Setup(ctx, "alice", "alice")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	secret := secretFromURI(t, uri)

	for i := 0; i < rateMax; i++ {
		if err := c.Verify(ctx, "alice", "000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: err = %v", i+1, err)
		}
	}

	// The 6th attempt is refused even though the code is correct.
	err = c.Verify(ctx, "alice", currentCode(secret))
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("6th attempt: err = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("retry-after = %s", rl.RetryAfter)
	}
}

func TestDaemon_RejectsMalformedFrames(t *testing.T) {
	d, _ := startTestDaemon(t)

	conn, err := net.Dial("unix", d.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))

	cases := []string{
		`not json`,
		`{"op":"launch"}`,
		`{"op":"verify","localUserId":"alice","code":"abcdef"}`,
		`{"op":"ping","extra":true}`,
	}
	reader := bufio.NewReader(conn)
	for _, frame := range cases {
		if _, err := conn.Write([]byte(frame + "\n")); err != nil {
			t.Fatalf("write %q: %v", frame, err)
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read response for %q: %v", frame, err)
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.Fatalf("decode response for %q: %v", frame, err)
		}
		if resp.OK || resp.Error != "bad_request" {
			t.Errorf("frame %q: response = %+v, want bad_request", frame, resp)
		}
	}
}

func TestClient_DaemonUnavailable(t *testing.T) {
	c, err := NewClient(filepath.Join(t.TempDir(), "missing.sock"), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := c.Ping(context.Background()); !errors.Is(err, ErrDaemonUnavailable) {
		t.Fatalf("err = %v, want ErrDaemonUnavailable", err)
	}
}
