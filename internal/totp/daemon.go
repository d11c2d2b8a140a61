// Package totp is the process-isolated identity gate: a daemon holding
// per-user TOTP secrets behind an owner-only unix socket, a client the relay
// uses to reach it, and the short-term session cache gating approvals on a
// recent verification.
package totp

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

const (
	// socketMode is the only acceptable permission mask for the IPC
	// socket. Startup re-checks the filesystem after chmod and refuses to
	// serve if anything else is observed.
	socketMode = os.FileMode(0o600)

	sweepEvery = time.Minute

	// maxFrameBytes bounds one request line.
	maxFrameBytes = 16 * 1024
)

// Daemon serves the TOTP protocol over a unix socket. Secrets live in its
// SecretStore and never leave the process.
type Daemon struct {
	socketPath string
	issuer     string
	store      SecretStore
	logger     *slog.Logger
	limiter    *limiter
	reqFrames  *frameValidator

	mu sync.Mutex
	ln net.Listener

	done chan struct{}
	wg   sync.WaitGroup
}

// NewDaemon constructs a daemon serving at socketPath. issuer names this
// install in provisioning URIs.
func NewDaemon(socketPath, issuer string, store SecretStore, logger *slog.Logger) (*Daemon, error) {
	reqFrames, err := newFrameValidator("totp-request.json", requestSchema)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		socketPath: socketPath,
		issuer:     issuer,
		store:      store,
		logger:     logger.With("component", "totpd"),
		limiter:    newLimiter(),
		reqFrames:  reqFrames,
		done:       make(chan struct{}),
	}, nil
}

// Start binds the socket and begins serving. It fails hard if the socket
// cannot be restricted to the owning user. The rate-limit sweep timer runs
// only while the daemon does.
func (d *Daemon) Start() error {
	if err := os.Remove(d.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.socketPath, err)
	}
	if err := os.Chmod(d.socketPath, socketMode); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	// Trust the filesystem, not the chmod return value.
	info, err := os.Stat(d.socketPath)
	if err != nil {
		ln.Close()
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode().Perm() != socketMode {
		ln.Close()
		os.Remove(d.socketPath)
		return fmt.Errorf("socket mode is %o, refusing to serve", info.Mode().Perm())
	}

	d.mu.Lock()
	d.ln = ln
	d.mu.Unlock()

	d.wg.Add(2)
	go d.sweepLoop()
	go d.acceptLoop(ln)

	d.logger.Info("totp daemon listening", "socket", d.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight connections, and removes the
// socket file.
func (d *Daemon) Stop() {
	d.mu.Lock()
	ln := d.ln
	d.ln = nil
	d.mu.Unlock()
	if ln == nil {
		return
	}
	close(d.done)
	ln.Close()
	d.wg.Wait()
	os.Remove(d.socketPath)
	d.logger.Info("totp daemon stopped")
}

func (d *Daemon) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			d.limiter.sweep(now)
		case <-d.done:
			return
		}
	}
}

func (d *Daemon) acceptLoop(ln net.Listener) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("accept failed", "error", err)
			continue
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.handleConn(conn)
		}()
	}
}

// handleConn serves one connection. Requests on a connection are handled
// serially; independent connections run concurrently.
func (d *Daemon) handleConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		req, err := decodeRequest(d.reqFrames, line)
		var resp *Response
		if err != nil {
			resp = &Response{OK: false, Op: "invalid", Error: "bad_request", Reason: err.Error()}
		} else {
			resp = d.dispatch(req)
		}
		if err := enc.Encode(resp); err != nil {
			d.logger.Warn("write response failed", "error", err)
			return
		}
	}
}

// dispatch routes one validated request. Every op is exhaustively matched;
// the validator has already constrained op to this set.
func (d *Daemon) dispatch(req *Request) *Response {
	switch req.Op {
	case OpPing:
		return &Response{OK: true, Op: OpPing}
	case OpSetup:
		return d.handleSetup(req)
	case OpVerify:
		return d.handleVerify(req)
	case OpCheck:
		return d.handleCheck(req)
	case OpDisable:
		return d.handleDisable(req)
	default:
		return &Response{OK: false, Op: req.Op, Error: "bad_request", Reason: "unknown op"}
	}
}

func (d *Daemon) handleSetup(req *Request) *Response {
	if req.LocalUserID == "" {
		return &Response{OK: false, Op: OpSetup, Error: "bad_request", Reason: "localUserId required"}
	}
	if _, exists, err := d.store.Get(req.LocalUserID); err != nil {
		return d.storeFailure(OpSetup, err)
	} else if exists {
		return &Response{OK: false, Op: OpSetup, Error: "already_enrolled"}
	}

	raw, encoded, err := generateSecret()
	if err != nil {
		return d.storeFailure(OpSetup, err)
	}
	if err := d.store.Put(req.LocalUserID, raw); err != nil {
		return d.storeFailure(OpSetup, err)
	}
	label := req.Label
	if label == "" {
		label = req.LocalUserID
	}
	d.logger.Info("totp enrolled", "user", req.LocalUserID)
	return &Response{OK: true, Op: OpSetup, URI: provisioningURI(d.issuer, label, encoded)}
}

func (d *Daemon) handleVerify(req *Request) *Response {
	if req.LocalUserID == "" || req.Code == "" {
		return &Response{OK: false, Op: OpVerify, Error: "bad_request", Reason: "localUserId and code required"}
	}
	// Rate limiting gates the attempt before any code math runs.
	if retryAfter := d.limiter.allow(req.LocalUserID, time.Now()); retryAfter > 0 {
		d.logger.Warn("totp verify rate limited", "user", req.LocalUserID)
		return &Response{
			OK:           false,
			Op:           OpVerify,
			Error:        CodeTOTPRateLimited,
			RetryAfterMs: retryAfter.Milliseconds(),
		}
	}

	secret, exists, err := d.store.Get(req.LocalUserID)
	if err != nil {
		return d.storeFailure(OpVerify, err)
	}
	if !exists {
		return &Response{OK: false, Op: OpVerify, Error: "not_enrolled"}
	}
	if !validateCode(secret, req.Code, time.Now()) {
		return &Response{OK: true, Op: OpVerify, Valid: false}
	}
	d.limiter.reset(req.LocalUserID)
	return &Response{OK: true, Op: OpVerify, Valid: true}
}

func (d *Daemon) handleCheck(req *Request) *Response {
	if req.LocalUserID == "" {
		return &Response{OK: false, Op: OpCheck, Error: "bad_request", Reason: "localUserId required"}
	}
	_, exists, err := d.store.Get(req.LocalUserID)
	if err != nil {
		return d.storeFailure(OpCheck, err)
	}
	return &Response{OK: true, Op: OpCheck, Enabled: exists}
}

func (d *Daemon) handleDisable(req *Request) *Response {
	if req.LocalUserID == "" {
		return &Response{OK: false, Op: OpDisable, Error: "bad_request", Reason: "localUserId required"}
	}
	removed, err := d.store.Delete(req.LocalUserID)
	if err != nil {
		return d.storeFailure(OpDisable, err)
	}
	if removed {
		d.limiter.reset(req.LocalUserID)
		d.logger.Info("totp disabled", "user", req.LocalUserID)
	}
	return &Response{OK: true, Op: OpDisable, Removed: removed}
}

// storeFailure logs the underlying error and returns an opaque frame. Secret
// store details never cross the socket.
func (d *Daemon) storeFailure(op string, err error) *Response {
	d.logger.Error("secret store failure", "op", op, "error", err)
	return &Response{OK: false, Op: op, Error: "internal"}
}
