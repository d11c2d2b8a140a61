package totp

import (
	"sync"
	"time"
)

// Rate limit parameters. A 6-digit code has a million-value search space;
// five attempts per minute with a five-minute lockout makes online brute
// force impractical within any token lifetime.
const (
	rateWindow   = time.Minute
	rateMax      = 5
	lockoutFor   = 5 * time.Minute
	staleEntryAt = 10 * time.Minute
)

// limiter tracks verification attempts per local user. Instance state owned
// by the daemon, never package-global.
type limiter struct {
	mu          sync.Mutex
	attempts    map[string][]time.Time
	lockedUntil map[string]time.Time
}

func newLimiter() *limiter {
	return &limiter{
		attempts:    make(map[string][]time.Time),
		lockedUntil: make(map[string]time.Time),
	}
}

// allow admits one verification attempt. A zero retryAfter means the attempt
// may proceed; otherwise the user is locked out for that long.
func (l *limiter) allow(localUserID string, now time.Time) (retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until, ok := l.lockedUntil[localUserID]; ok {
		if now.Before(until) {
			return until.Sub(now)
		}
		delete(l.lockedUntil, localUserID)
		delete(l.attempts, localUserID)
	}

	recent := pruneBefore(l.attempts[localUserID], now.Add(-rateWindow))
	if len(recent) >= rateMax {
		l.lockedUntil[localUserID] = now.Add(lockoutFor)
		l.attempts[localUserID] = recent
		return lockoutFor
	}
	l.attempts[localUserID] = append(recent, now)
	return 0
}

// reset clears the window after a successful verification.
func (l *limiter) reset(localUserID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, localUserID)
	delete(l.lockedUntil, localUserID)
}

// sweep drops entries idle long enough that they cannot influence any
// future decision.
func (l *limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for user, times := range l.attempts {
		// pruneBefore compacts into the same backing array, so the map
		// entry must be rebound to the shortened slice.
		kept := pruneBefore(times, now.Add(-staleEntryAt))
		l.attempts[user] = kept
		if len(kept) == 0 {
			if until, locked := l.lockedUntil[user]; !locked || now.After(until) {
				delete(l.attempts, user)
				delete(l.lockedUntil, user)
			}
		}
	}
	for user, until := range l.lockedUntil {
		if now.After(until) {
			if _, ok := l.attempts[user]; !ok {
				delete(l.lockedUntil, user)
			}
		}
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
