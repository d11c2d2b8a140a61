package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// RFC 6238 parameters matching what authenticator apps expect by default:
// SHA1, 6 digits, 30-second step.
const (
	secretBytes = 20
	codeDigits  = 6
	stepSeconds = 30

	// skewSteps accepts one step of clock drift in either direction.
	skewSteps = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateSecret returns a fresh 160-bit secret and its base32 form.
func generateSecret() (raw []byte, encoded string, err error) {
	raw = make([]byte, secretBytes)
	if _, err = rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate totp secret: %w", err)
	}
	return raw, b32.EncodeToString(raw), nil
}

// provisioningURI builds the otpauth:// URI an authenticator app enrolls
// from via QR code.
func provisioningURI(issuer, account, secretB32 string) string {
	label := url.PathEscape(issuer + ":" + account)
	q := url.Values{}
	q.Set("secret", secretB32)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", "6")
	q.Set("period", "30")
	return "otpauth://totp/" + label + "?" + q.Encode()
}

// validateCode checks a 6-digit code against the secret at time t, allowing
// skewSteps of drift either way.
func validateCode(secret []byte, code string, t time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != codeDigits {
		return false
	}
	counter := t.Unix() / stepSeconds
	for c := counter - skewSteps; c <= counter+skewSteps; c++ {
		if subtle.ConstantTimeCompare([]byte(hotp(secret, c)), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotp computes the truncated HOTP value for one counter (RFC 4226).
func hotp(secret []byte, counter int64) string {
	var msg [8]byte
	for i := 7; i >= 0; i-- {
		msg[i] = byte(counter & 0xff)
		counter >>= 8
	}
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := int(sum[len(sum)-1] & 0x0f)
	bin := (int(sum[offset])&0x7f)<<24 | int(sum[offset+1])<<16 | int(sum[offset+2])<<8 | int(sum[offset+3])
	return fmt.Sprintf("%06d", bin%1000000)
}
