package totp

import (
	"strings"
	"testing"
	"time"
)

// RFC 6238 appendix B vectors (SHA1), truncated to 6 digits.
func TestHOTP_ReferenceVectors(t *testing.T) {
	secret := []byte("12345678901234567890")
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}
	for _, tc := range cases {
		if got := hotp(secret, tc.unix/stepSeconds); got != tc.want {
			t.Errorf("hotp at t=%d = %q, want %q", tc.unix, got, tc.want)
		}
	}
}

func TestValidateCode_SkewWindow(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0)
	counter := now.Unix() / stepSeconds

	t.Run("current step", func(t *testing.T) {
		if !validateCode(secret, hotp(secret, counter), now) {
			t.Error("current code rejected")
		}
	})
	t.Run("one step behind", func(t *testing.T) {
		if !validateCode(secret, hotp(secret, counter-1), now) {
			t.Error("previous-step code rejected")
		}
	})
	t.Run("one step ahead", func(t *testing.T) {
		if !validateCode(secret, hotp(secret, counter+1), now) {
			t.Error("next-step code rejected")
		}
	})
	t.Run("two steps behind", func(t *testing.T) {
		if validateCode(secret, hotp(secret, counter-2), now) {
			t.Error("code outside skew window accepted")
		}
	})
	t.Run("whitespace tolerated", func(t *testing.T) {
		if !validateCode(secret, " "+hotp(secret, counter)+"\n", now) {
			t.Error("padded code rejected")
		}
	})
	t.Run("wrong length", func(t *testing.T) {
		if validateCode(secret, "12345", now) {
			t.Error("short code accepted")
		}
	})
}

func TestProvisioningURI(t *testing.T) {
	raw, encoded, err := generateSecret()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(raw) != secretBytes {
		t.Fatalf("secret is %d bytes", len(raw))
	}

	uri := provisioningURI("leash", "alice", encoded)
	if !strings.HasPrefix(uri, "otpauth://totp/leash:alice?") {
		t.Errorf("uri = %q", uri)
	}
	for _, part := range []string{"secret=" + encoded, "issuer=leash", "algorithm=SHA1", "digits=6", "period=30"} {
		if !strings.Contains(uri, part) {
			t.Errorf("uri missing %q: %s", part, uri)
		}
	}
}
