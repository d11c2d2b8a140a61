package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing material that must never reach
// logs, audit rows, or chat replies.
var secretPatterns = []*regexp.Regexp{
	// Approval tokens: v1.<claimsB64>.<sigB64>
	regexp.MustCompile(`\bv1\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\b`),
	// Session tokens: v3:<scope>:<sessionId>:<createdAt>:<expiresAt>:<sigB64>
	regexp.MustCompile(`\bv3:[A-Za-z0-9_\-]+:[A-Za-z0-9\-]+:\d+:\d+:[A-Za-z0-9_\-]{8,}\b`),
	// otpauth enrollment URIs carry the shared TOTP secret in the query string.
	regexp.MustCompile(`otpauth://totp/[^\s"]+`),
	// Generic key/secret/token assignments.
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|static[_-]?secret|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./:+=]{16,})`),
}

// Redact replaces credential-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns a redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential", "totp"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
