package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing shapes in log, event, and
// error strings. ERROR payloads on the wire go through the same filter
// as log lines, so credentials never leave the process in either path.
var secretPatterns = []*regexp.Regexp{
	// key=value style assignments with key-like prefixes
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization header bearer tokens
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Google-style API keys
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Telegram bot tokens (numeric id, colon, secret)
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`),
	// UUID-shaped tokens following auth-related prefixes
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
	// token query parameters in URLs
	regexp.MustCompile(`(?i)([?&]token=)([A-Za-z0-9_\-./+=]{8,})`),
}

// Redact replaces secret-bearing patterns in the input with [REDACTED],
// keeping the key-like prefix so the line stays readable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactValue returns [REDACTED] when the key name looks secret,
// otherwise the value unchanged. Used for config views and env dumps.
func RedactValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
