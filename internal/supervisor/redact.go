package supervisor

import "regexp"

// Redaction placeholders.
const (
	RedactedURL = "[URL]"
	RedactedKey = "[REDACTED_KEY]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s"'<>]+`), RedactedURL},
	{regexp.MustCompile(`(?i)\b(bearer\s+)[A-Za-z0-9._~+/-]{16,}=*`), "${1}" + RedactedKey},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|access[_-]?token|secret|token|password)\s*[:=]\s*)["']?[^\s"']{8,}["']?`), "${1}" + RedactedKey},
	{regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_-]{16,}`), RedactedKey},
	{regexp.MustCompile(`\b(?:gh[pousr]|github_pat)_[A-Za-z0-9_]{20,}`), RedactedKey},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{30,}`), RedactedKey},
	{regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`), RedactedKey},
	{regexp.MustCompile(`\b[A-Za-z0-9_-]{40,}\b`), RedactedKey},
}

// Redact replaces URL-shaped and key-shaped substrings with fixed placeholders.
func Redact(s string) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}

	return s
}
