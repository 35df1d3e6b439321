package policy

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/\-]+=*`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|rk)-[A-Za-z0-9_\-]{16,}\b`)
	secretPattern = regexp.MustCompile(`(?i)"?\b(api[_-]?key|token|password|secret)"?\s*[:=]\s*"?[^\s",}]+"?`)
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// RedactDetail masks credentials and high-risk PII in text that is about to
// leave the process, such as upstream error bodies relayed to clients.
func RedactDetail(input string) (redacted string, changed bool) {
	out := input
	replace := func(re *regexp.Regexp, repl string) {
		next := re.ReplaceAllString(out, repl)
		changed = changed || next != out
		out = next
	}

	replace(bearerPattern, "Bearer [REDACTED]")
	replace(apiKeyPattern, "[REDACTED_KEY]")
	replace(secretPattern, "$1=[REDACTED]")
	replace(emailPattern, "[REDACTED_EMAIL]")
	replace(cardPattern, "[REDACTED_CARD]")

	return out, changed
}
