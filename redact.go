package atelier

import "regexp"

// Known token shapes: provider API keys, bearer headers, and key=value
// credentials. One pass over user-visible strings keeps secrets out of
// logs, events, and error payloads.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{30,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{8,}=*`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|token|secret|password)\s*[=:]\s*[^\s,;&"']{6,}`),
}

// Redact replaces known credential shapes in s with "[redacted]".
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[redacted]")
	}
	return s
}
