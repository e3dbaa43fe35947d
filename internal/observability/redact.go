package observability

import "regexp"

// keyValuePattern matches "api_key=..." style assignments. The key survives,
// the value is masked.
var keyValuePattern = regexp.MustCompile(`(?i)(api_key|token|secret|password|bearer)\s*[=:]\s*\S+`)

// bareTokenPattern matches provider API keys by their well-known prefixes.
var bareTokenPattern = regexp.MustCompile(`\b(sk|key|xai|gsk|pk|rk)-[A-Za-z0-9_-]{20,}`)

var keyCapture = regexp.MustCompile(`(?i)^(api_key|token|secret|password|bearer)`)

// Redact masks secrets in s. Key=value assignments keep the key and mask the
// value; bare provider tokens are masked entirely. Applied to every task field
// the HTTP API returns and to every status line sent to a channel.
func Redact(s string) string {
	s = keyValuePattern.ReplaceAllStringFunc(s, func(match string) string {
		key := keyCapture.FindString(match)
		if key == "" {
			return "***"
		}
		return key + "=***"
	})
	return bareTokenPattern.ReplaceAllString(s, "***")
}
