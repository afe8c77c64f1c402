// internal/security/scrubber.go
package security

import "regexp"

var (
	bearerPattern = regexp.MustCompile(`Bearer\s+\S{20,}`)
	// OpenAI/Anthropic style secret keys
	secretKeyPattern = regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`)
	// token=, api_key=, key= in query strings and form bodies
	queryTokenPattern = regexp.MustCompile(`(?i)\b(token|api_key|apikey|key)=[^&\s"]+`)
	// Long hex strings (32+ chars), likely API keys
	hexKeyPattern = regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`)
)

// ScrubOutput redacts credentials from text that is about to be logged or
// returned in an error.
func ScrubOutput(output string) string {
	result := bearerPattern.ReplaceAllString(output, "Bearer [REDACTED]")
	result = secretKeyPattern.ReplaceAllString(result, "sk-[REDACTED]")
	result = queryTokenPattern.ReplaceAllString(result, "$1=[REDACTED]")
	result = hexKeyPattern.ReplaceAllString(result, "[REDACTED]")
	return result
}
