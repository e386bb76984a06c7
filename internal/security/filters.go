package security

import (
	"html"
	"regexp"
	"strings"
)

// markupStrips are the element spans, attributes and URI schemes
// removed during neutralization, applied in order after a single
// entity decode.
var markupStrips = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
	regexp.MustCompile(`(?is)<iframe[^>]*>.*?</iframe>`),
	regexp.MustCompile(`(?is)<object[^>]*>.*?</object>`),
	regexp.MustCompile(`(?i)<embed[^>]*>`),
	regexp.MustCompile(`(?i)on\w+\s*=\s*["'][^"']*["']`),
	regexp.MustCompile(`(?i)on\w+\s*=\s*[^\s>]+`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)data\s*:`),
}

// injectionPatterns is the tripwire list for injection-shaped input.
// Order is irrelevant: any single match rejects the submission. The
// list is data, not logic, so tests can cover each entry on its own.
var injectionPatterns = []*regexp.Regexp{
	// Quote and comment sequences, raw or URL-encoded.
	regexp.MustCompile(`(?i)(%27)|(')|(--)|(%23)|(#)`),
	// Equals followed by a quote, comment or statement separator.
	regexp.MustCompile(`(?i)((%3D)|(=))[^\n]*((%27)|(')|(--)|(%3B)|(;))`),
	// Classic boolean bypass: quote followed by OR/AND.
	regexp.MustCompile(`(?i)((%27)|('))\s*(or|and)\b`),
	// Statement keywords on word boundaries.
	regexp.MustCompile(`(?i)\b(select|insert|update|delete|drop|union|alter|create|truncate)\b`),
	// File exfiltration helpers.
	regexp.MustCompile(`(?i)\b(load_file|into\s+outfile|into\s+dumpfile)\b`),
	// Stored procedure execution.
	regexp.MustCompile(`(?i)exec(\s|\+)+(s|x)p\w+`),
}

// Neutralize renders free-text input inert for display. The pipeline is
// normalize-then-encode: null bytes go first, entities are decoded once
// so double-encoded payloads cannot hide from the strip patterns, the
// known-dangerous spans are removed, and whatever remains is
// entity-encoded so a missed fragment still cannot execute.
func Neutralize(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = html.UnescapeString(input)
	for _, re := range markupStrips {
		input = re.ReplaceAllString(input, "")
	}
	return html.EscapeString(input)
}

// DetectInjection reports whether raw input looks injection-shaped.
// It is a tripwire, not a sanitizer: high recall, low precision, and a
// match means the submission is rejected outright rather than cleaned.
// It must run on the original input, before Neutralize, whose decode
// step could mask or unmask patterns.
func DetectInjection(input string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

// ContainsMarkupThreat reports whether input carries any of the spans
// the neutralizer would strip. Used for logging which fields tripped.
func ContainsMarkupThreat(input string) bool {
	decoded := html.UnescapeString(strings.ReplaceAll(input, "\x00", ""))
	for _, re := range markupStrips {
		if re.MatchString(decoded) {
			return true
		}
	}
	return false
}
