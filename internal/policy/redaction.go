package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	secretPattern = regexp.MustCompile(`\b(?:sk|xi|AIza)[-_A-Za-z0-9]{16,}\b`)
)

// RedactPII masks common high-risk PII patterns and credentials in transcript
// and reply text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	apply := func(re *regexp.Regexp, marker string) {
		next := re.ReplaceAllString(out, marker)
		changed = changed || next != out
		out = next
	}

	apply(secretPattern, "[REDACTED_SECRET]")
	apply(emailPattern, "[REDACTED_EMAIL]")
	// Cards before phones, or long card numbers match the phone pattern.
	apply(cardPattern, "[REDACTED_CARD]")
	apply(phonePattern, "[REDACTED_PHONE]")
	return out, changed
}

// LogText prepares user or assistant text for a log field: PII is redacted
// and the result is cut to maxRunes.
func LogText(input string, maxRunes int) string {
	out, _ := RedactPII(strings.TrimSpace(input))
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxRunes]) + "…"
}
