package voice

import (
	"regexp"
	"strings"
	"unicode"
)

// speechRewrites run in order over generated text before synthesis. Engines
// read markdown and links out loud, so those are reduced to the words a person
// would say.
var speechRewrites = []struct {
	re   *regexp.Regexp
	with string
}{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`\n]*`"), " "},
	{regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`), " "},
	{regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`(?:https?://|www\.)\S+`), " "},
	{regexp.MustCompile(`(?m)^\s*(?:#{1,6}|[-*+>]|\d+[.)])\s+`), ""},
	{regexp.MustCompile(`\s&\s`), " and "},
	{regexp.MustCompile(`(\d)\s?%`), "$1 percent"},
	{regexp.MustCompile(`([!?.])[!?.]+`), "$1"},
}

var speechDropMarkers = strings.NewReplacer(
	"**", " ", "__", " ", "*", " ", "_", " ", "~", " ",
	"#", " ", "|", " ", "\\", " ", "/", " ", "<", " ", ">", " ",
)

// SanitizeSpeechText reduces generated reply text to plain speakable prose.
// Emoji and symbols are removed and whitespace is collapsed.
func SanitizeSpeechText(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	for _, rw := range speechRewrites {
		text = rw.re.ReplaceAllString(text, rw.with)
	}
	text = speechDropMarkers.Replace(text)

	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3', unicode.IsControl(r):
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
		case unicode.IsPunct(r) && !strings.ContainsRune(`.,!?:;'"-()`, r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
