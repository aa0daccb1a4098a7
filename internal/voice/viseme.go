package voice

import (
	"strings"
	"unicode"
)

// visemeLabels names the 22 mouth shapes by their dominant phoneme class.
var visemeLabels = [...]string{
	"sil", "ae", "aa", "ao", "eh", "er", "ih", "uw", "ow", "aw", "oy",
	"ay", "h", "r", "l", "s", "sh", "th", "f", "d", "k", "p",
}

// VisemeLabel returns the animation label for a viseme id, or "" if unknown.
func VisemeLabel(id int) string {
	if id < 0 || id >= len(visemeLabels) {
		return ""
	}
	return visemeLabels[id]
}

var letterVisemes = map[rune]int{
	'a': 2, 'e': 4, 'i': 6, 'o': 8, 'u': 7, 'y': 6, 'w': 7,
	'h': 12, 'r': 13, 'l': 14,
	's': 15, 'z': 15, 'x': 15,
	'j': 16,
	'f': 18, 'v': 18,
	'd': 19, 't': 19, 'n': 19,
	'c': 20, 'k': 20, 'g': 20, 'q': 20,
	'p': 21, 'b': 21, 'm': 21,
}

// VisemesFromAlignment derives a viseme timeline from per-character timings, as
// returned by engines that report character alignment instead of phonemes.
// Offsets are in ticks relative to baseTicks. Consecutive duplicates are merged.
func VisemesFromAlignment(chars []string, startsMS []float64, baseTicks int64) []Viseme {
	out := make([]Viseme, 0, len(chars))
	last := -1
	for i := 0; i < len(chars); i++ {
		if i >= len(startsMS) {
			break
		}
		id := charViseme(chars, i)
		if id == last {
			continue
		}
		last = id
		out = append(out, Viseme{
			ID:        id,
			Offset:    baseTicks + int64(startsMS[i]*TicksPerMillisecond),
			Animation: VisemeLabel(id),
		})
	}
	return out
}

func charViseme(chars []string, i int) int {
	cur := strings.ToLower(chars[i])
	if cur == "" {
		return 0
	}
	r := []rune(cur)[0]
	if unicode.IsSpace(r) || unicode.IsPunct(r) {
		return 0
	}
	next := ""
	if i+1 < len(chars) {
		next = strings.ToLower(chars[i+1])
	}
	switch cur + next {
	case "sh", "ch":
		return 16
	case "th":
		return 17
	}
	if id, ok := letterVisemes[r]; ok {
		return id
	}
	if unicode.IsLetter(r) {
		return 1
	}
	return 0
}
