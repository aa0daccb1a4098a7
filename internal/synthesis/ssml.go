package synthesis

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/ent0n29/talkinghead/internal/session"
)

const (
	DefaultVoice    = "en-US-AriaNeural"
	DefaultLanguage = "en-US"

	MinRate  = 0.5
	MaxRate  = 2.0
	MinPitch = -50.0
	MaxPitch = 50.0
)

// ResolveVoice fills defaults and clamps rate to [MinRate, MaxRate] and pitch
// to [MinPitch, MaxPitch] percent. A zero rate means the default of 1.0.
func ResolveVoice(v *session.VoiceParams, defaults session.VoiceParams) session.VoiceParams {
	out := defaults
	if strings.TrimSpace(out.Name) == "" {
		out.Name = DefaultVoice
	}
	if strings.TrimSpace(out.Language) == "" {
		out.Language = DefaultLanguage
	}
	if out.Rate == 0 {
		out.Rate = 1.0
	}
	if v != nil {
		if name := strings.TrimSpace(v.Name); name != "" {
			out.Name = name
		}
		if lang := strings.TrimSpace(v.Language); lang != "" {
			out.Language = lang
		}
		if v.Rate != 0 {
			out.Rate = v.Rate
		}
		if v.Pitch != 0 {
			out.Pitch = v.Pitch
		}
	}
	out.Rate = clamp(out.Rate, MinRate, MaxRate)
	out.Pitch = clamp(out.Pitch, MinPitch, MaxPitch)
	return out
}

// BuildSSML renders text as a speak document for the resolved voice.
func BuildSSML(text string, v session.VoiceParams) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<speak version="1.0" xmlns="http://www.w3.org/2001/10/synthesis" xml:lang="%s">`, escape(v.Language))
	fmt.Fprintf(&b, `<voice name="%s">`, escape(v.Name))
	fmt.Fprintf(&b, `<prosody rate="%s" pitch="%s%%">`,
		strconv.FormatFloat(v.Rate, 'f', -1, 64),
		signed(v.Pitch),
	)
	b.WriteString(escape(text))
	b.WriteString(`</prosody></voice></speak>`)
	return b.String()
}

func signed(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if v >= 0 {
		return "+" + s
	}
	return s
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
