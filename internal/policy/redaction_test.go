package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIISecrets(t *testing.T) {
	out, changed := RedactPII("my key is sk-abcdefghijklmnop1234")
	if !changed || !strings.Contains(out, "[REDACTED_SECRET]") {
		t.Fatalf("RedactPII() = %q, %v; want secret redacted", out, changed)
	}
}

func TestRedactPIILeavesPlainText(t *testing.T) {
	out, changed := RedactPII("hello there")
	if changed || out != "hello there" {
		t.Fatalf("RedactPII() = %q, %v; want unchanged", out, changed)
	}
}

func TestLogTextTruncates(t *testing.T) {
	if got := LogText("  héllo world ", 5); got != "héllo…" {
		t.Fatalf("LogText() = %q, want %q", got, "héllo…")
	}
	if got := LogText("short", 0); got != "short" {
		t.Fatalf("LogText() = %q, want %q", got, "short")
	}
}
