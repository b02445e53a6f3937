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

func TestRedactPIISpokenEmail(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "send it to john dot smith at gmail dot com please", want: "send it to [REDACTED_EMAIL] please"},
		{in: "alice at example dot co dot uk", want: "[REDACTED_EMAIL]"},
		{in: "look at the inbox", want: "look at the inbox"},
	}
	for _, tc := range cases {
		got, _ := RedactPII(tc.in)
		if got != tc.want {
			t.Fatalf("RedactPII(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactPIIUnchanged(t *testing.T) {
	out, changed := RedactPII("read my emails")
	if changed || out != "read my emails" {
		t.Fatalf("RedactPII() = (%q, %v), want unchanged", out, changed)
	}
}
