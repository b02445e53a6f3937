package intent

import (
	"fmt"
	"regexp"
	"strings"
)

var numberWords = []struct{ word, digit string }{
	{"zero", "0"}, {"one", "1"}, {"two", "2"}, {"three", "3"}, {"four", "4"},
	{"five", "5"}, {"six", "6"}, {"seven", "7"}, {"eight", "8"}, {"nine", "9"},
	{"ten", "10"}, {"eleven", "11"}, {"twelve", "12"}, {"thirteen", "13"},
	{"fourteen", "14"}, {"fifteen", "15"}, {"sixteen", "16"}, {"seventeen", "17"},
	{"eighteen", "18"}, {"nineteen", "19"},
	{"twenty", "20"}, {"thirty", "30"}, {"forty", "40"}, {"fifty", "50"},
	{"sixty", "60"}, {"seventy", "70"}, {"eighty", "80"}, {"ninety", "90"},
}

type rewrite struct {
	re   *regexp.Regexp
	with string
}

func rw(pattern, with string) rewrite {
	return rewrite{re: regexp.MustCompile(pattern), with: with}
}

var (
	compoundNumbers []rewrite
	singleNumbers   []rewrite

	// Provider and TLD words as small speech models mishear them.
	domainFixes = []rewrite{
		rw(`\bg\s*mail\b`, "gmail"),
		rw(`\bgemail\b`, "gmail"),
		rw(`\bg-mail\b`, "gmail"),
		rw(`\bhot\s*mail\b`, "hotmail"),
		rw(`\bout\s*look\b`, "outlook"),
		rw(`\byah+oo\b`, "yahoo"),
		rw(`\b(?:calm|come|comma|khan|con|gom|cam)\b`, "com"),
		rw(`\b(?:inn|an|and)$`, "in"),
		rw(`\b(?:naet|neat|met)\b`, "net"),
		rw(`\b(?:aura|alba)\b`, "org"),
		rw(`\b(?:eddo|ado)\b`, "edu"),
	}

	atFixes = []rewrite{
		rw(`\bat\s+the\s+rate\s+(?:of\s+)?`, "@"),
		rw(`\bat\s+(?:sign|symbol|mark)\b`, "@"),
		rw(`\bcommercial\s+at\b`, "@"),
		rw(`\b(?:add|hat|that|had|rat|bat|cat|fat|sat)\b`, "@"),
		rw(`\s+at\s+`, "@"),
		rw(`^at\s+`, "@"),
	}

	symbolFixes = []rewrite{
		rw(`\s*\b(?:dot|period|full\s+stop|point|por)\b\s*`, "."),
		rw(`\s*\bunderscore\b\s*`, "_"),
		rw(`\s*\b(?:dash|hyphen|minus)\b\s*`, "-"),
		rw(`\s*\bplus\b\s*`, "+"),
	}

	fillerPrefix = regexp.MustCompile(`^(?:my\s+)?(?:email\s+(?:is\s+|address\s+is\s+)?|address\s+is\s+|send\s+(?:it\s+)?to\s+|to\s+)?`)
	whitespace   = regexp.MustCompile(`\s+`)
	repeatedDots = regexp.MustCompile(`\.{2,}`)
	repeatedAts  = regexp.MustCompile(`@{2,}`)
	validEmail   = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

func init() {
	tens := []struct{ word, n string }{
		{"twenty", "2"}, {"thirty", "3"}, {"forty", "4"}, {"fifty", "5"},
		{"sixty", "6"}, {"seventy", "7"}, {"eighty", "8"}, {"ninety", "9"},
	}
	for _, ten := range tens {
		for d, one := range []string{"one", "two", "three", "four", "five", "six", "seven", "eight", "nine"} {
			compoundNumbers = append(compoundNumbers,
				rw(fmt.Sprintf(`\b%s\s+%s\b`, ten.word, one), fmt.Sprintf("%s%d", ten.n, d+1)))
		}
	}
	for _, nw := range numberWords {
		singleNumbers = append(singleNumbers, rw(`\b`+nw.word+`\b`, nw.digit))
	}
}

func apply(s string, rules []rewrite) string {
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.with)
	}
	return s
}

// NormalizeEmailAddress turns a spoken address ("john dot smith at gmail dot
// com") into its written form. The result is not validated.
func NormalizeEmailAddress(spoken string) string {
	t := strings.ToLower(strings.TrimSpace(spoken))
	t = apply(t, compoundNumbers)
	t = apply(t, singleNumbers)
	t = apply(t, domainFixes)
	t = apply(t, atFixes)
	t = apply(t, symbolFixes)
	t = fillerPrefix.ReplaceAllString(t, "")
	t = whitespace.ReplaceAllString(t, "")
	t = repeatedDots.ReplaceAllString(t, ".")
	t = repeatedAts.ReplaceAllString(t, "@")
	return strings.Trim(t, ".@_-")
}

// IsValidEmail is a sanity check: one @ and a dot somewhere after it.
func IsValidEmail(addr string) bool {
	return validEmail.MatchString(addr)
}

// Readable spells an address the way it should be spoken back.
func Readable(addr string) string {
	return strings.NewReplacer("@", " at ", ".", " dot ").Replace(addr)
}
