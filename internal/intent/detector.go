// Package intent maps transcripts to email intents and drives the guided
// compose dialogue used by the development server.
package intent

import (
	"strings"

	"github.com/ent0n29/mailvoice/internal/vocab"
)

const (
	SendEmail   = "send_email"
	ReadEmail   = "read_email"
	StopReading = "stop_reading"
	CancelEmail = "cancel_email"
	Logout      = "logout"
	Help        = "help"
	Unknown     = "unknown"
)

type keywordSet struct {
	intent   string
	keywords []string
}

// Order matters: "cent" (heard for "send") must win before read_email's
// generic "email" substring claims the phrase.
var keywordTable = []keywordSet{
	{SendEmail, []string{
		"send", "cent", "sent", "sand", "ends",
		"compose", "composed",
		"write", "right", "wrote",
		"new email", "new mail",
	}},
	{ReadEmail, []string{
		"read", "reed", "red", "raid", "rid",
		"check", "czech", "checked",
		"inbox", "in box",
		"emails", "email", "e-mail", "e mail", "mails", "mail",
		"show", "open", "get", "fetch", "list",
	}},
	{Logout, []string{
		"logout", "log out", "log-out",
		"sign out", "sign-out",
		"bye", "by", "buy", "bi",
		"exit", "exist", "quite", "quit",
		"goodbye", "good bye",
	}},
	{Help, []string{
		"help", "held", "heap", "hell",
		"what can", "commands", "command",
	}},
}

type Detector struct {
	stop     map[string]struct{}
	cancel   map[string]struct{}
	confirm  map[string]struct{}
	keywords []keywordSet
	sets     []map[string]struct{}
}

func NewDetector(v *vocab.Vocabulary) *Detector {
	if v == nil {
		v = vocab.Default()
	}
	d := &Detector{
		stop:     set(v.Stop),
		cancel:   set(v.Cancel),
		confirm:  set(v.Confirm),
		keywords: keywordTable,
	}
	for _, ks := range keywordTable {
		d.sets = append(d.sets, set(ks.keywords))
	}
	return d
}

// Detect classifies text. While a compose dialogue is active (step != ""),
// cancel words win and everything else feeds the dialogue.
func (d *Detector) Detect(text string, step Step) string {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return Unknown
	}

	if step != StepNone {
		if anyTokenMatches(lower, d.cancel) {
			return CancelEmail
		}
		return SendEmail
	}

	if anyTokenMatches(lower, d.stop) {
		return StopReading
	}
	for _, ks := range d.keywords {
		for _, kw := range ks.keywords {
			if strings.Contains(lower, kw) {
				return ks.intent
			}
		}
	}
	words := strings.Fields(lower)
	for i, ks := range d.keywords {
		for _, w := range words {
			if closeMatch(w, d.sets[i], keywordCutoff) {
				return ks.intent
			}
		}
	}
	return Unknown
}

// Confirms reports whether text accepts the drafted email.
func (d *Detector) Confirms(text string) bool {
	return anyTokenMatches(text, d.confirm)
}
