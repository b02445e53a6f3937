// Package vocab is the single word table shared by the local interrupt
// watcher and the server-side intent detector.
//
// The near-homophones were tuned for a small English recognizer
// (vosk-model-small-en-us) and should be revalidated against any other
// backend; a YAML file can replace every list without a rebuild.
package vocab

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Version identifies the built-in tables.
const Version = "2024.1"

// Vocabulary groups the word lists. Entries may be single words or phrases.
type Vocabulary struct {
	Version   string   `yaml:"version"`
	Interrupt []string `yaml:"interrupt"`
	Stop      []string `yaml:"stop"`
	Cancel    []string `yaml:"cancel"`
	Confirm   []string `yaml:"confirm"`

	interrupt map[string]struct{}
}

// Default returns a fresh copy of the built-in tables.
func Default() *Vocabulary {
	v := &Vocabulary{
		Version: Version,
		// Single tokens heard during playback that halt it locally.
		Interrupt: []string{
			"stop", "stopped", "stopping", "top", "stock", "shop", "cop",
			"drop", "prop", "step", "stoop", "stomp", "stab", "stub", "spot",
			"pause", "paws", "halt", "quiet", "silence", "silent", "enough",
			"cancel", "council", "console", "consul", "counsel", "abort", "shut",
		},
		Stop: []string{
			"stop", "top", "stock", "shop", "cop", "drop", "prop",
			"stuff", "step", "stoop", "store", "stopped", "stopping",
			"stab", "stub", "spot", "stomp", "pause", "paws", "halt",
			"quiet", "quite", "silence", "silent",
			"enough", "that's enough", "that is enough",
			"shut up", "be quiet", "stop it", "stop reading",
			"pause reading", "stop the email", "no more",
		},
		Cancel: []string{
			"cancel", "council", "console", "consul", "camel", "counsel",
			"cancelled", "cancelling",
			"abort", "a board", "aboard",
			"never mind", "nevermind", "never mine",
			"forget it", "forget", "forget that",
			"don't send", "do not send", "don't do it",
			"no", "nope", "nah", "not",
			"stop sending", "cancel email", "cancel sending", "cancel it",
		},
		Confirm: []string{
			"yes", "yet", "yep", "yeah", "ya", "yah", "yea", "jest",
			"confirm", "confirmed", "conform", "conformed",
			"ok", "okay", "o.k.", "oak",
			"send it", "do it", "go ahead", "go", "proceed",
			"yes please", "please send", "absolutely", "sure", "correct",
		},
	}
	v.index()
	return v
}

// Load reads a YAML override. Lists missing from the file keep their
// built-in values.
func Load(path string) (*Vocabulary, error) {
	v := Default()
	if strings.TrimSpace(path) == "" {
		return v, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read vocabulary: %w", err)
	}
	var file Vocabulary
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	if file.Version != "" {
		v.Version = file.Version
	}
	if len(file.Interrupt) > 0 {
		v.Interrupt = normalize(file.Interrupt)
	}
	if len(file.Stop) > 0 {
		v.Stop = normalize(file.Stop)
	}
	if len(file.Cancel) > 0 {
		v.Cancel = normalize(file.Cancel)
	}
	if len(file.Confirm) > 0 {
		v.Confirm = normalize(file.Confirm)
	}
	v.index()
	return v, nil
}

// IsInterrupt reports whether a single lower-cased token is an interrupt word.
func (v *Vocabulary) IsInterrupt(token string) bool {
	_, ok := v.interrupt[token]
	return ok
}

// MatchInterrupt splits a transcript on whitespace and returns the first
// token found in the interrupt list.
func (v *Vocabulary) MatchInterrupt(transcript string) (string, bool) {
	for _, tok := range strings.Fields(strings.ToLower(transcript)) {
		tok = strings.Trim(tok, ".,!?;:\"'")
		if tok == "" {
			continue
		}
		if v.IsInterrupt(tok) {
			return tok, true
		}
	}
	return "", false
}

func (v *Vocabulary) index() {
	v.interrupt = make(map[string]struct{}, len(v.Interrupt))
	for _, w := range v.Interrupt {
		v.interrupt[w] = struct{}{}
	}
}

func normalize(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
