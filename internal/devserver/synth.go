package devserver

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mailvoice/internal/audio"
)

// Synthesizer renders reply text to an audio file under the audio directory
// and returns the file name.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// ToneSynthesizer stands in for a speech engine: it writes a tone whose
// length follows the word count, enough to drive playback and interrupts.
type ToneSynthesizer struct {
	Dir        string
	SampleRate int
	PerWord    time.Duration
	MaxLength  time.Duration
	Frequency  float64
}

func NewToneSynthesizer(dir string) *ToneSynthesizer {
	return &ToneSynthesizer{
		Dir:        dir,
		SampleRate: 16000,
		PerWord:    120 * time.Millisecond,
		MaxLength:  6 * time.Second,
		Frequency:  440,
	}
}

func (s *ToneSynthesizer) Synthesize(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return "", fmt.Errorf("nothing to synthesize")
	}
	length := min(time.Duration(words)*s.PerWord, s.MaxLength)
	n := int(length.Seconds() * float64(s.SampleRate))
	samples := make([]float32, n)
	fade := min(n/10, s.SampleRate/50)
	for i := range samples {
		env := 1.0
		if i < fade {
			env = float64(i) / float64(fade)
		} else if n-i < fade {
			env = float64(n-i) / float64(fade)
		}
		samples[i] = float32(0.2 * env * math.Sin(2*math.Pi*s.Frequency*float64(i)/float64(s.SampleRate)))
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create audio dir: %w", err)
	}
	name := uuid.NewString() + ".wav"
	if err := os.WriteFile(filepath.Join(s.Dir, name), audio.EncodeWAV(samples, s.SampleRate), 0o644); err != nil {
		return "", fmt.Errorf("write reply audio: %w", err)
	}
	return name, nil
}
