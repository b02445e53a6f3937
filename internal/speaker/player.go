// Package speaker plays synthesized replies through the default output
// device.
package speaker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
)

const (
	defaultSampleRate = beep.SampleRate(44100)
	maxResourceBytes  = 32 << 20
	resampleQuality   = 4
)

// ErrUnsupportedFormat is returned for resources that are neither WAV nor MP3.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

type Config struct {
	HTTPClient *http.Client
	SampleRate int
	Logger     *slog.Logger
}

// Player fetches a resource, decodes it and plays it. One track at a time
// is expected; the caller stops the old track before starting a new one.
type Player struct {
	client *http.Client
	rate   beep.SampleRate
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
}

func New(cfg Config) *Player {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	rate := defaultSampleRate
	if cfg.SampleRate > 0 {
		rate = beep.SampleRate(cfg.SampleRate)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Player{client: cfg.HTTPClient, rate: rate, logger: cfg.Logger}
}

// Play returns at once. onStart runs when audio is handed to the device;
// onDone runs once on natural completion (nil) or failure. Neither runs
// after the returned stop function has been called.
func (p *Player) Play(ctx context.Context, url string, onStart func(), onDone func(error)) (stop func(), err error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("empty audio url")
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &track{cancel: cancel}
	go p.run(ctx, t, url, onStart, onDone)
	return t.stop, nil
}

type track struct {
	mu      sync.Mutex
	stopped bool
	ctrl    *beep.Ctrl
	closer  io.Closer
	cancel  context.CancelFunc
}

func (t *track) stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	ctrl, closer := t.ctrl, t.closer
	t.mu.Unlock()

	t.cancel()
	if ctrl != nil {
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
	}
	if closer != nil {
		_ = closer.Close()
	}
}

func (t *track) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (p *Player) run(ctx context.Context, t *track, url string, onStart func(), onDone func(error)) {
	fail := func(err error) {
		if !t.isStopped() && onDone != nil {
			onDone(err)
		}
	}

	data, err := p.fetch(ctx, url)
	if err != nil {
		fail(err)
		return
	}
	stream, format, err := decode(data)
	if err != nil {
		fail(err)
		return
	}
	if err := p.init(); err != nil {
		_ = stream.Close()
		fail(err)
		return
	}

	var s beep.Streamer = stream
	if format.SampleRate != p.rate {
		s = beep.Resample(resampleQuality, format.SampleRate, p.rate, stream)
	}
	ctrl := &beep.Ctrl{Streamer: s}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		_ = stream.Close()
		return
	}
	t.ctrl = ctrl
	t.closer = stream
	t.mu.Unlock()

	speaker.Play(beep.Seq(ctrl, beep.Callback(func() {
		// Runs on the speaker goroutine with the speaker lock held.
		go func() {
			if t.isStopped() {
				return
			}
			_ = stream.Close()
			if err := stream.Err(); err != nil {
				fail(fmt.Errorf("decode audio: %w", err))
				return
			}
			fail(nil)
		}()
	})))
	p.logger.Debug("playback started", "url", url, "sample_rate", int(format.SampleRate))
	if !t.isStopped() && onStart != nil {
		onStart()
	}
}

func (p *Player) init() error {
	p.initOnce.Do(func() {
		p.initErr = speaker.Init(p.rate, p.rate.N(time.Second/10))
		if p.initErr != nil {
			p.initErr = fmt.Errorf("init speaker: %w", p.initErr)
		}
	})
	return p.initErr
}

func (p *Player) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch audio: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch audio: status %d", res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxResourceBytes))
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return data, nil
}

// decode sniffs the container: RIFF/WAVE goes to the wav decoder, an ID3 tag
// or MPEG frame sync to the mp3 decoder.
func decode(data []byte) (beep.StreamSeekCloser, beep.Format, error) {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		s, f, err := wav.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("decode wav: %w", err)
		}
		return s, f, nil
	case len(data) >= 3 && string(data[0:3]) == "ID3",
		len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		s, f, err := mp3.Decode(io.NopCloser(bytes.NewReader(data)))
		if err != nil {
			return nil, beep.Format{}, fmt.Errorf("decode mp3: %w", err)
		}
		return s, f, nil
	default:
		return nil, beep.Format{}, ErrUnsupportedFormat
	}
}
