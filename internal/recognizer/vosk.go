package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/mailvoice/internal/audio"
	"github.com/ent0n29/mailvoice/internal/capture"
	"github.com/ent0n29/mailvoice/internal/reliability"
)

const (
	defaultDialAttempts = 3
	defaultBackoffBase  = 100 * time.Millisecond
	defaultBackoffCap   = time.Second
	frameQueue          = 64

	// Older vosk-server releases compare the eof frame byte for byte.
	eofMessage = `{"eof" : 1}`
)

// AudioSource hands out raw microphone frames. capture.Engine satisfies it.
type AudioSource interface {
	Tap(fn capture.FrameFunc) (untap func(), sampleRate int, err error)
}

type VoskConfig struct {
	URL          string
	Source       AudioSource
	Dialer       *websocket.Dialer
	DialAttempts int
	Logger       *slog.Logger
}

// Vosk streams microphone audio to a Vosk websocket server.
type Vosk struct {
	cfg VoskConfig
}

func NewVosk(cfg VoskConfig) *Vosk {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Vosk{cfg: cfg}
}

type voskMessage struct {
	Partial *string `json:"partial"`
	Text    *string `json:"text"`
}

// Start taps the microphone immediately and connects in the background.
// Connection failures arrive as a "network" error event followed by End.
func (v *Vosk) Start(ctx context.Context) (Recognition, error) {
	if strings.TrimSpace(v.cfg.URL) == "" || v.cfg.Source == nil {
		return nil, ErrUnavailable
	}
	rec := &voskRecognition{
		events:  make(chan Event, 32),
		frames:  make(chan []float32, frameQueue),
		stopped: make(chan struct{}),
		logger:  v.cfg.Logger,
	}
	untap, rate, err := v.cfg.Source.Tap(func(samples []float32) {
		select {
		case rec.frames <- samples:
		default:
			// Recognizer is behind; dropping keeps the tap non-blocking.
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	rec.untap = untap
	go rec.run(ctx, v.cfg, rate)
	return rec, nil
}

type voskRecognition struct {
	events  chan Event
	frames  chan []float32
	stopped chan struct{}
	logger  *slog.Logger

	untap    func()
	stopOnce sync.Once

	writeMu sync.Mutex
	connMu  sync.Mutex
	conn    *websocket.Conn
}

func (r *voskRecognition) Events() <-chan Event { return r.events }

// Stop is idempotent. A final End event is still delivered.
func (r *voskRecognition) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopped)
		if r.untap != nil {
			r.untap()
		}
		r.connMu.Lock()
		conn := r.conn
		r.connMu.Unlock()
		if conn != nil {
			r.writeMu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte(eofMessage))
			r.writeMu.Unlock()
			_ = conn.Close()
		}
	})
}

func (r *voskRecognition) emit(ev Event) bool {
	select {
	case <-r.stopped:
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.stopped:
		return false
	}
}

func (r *voskRecognition) run(ctx context.Context, cfg VoskConfig, rate int) {
	defer func() {
		// Consumers drain Events until it closes, so End never blocks forever
		// and is never lost behind queued partials.
		r.events <- Event{Kind: EventEnd}
		close(r.events)
	}()
	defer r.Stop()

	conn, err := dialWithRetry(ctx, cfg, r.stopped)
	if err != nil {
		r.emit(Event{Kind: EventError, Code: "network", Err: err})
		return
	}
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
	select {
	case <-r.stopped:
		_ = conn.Close()
		return
	default:
	}

	if err := r.writeJSON(map[string]any{"config": map[string]any{"sample_rate": rate}}); err != nil {
		r.emit(Event{Kind: EventError, Code: "network", Err: err})
		return
	}

	go r.writeLoop()
	r.readLoop(conn)
}

func (r *voskRecognition) writeJSON(v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(v)
}

func (r *voskRecognition) writeLoop() {
	for {
		select {
		case <-r.stopped:
			return
		case samples := <-r.frames:
			r.writeMu.Lock()
			err := r.conn.WriteMessage(websocket.BinaryMessage, audio.PCM16LE(samples))
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (r *voskRecognition) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.stopped:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					r.emit(Event{Kind: EventError, Code: "network", Err: err})
				}
			}
			return
		}
		var msg voskMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			r.logger.Debug("ignoring recognizer message", "error", err)
			continue
		}
		switch {
		case msg.Text != nil:
			text := strings.TrimSpace(*msg.Text)
			if text == "" {
				// Silence segment. Ends the listener like a platform timeout.
				r.emit(Event{Kind: EventError, Code: "no-speech"})
				return
			}
			r.emit(Event{Kind: EventResult, Text: text, Final: true})
		case msg.Partial != nil:
			if text := strings.TrimSpace(*msg.Partial); text != "" {
				r.emit(Event{Kind: EventResult, Text: text})
			}
		}
	}
}

func dialWithRetry(ctx context.Context, cfg VoskConfig, stopped <-chan struct{}) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < cfg.DialAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, defaultBackoffBase, defaultBackoffCap)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-stopped:
				return nil, errors.New("recognition stopped")
			}
		}
		conn, _, err := cfg.Dialer.DialContext(ctx, cfg.URL, nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		cfg.Logger.Debug("recognizer dial failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("dial recognizer %s: %w", cfg.URL, lastErr)
}
