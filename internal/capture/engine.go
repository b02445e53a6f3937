package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/mailvoice/internal/eventloop"
)

const defaultMaxDuration = 8 * time.Second

// Capture is one finished recording turn at the device's native rate.
type Capture struct {
	Frames      [][]float32
	SampleRate  int
	Duration    time.Duration
	AutoStopped bool
}

// Empty reports whether no frames arrived during the turn.
func (c Capture) Empty() bool { return len(c.Frames) == 0 }

type EngineConfig struct {
	MaxDuration time.Duration
	Logger      *slog.Logger
}

// Engine records one turn at a time. All methods except EnsureReady's
// blocking half run on the event loop.
type Engine struct {
	loop    *eventloop.Loop
	session *Session
	logger  *slog.Logger
	maxDur  time.Duration

	onCaptured func(Capture)

	recording bool
	frames    [][]float32
	gen       uint64
	startedAt time.Time
	stopTimer *eventloop.Timer

	acquiring bool
	waiters   []func(bool, error)
}

func NewEngine(loop *eventloop.Loop, session *Session, cfg EngineConfig) *Engine {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaultMaxDuration
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		loop:    loop,
		session: session,
		logger:  cfg.Logger,
		maxDur:  cfg.MaxDuration,
	}
}

// OnCaptured sets the handler that receives each finished turn.
func (e *Engine) OnCaptured(fn func(Capture)) { e.onCaptured = fn }

func (e *Engine) Recording() bool { return e.recording }

func (e *Engine) NativeRate() int { return e.session.NativeRate() }

// EnsureReady acquires the microphone and the processing context if needed,
// and resumes a suspended context when gesture is true. done runs on the loop
// with the readiness flag. Concurrent calls share one acquisition.
func (e *Engine) EnsureReady(ctx context.Context, gesture bool, done func(ready bool, err error)) {
	if done == nil {
		done = func(bool, error) {}
	}
	s := e.session
	if s.ready() && (s.contextState() == ContextRunning || !gesture) {
		done(true, nil)
		return
	}
	e.waiters = append(e.waiters, done)
	if e.acquiring {
		return
	}
	e.acquiring = true

	platform := s.platform
	oldMic, oldCtx := s.mic, s.actx
	epoch := s.epoch
	needMic := oldMic == nil || oldMic.Ended()

	e.loop.Go(func() func() {
		mic, actx := oldMic, oldCtx
		if needMic {
			m, err := platform.OpenMicrophone(ctx)
			if err != nil {
				return func() { e.finishAcquire(false, fmt.Errorf("%w: %v", ErrMicAccessDenied, err)) }
			}
			mic = m
		}
		if actx == nil {
			c, err := platform.NewContext(mic)
			if err != nil {
				if needMic {
					_ = mic.Close()
				}
				return func() { e.finishAcquire(false, fmt.Errorf("create audio context: %w", err)) }
			}
			actx = c
		}
		var resumeErr error
		if gesture && actx.State() == ContextSuspended {
			resumeErr = actx.Resume(ctx)
		}
		return func() {
			if s.epoch != epoch {
				// Released while acquiring; drop what we opened.
				if needMic {
					_ = mic.Close()
				}
				if oldCtx == nil {
					_ = actx.Close()
				}
				e.finishAcquire(false, ErrNotReady)
				return
			}
			if needMic && oldMic != nil {
				_ = oldMic.Close()
			}
			s.mic = mic
			if oldCtx == nil {
				s.actx = actx
				s.nativeRate = actx.SampleRate()
				e.logger.Info("audio context created", "sample_rate", s.nativeRate)
			}
			if resumeErr != nil {
				e.logger.Warn("audio context resume failed", "error", resumeErr)
			}
			e.finishAcquire(true, nil)
		}
	})
}

func (e *Engine) finishAcquire(ready bool, err error) {
	waiters := e.waiters
	e.waiters = nil
	e.acquiring = false
	if err != nil {
		e.logger.Warn("audio session not ready", "error", err)
	}
	for _, w := range waiters {
		w(ready, err)
	}
}

// Start begins a new turn with an empty buffer and a fresh graph. It is a
// no-op while a turn is already recording.
func (e *Engine) Start() error {
	if e.recording {
		return nil
	}
	s := e.session
	if !s.ready() {
		return ErrNotReady
	}
	if s.contextState() != ContextRunning {
		return ErrContextSuspended
	}

	e.gen++
	gen := e.gen
	e.frames = make([][]float32, 0, 64)
	err := s.attach(func(samples []float32) {
		e.loop.Post(func() { e.appendFrame(gen, samples) })
	})
	if err != nil {
		e.frames = nil
		return fmt.Errorf("connect capture graph: %w", err)
	}
	e.recording = true
	e.startedAt = e.loop.Clock().Now()
	e.stopTimer = e.loop.AfterFunc(e.maxDur, func() {
		e.logger.Info("recording reached max duration", "max", e.maxDur)
		e.stop(true)
	})
	e.logger.Debug("recording started", "generation", gen)
	return nil
}

func (e *Engine) appendFrame(gen uint64, samples []float32) {
	if !e.recording || gen != e.gen {
		return
	}
	e.frames = append(e.frames, samples)
}

// Stop ends the turn and hands its frames to the capture handler. It reports
// false if nothing was recording.
func (e *Engine) Stop() bool {
	return e.stop(false)
}

func (e *Engine) stop(auto bool) bool {
	if !e.recording {
		return false
	}
	e.stopTimer.Stop()
	e.stopTimer = nil
	e.recording = false
	e.session.detach()
	e.gen++

	c := Capture{
		Frames:      e.frames,
		SampleRate:  e.session.NativeRate(),
		Duration:    e.loop.Clock().Now().Sub(e.startedAt),
		AutoStopped: auto,
	}
	e.frames = nil
	e.logger.Debug("recording stopped", "frames", len(c.Frames), "auto", auto)
	if e.onCaptured != nil {
		e.onCaptured(c)
	}
	return true
}

// Release discards any recording in progress and tears down the session.
// A later EnsureReady acquires everything again.
func (e *Engine) Release() error {
	if e.recording {
		e.stopTimer.Stop()
		e.stopTimer = nil
		e.recording = false
		e.frames = nil
		e.gen++
	}
	if err := e.session.release(); err != nil {
		return fmt.Errorf("release audio session: %w", err)
	}
	e.logger.Info("audio session released")
	return nil
}

// Tap gives the interrupt watcher raw access to the live microphone. It
// returns the native sample rate alongside the untap function.
func (e *Engine) Tap(fn FrameFunc) (untap func(), sampleRate int, err error) {
	untap, err = e.session.tap(fn)
	if err != nil {
		return nil, 0, err
	}
	return untap, e.session.NativeRate(), nil
}
