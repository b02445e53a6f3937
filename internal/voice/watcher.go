package voice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ent0n29/mailvoice/internal/eventloop"
	"github.com/ent0n29/mailvoice/internal/observability"
	"github.com/ent0n29/mailvoice/internal/recognizer"
	"github.com/ent0n29/mailvoice/internal/reliability"
	"github.com/ent0n29/mailvoice/internal/vocab"
)

const (
	defaultWatcherRestart = 50 * time.Millisecond
	maxWatcherBackoff     = 2 * time.Second
)

// Watcher listens for interrupt words while a reply is playing. At most one
// recognition runs at a time; events from older instances are dropped.
type Watcher struct {
	ctx          context.Context
	loop         *eventloop.Loop
	rec          recognizer.Recognizer
	vocab        *vocab.Vocabulary
	logger       *slog.Logger
	metrics      *observability.Metrics
	restartDelay time.Duration

	// shouldRun reports whether the turn is still speaking.
	shouldRun   func() bool
	onInterrupt func(word string)

	gen          uint64
	current      recognizer.Recognition
	restartTimer *eventloop.Timer
	failures     int
	fatal        bool
}

type WatcherConfig struct {
	RestartDelay time.Duration
	Logger       *slog.Logger
	Metrics      *observability.Metrics
}

func NewWatcher(ctx context.Context, loop *eventloop.Loop, rec recognizer.Recognizer, v *vocab.Vocabulary, cfg WatcherConfig) *Watcher {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultWatcherRestart
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if v == nil {
		v = vocab.Default()
	}
	return &Watcher{
		ctx:          ctx,
		loop:         loop,
		rec:          rec,
		vocab:        v,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		restartDelay: cfg.RestartDelay,
		shouldRun:    func() bool { return false },
		onInterrupt:  func(string) {},
	}
}

// Inert reports whether no recognizer is available at all.
func (w *Watcher) Inert() bool { return w.rec == nil }

// Active reports whether a recognition instance is running.
func (w *Watcher) Active() bool { return w.current != nil }

// Start stops any running instance and launches a new one.
func (w *Watcher) Start() {
	if w.rec == nil {
		return
	}
	w.stopCurrent()
	w.fatal = false
	w.gen++
	gen := w.gen

	r, err := w.rec.Start(w.ctx)
	if err != nil {
		if errors.Is(err, recognizer.ErrUnavailable) {
			w.logger.Debug("interrupt watcher unavailable", "error", err)
		} else {
			w.logger.Warn("interrupt watcher start failed", "error", err)
		}
		return
	}
	w.current = r
	go func() {
		for ev := range r.Events() {
			ev := ev
			w.loop.Post(func() { w.handle(gen, ev) })
		}
	}()
}

// Stop cancels any pending restart and stops the running instance. It is
// safe to call when nothing runs.
func (w *Watcher) Stop() {
	w.stopCurrent()
	w.failures = 0
}

func (w *Watcher) stopCurrent() {
	w.gen++
	w.restartTimer.Stop()
	w.restartTimer = nil
	if w.current != nil {
		w.current.Stop()
		w.current = nil
	}
}

func (w *Watcher) handle(gen uint64, ev recognizer.Event) {
	if gen != w.gen {
		return
	}
	switch ev.Kind {
	case recognizer.EventResult:
		w.failures = 0
		word, ok := w.vocab.MatchInterrupt(ev.Text)
		if !ok {
			return
		}
		w.logger.Info("interrupt word detected", "word", word, "final", ev.Final)
		w.Stop()
		w.onInterrupt(word)
	case recognizer.EventError:
		if ev.Code == "no-speech" {
			if w.shouldRun() {
				w.scheduleRestart("no-speech", w.restartDelay)
			}
			return
		}
		w.logger.Warn("interrupt watcher error", "code", ev.Code, "error", ev.Err)
		if !reliability.IsRestartableRecognizerError(ev.Code) {
			w.fatal = true
			return
		}
		w.failures++
	case recognizer.EventEnd:
		w.current = nil
		if w.fatal || !w.shouldRun() {
			return
		}
		delay := w.restartDelay
		if w.failures > 0 {
			delay = reliability.ExponentialBackoff(w.failures, w.restartDelay, maxWatcherBackoff)
		}
		w.scheduleRestart("end", delay)
	}
}

func (w *Watcher) scheduleRestart(reason string, delay time.Duration) {
	if w.restartTimer.Pending() {
		return
	}
	if w.metrics != nil {
		w.metrics.WatcherRestarts.WithLabelValues(reason).Inc()
	}
	w.restartTimer = w.loop.AfterFunc(delay, func() {
		w.restartTimer = nil
		if w.shouldRun() {
			w.Start()
		}
	})
}
