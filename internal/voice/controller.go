package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mailvoice/internal/audio"
	"github.com/ent0n29/mailvoice/internal/capture"
	"github.com/ent0n29/mailvoice/internal/eventloop"
	"github.com/ent0n29/mailvoice/internal/journal"
	"github.com/ent0n29/mailvoice/internal/observability"
	"github.com/ent0n29/mailvoice/internal/recognizer"
	"github.com/ent0n29/mailvoice/internal/reliability"
	"github.com/ent0n29/mailvoice/internal/session"
	"github.com/ent0n29/mailvoice/internal/vocab"
	"github.com/ent0n29/mailvoice/internal/voiceapi"
)

// ErrBusy rejects typed input while a recording or submission is in flight.
var ErrBusy = errors.New("a turn is already in progress")

type Config struct {
	ServerURL           string
	TargetSampleRate    int
	GraceDelay          time.Duration
	LogoutDelay         time.Duration
	SubmitTimeout       time.Duration
	WatcherRestartDelay time.Duration
	Logger              *slog.Logger
}

type Deps struct {
	Loop       *eventloop.Loop
	Engine     *capture.Engine
	Submitter  Submitter
	Player     Player
	Recognizer recognizer.Recognizer
	Vocabulary *vocab.Vocabulary
	Journal    journal.Store
	Sessions   *session.Manager
	Metrics    *observability.Metrics
	// OnNavigate runs once logout has torn the session down.
	OnNavigate func()
}

type turnInfo struct {
	id        string
	startedAt time.Time
	stoppedAt time.Time
	record    journal.TurnRecord
}

// Controller is the turn state machine. Exported methods may be called from
// any goroutine; they post to the loop.
type Controller struct {
	ctx        context.Context
	cfg        Config
	loop       *eventloop.Loop
	engine     *capture.Engine
	submitter  Submitter
	journal    journal.Store
	sessions   *session.Manager
	metrics    *observability.Metrics
	logger     *slog.Logger
	onNavigate func()

	playback *Playback
	watcher  *Watcher

	state        State
	step         Step
	notice       string
	turn         *turnInfo
	starting     bool
	loggingOut   bool
	ended        bool
	sessionID    string
	restartTimer *eventloop.Timer
	logoutTimer  *eventloop.Timer
	interruptAt  time.Time

	lastTranscription string
	lastResponse      string

	mu           sync.RWMutex
	status       Status
	listeners    map[int]func(Status)
	nextListener int
}

func NewController(ctx context.Context, deps Deps, cfg Config) *Controller {
	if cfg.TargetSampleRate <= 0 {
		cfg.TargetSampleRate = 16000
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 400 * time.Millisecond
	}
	if cfg.LogoutDelay <= 0 {
		cfg.LogoutDelay = 1500 * time.Millisecond
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Controller{
		ctx:        ctx,
		cfg:        cfg,
		loop:       deps.Loop,
		engine:     deps.Engine,
		submitter:  deps.Submitter,
		journal:    deps.Journal,
		sessions:   deps.Sessions,
		metrics:    deps.Metrics,
		logger:     cfg.Logger,
		onNavigate: deps.OnNavigate,
		state:      StateIdle,
		notice:     TextReady,
		listeners:  make(map[int]func(Status)),
	}

	c.watcher = NewWatcher(ctx, deps.Loop, deps.Recognizer, deps.Vocabulary, WatcherConfig{
		RestartDelay: cfg.WatcherRestartDelay,
		Logger:       cfg.Logger.With("component", "interrupt_watcher"),
		Metrics:      deps.Metrics,
	})
	c.watcher.shouldRun = func() bool { return c.state == StateSpeaking }
	c.watcher.onInterrupt = func(string) { c.interrupt("watcher") }

	var resolve func(string) (string, error)
	if deps.Submitter != nil {
		resolve = deps.Submitter.ResolveURL
	}
	c.playback = NewPlayback(ctx, deps.Loop, deps.Player, resolve, c.watcher, cfg.Logger.With("component", "playback"))
	c.playback.onStarted = c.onPlaybackStarted
	c.playback.onFinished = c.onPlaybackFinished

	c.engine.OnCaptured(c.onCaptured)
	c.openSession()
	return c
}

// Toggle is the primary gesture: start recording, stop recording, or
// interrupt a spoken reply.
func (c *Controller) Toggle() { c.loop.Post(c.toggle) }

// Stop is the explicit stop action. It is a no-op while idle.
func (c *Controller) Stop() { c.loop.Post(c.stop) }

// SubmitText sends typed compose input. done runs on the loop once the
// input is accepted or rejected, before the server replies.
func (c *Controller) SubmitText(field, value string, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	c.loop.Post(func() { c.submitText(field, value, done) })
}

// EndSession releases the microphone and closes the session.
func (c *Controller) EndSession(reason string) {
	c.loop.Post(func() { c.endSession(reason) })
}

func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Subscribe registers fn for every status change. fn runs on the loop and
// must not block.
func (c *Controller) Subscribe(fn func(Status)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextListener++
	id := c.nextListener
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Controller) openSession() {
	c.ended = false
	c.loggingOut = false
	if c.sessions != nil {
		c.sessionID = c.sessions.Create(c.cfg.ServerURL).ID
	} else {
		c.sessionID = uuid.NewString()
	}
	c.syncActiveSessions(1)
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues("started").Inc()
	}
	c.logger.Info("voice session started", "session_id", c.sessionID)
	c.setState(StateIdle, TextReady)
}

func (c *Controller) toggle() {
	if c.ended {
		c.openSession()
	}
	c.userAction()
	switch c.state {
	case StateSpeaking:
		c.interrupt("toggle")
	case StateRecording:
		c.engine.Stop()
	case StateProcessing:
		c.logger.Debug("toggle ignored while processing")
	case StateIdle:
		c.beginRecording(true)
	}
}

func (c *Controller) stop() {
	if c.ended {
		return
	}
	c.userAction()
	switch c.state {
	case StateSpeaking:
		c.interrupt("stop")
	case StateRecording:
		c.engine.Stop()
	}
}

func (c *Controller) userAction() {
	c.cancelRestart()
	if c.sessions != nil {
		_ = c.sessions.Touch(c.sessionID)
	}
}

func (c *Controller) cancelRestart() {
	c.restartTimer.Stop()
	c.restartTimer = nil
}

func (c *Controller) beginRecording(gesture bool) {
	if c.starting || c.loggingOut {
		return
	}
	c.starting = true
	c.engine.EnsureReady(c.ctx, gesture, func(ready bool, err error) {
		c.starting = false
		if c.state != StateIdle || c.ended || c.loggingOut {
			return
		}
		if err != nil {
			if errors.Is(err, capture.ErrMicAccessDenied) {
				reason := strings.TrimPrefix(err.Error(), capture.ErrMicAccessDenied.Error()+": ")
				c.setState(StateIdle, TextMicDenied+": "+reason)
				return
			}
			c.logger.Warn("audio session unavailable", "error", err)
			c.setState(StateIdle, TextNeedGesture)
			return
		}
		if !ready {
			c.setState(StateIdle, TextNeedGesture)
			return
		}
		if err := c.engine.Start(); err != nil {
			if !errors.Is(err, capture.ErrContextSuspended) {
				c.logger.Warn("recording start failed", "error", err)
			}
			c.setState(StateIdle, TextNeedGesture)
			return
		}
		c.newTurn()
		c.setState(StateRecording, TextListening)
	})
}

func (c *Controller) newTurn() {
	now := c.loop.Clock().Now()
	id := uuid.NewString()
	c.turn = &turnInfo{
		id:        id,
		startedAt: now,
		record: journal.TurnRecord{
			ID:        id,
			SessionID: c.sessionID,
			CreatedAt: now.UTC(),
		},
	}
	if c.sessions != nil {
		_ = c.sessions.StartTurn(c.sessionID, id)
	}
}

func (c *Controller) onCaptured(cp capture.Capture) {
	if c.state != StateRecording || c.turn == nil {
		return
	}
	if c.metrics != nil {
		c.metrics.RecordingSeconds.Observe(cp.Duration.Seconds())
	}
	if cp.Empty() {
		c.logger.Info("recording stopped with no audio", "turn_id", c.turn.id, "auto", cp.AutoStopped)
		c.finishTurn(journal.OutcomeEmptyCapture)
		c.setState(StateIdle, TextNoAudio)
		return
	}

	c.turn.stoppedAt = c.loop.Clock().Now()
	c.setState(StateProcessing, TextProcessing)

	turnID := c.turn.id
	frames, from, to := cp.Frames, cp.SampleRate, c.cfg.TargetSampleRate
	c.loop.Go(func() func() {
		wav := audio.EncodeWAV(audio.Resample(audio.MergeFrames(frames), from, to), to)
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SubmitTimeout)
		defer cancel()
		res, err := c.submitter.Process(ctx, wav)
		return func() { c.handleResponse(turnID, res, err) }
	})
}

func (c *Controller) submitText(field, value string, done func(error)) {
	if c.ended {
		c.openSession()
	}
	c.userAction()
	if c.state == StateRecording || c.state == StateProcessing || c.starting || c.loggingOut {
		done(ErrBusy)
		return
	}
	if c.state == StateSpeaking {
		c.interrupt("compose")
	}

	c.newTurn()
	c.turn.stoppedAt = c.turn.startedAt
	c.setState(StateProcessing, TextProcessing)
	done(nil)

	turnID := c.turn.id
	c.loop.Go(func() func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SubmitTimeout)
		defer cancel()
		res, err := c.submitter.ComposeText(ctx, field, value)
		return func() { c.handleResponse(turnID, res, err) }
	})
}

func (c *Controller) handleResponse(turnID string, res voiceapi.Response, err error) {
	if c.turn == nil || c.turn.id != turnID || c.state != StateProcessing {
		c.logger.Debug("dropping stale response", "turn_id", turnID)
		return
	}
	latency := c.loop.Clock().Now().Sub(c.turn.stoppedAt)
	c.turn.record.LatencyMS = latency.Milliseconds()
	if c.metrics != nil {
		c.metrics.ObserveSubmitLatency(latency)
	}

	if err != nil {
		var se *voiceapi.ServerError
		if errors.As(err, &se) {
			c.logger.Warn("voice server error", "turn_id", turnID, "status", se.Status, "error", se.Message)
			c.countSubmitError("server")
			c.finishTurn(journal.OutcomeServerError)
			c.setState(StateIdle, "Server error: "+se.Message)
			return
		}
		c.logger.Warn("voice submission failed", "turn_id", turnID, "error", err)
		c.countSubmitError(reliability.TransportErrorKind(err))
		c.finishTurn(journal.OutcomeNetworkError)
		c.setState(StateIdle, TextNetworkError)
		return
	}
	c.applyResponse(res)
}

func (c *Controller) countSubmitError(kind string) {
	if c.metrics != nil {
		c.metrics.SubmitErrors.WithLabelValues(kind).Inc()
	}
}

func (c *Controller) applyResponse(res voiceapi.Response) {
	rec := &c.turn.record
	rec.Transcription = res.TranscriptionText()
	rec.Intent = res.Intent
	rec.EmailStep = res.Step()
	rec.ResponseText = res.ResponseText
	c.lastTranscription = res.TranscriptionText()
	c.lastResponse = res.ResponseText

	if res.Intent == IntentCancelEmail {
		c.step = StepNone
	} else {
		c.step = ParseStep(res.Step())
	}
	c.logger.Info("turn response", "turn_id", c.turn.id, "intent", res.Intent, "step", string(c.step), "has_audio", res.Audio() != "")

	switch {
	case res.Intent == IntentStopReading:
		c.playback.Stop()
		c.finishTurn(journal.OutcomeSilent)
		c.setState(StateIdle, TextStopped)
		return
	case res.Intent == IntentLogout:
		c.beginLogout(res.Audio())
		return
	case res.Intent == IntentUnknown && strings.TrimSpace(res.TranscriptionText()) == "":
		c.finishTurn(journal.OutcomeSilent)
		c.setState(StateIdle, TextReady)
		return
	}

	if ref := res.Audio(); ref != "" {
		c.speak(ref)
		return
	}
	text := strings.TrimSpace(res.ResponseText)
	switch {
	case text != "":
	case res.Intent == IntentCancelEmail:
		text = TextEmailCancelled
	default:
		text = TextReady
	}
	c.finishTurn(journal.OutcomeSilent)
	c.setState(StateIdle, text)
}

func (c *Controller) speak(ref string) {
	c.setState(StateSpeaking, TextSpeaking)
	c.playback.Play(ref)
}

func (c *Controller) onPlaybackStarted() {
	if c.metrics != nil && c.turn != nil && !c.turn.stoppedAt.IsZero() {
		c.metrics.ObserveTurnStage(observability.StageResponseToAudio, c.loop.Clock().Now().Sub(c.turn.stoppedAt))
	}
}

// onPlaybackFinished handles natural completion and playback failure alike.
func (c *Controller) onPlaybackFinished(err error) {
	if c.state != StateSpeaking {
		return
	}
	if c.loggingOut {
		c.finishTurn(journal.OutcomeLogout)
		c.completeLogout()
		return
	}
	outcome := journal.OutcomeSpoken
	if err != nil {
		outcome = journal.OutcomePlayback
	}
	c.finishTurn(outcome)
	c.setState(StateIdle, TextReady)
	c.scheduleRestart()
}

func (c *Controller) scheduleRestart() {
	c.cancelRestart()
	c.restartTimer = c.loop.AfterFunc(c.cfg.GraceDelay, func() {
		c.restartTimer = nil
		if c.state != StateIdle || c.ended || c.loggingOut || c.starting {
			return
		}
		if c.metrics != nil {
			c.metrics.AutoRestarts.Inc()
		}
		c.beginRecording(false)
	})
}

// interrupt stops a spoken reply without scheduling a restart. It is a
// no-op unless speaking.
func (c *Controller) interrupt(source string) {
	if c.state != StateSpeaking {
		return
	}
	start := c.loop.Clock().Now()
	c.playback.Stop()
	c.cancelRestart()
	if c.metrics != nil {
		c.metrics.Interrupts.WithLabelValues(source).Inc()
	}
	if c.sessions != nil {
		_ = c.sessions.Interrupt(c.sessionID)
	}
	c.logger.Info("playback interrupted", "source", source)
	if c.loggingOut {
		c.finishTurn(journal.OutcomeLogout)
		c.completeLogout()
		return
	}
	c.finishTurn(journal.OutcomeInterrupted)
	c.setState(StateIdle, TextStopped)
	if c.metrics != nil {
		c.metrics.ObserveTurnStage(observability.StageInterruptToIdle, c.loop.Clock().Now().Sub(start))
	}
}

func (c *Controller) beginLogout(farewell string) {
	c.loggingOut = true
	c.cancelRestart()
	if farewell != "" {
		c.speak(farewell)
		return
	}
	c.finishTurn(journal.OutcomeLogout)
	c.completeLogout()
}

// completeLogout releases the audio session now and leaves after LogoutDelay.
func (c *Controller) completeLogout() {
	c.playback.Stop()
	if err := c.engine.Release(); err != nil {
		c.logger.Warn("release audio session failed", "error", err)
	}
	c.setState(StateIdle, TextLoggingOut)
	c.logoutTimer.Stop()
	c.logoutTimer = c.loop.AfterFunc(c.cfg.LogoutDelay, func() {
		c.logoutTimer = nil
		c.loop.Go(func() func() {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SubmitTimeout)
			defer cancel()
			err := c.submitter.Logout(ctx)
			return func() {
				if err != nil {
					c.logger.Warn("server logout failed", "error", err)
				}
				c.endSession("logout")
				if c.onNavigate != nil {
					c.onNavigate()
				}
			}
		})
	})
}

func (c *Controller) endSession(reason string) {
	if c.ended {
		return
	}
	c.ended = true
	c.cancelRestart()
	c.logoutTimer.Stop()
	c.logoutTimer = nil
	c.playback.Stop()
	if c.turn != nil {
		c.finishTurn(journal.OutcomeInterrupted)
	}
	if err := c.engine.Release(); err != nil {
		c.logger.Warn("release audio session failed", "error", err)
	}
	c.step = StepNone
	c.loggingOut = false
	if c.sessions != nil {
		_, _ = c.sessions.End(c.sessionID, reason)
	}
	c.syncActiveSessions(-1)
	if c.metrics != nil {
		c.metrics.SessionEvents.WithLabelValues("ended_" + reason).Inc()
	}
	c.logger.Info("voice session ended", "session_id", c.sessionID, "reason", reason)
	c.setState(StateIdle, TextSessionEnded)
}

// syncActiveSessions is the only writer of the active_sessions gauge. With a
// session manager the gauge mirrors its live count, so a session the janitor
// already ended is not subtracted twice.
func (c *Controller) syncActiveSessions(delta float64) {
	if c.metrics == nil {
		return
	}
	if c.sessions != nil {
		c.metrics.ActiveSessions.Set(float64(c.sessions.ActiveCount()))
		return
	}
	c.metrics.ActiveSessions.Add(delta)
}

func (c *Controller) finishTurn(outcome journal.Outcome) {
	t := c.turn
	if t == nil {
		return
	}
	c.turn = nil
	rec := t.record
	rec.Outcome = outcome
	if c.metrics != nil {
		c.metrics.ObserveOutcome(string(outcome))
		c.metrics.ObserveTurnStage(observability.StageTurnTotal, c.loop.Clock().Now().Sub(t.startedAt))
	}
	if c.sessions != nil {
		_ = c.sessions.CompleteTurn(c.sessionID)
	}
	if c.journal == nil {
		return
	}
	store, ctx := c.journal, c.ctx
	c.loop.Go(func() func() {
		if err := store.SaveTurn(ctx, rec); err != nil {
			return func() { c.logger.Warn("journal save failed", "turn_id", rec.ID, "error", err) }
		}
		return nil
	})
}

func (c *Controller) setState(to State, text string) {
	from := c.state
	c.state = to
	c.notice = text
	if from != to && c.metrics != nil {
		c.metrics.StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	if from != to {
		c.logger.Debug("turn state", "from", string(from), "to", string(to), "text", text)
	}
	c.publish()
}

func (c *Controller) publish() {
	st := Status{
		State:         c.state,
		Step:          c.step,
		Text:          c.notice,
		Hint:          c.step.Hint(),
		Transcription: c.lastTranscription,
		ResponseText:  c.lastResponse,
		SessionID:     c.sessionID,
		UpdatedAt:     c.loop.Clock().Now().UTC(),
	}
	if c.turn != nil {
		st.TurnID = c.turn.id
	}

	c.mu.Lock()
	c.status = st
	listeners := make([]func(Status), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}
