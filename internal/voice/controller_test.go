package voice

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/mailvoice/internal/audio"
	"github.com/ent0n29/mailvoice/internal/capture"
	"github.com/ent0n29/mailvoice/internal/eventloop"
	"github.com/ent0n29/mailvoice/internal/journal"
	"github.com/ent0n29/mailvoice/internal/observability"
	"github.com/ent0n29/mailvoice/internal/recognizer"
	"github.com/ent0n29/mailvoice/internal/session"
	"github.com/ent0n29/mailvoice/internal/vocab"
	"github.com/ent0n29/mailvoice/internal/voiceapi"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	responses []voiceapi.Response
	errs      []error
	wavs      [][]byte
	composed  []string
	logouts   int
}

func (s *fakeSubmitter) queue(res voiceapi.Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, res)
	s.errs = append(s.errs, err)
}

func (s *fakeSubmitter) next() (voiceapi.Response, error) {
	if len(s.responses) == 0 {
		return voiceapi.Response{Intent: IntentUnknown}, nil
	}
	res, err := s.responses[0], s.errs[0]
	s.responses, s.errs = s.responses[1:], s.errs[1:]
	return res, err
}

func (s *fakeSubmitter) Process(_ context.Context, wav []byte) (voiceapi.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wavs = append(s.wavs, wav)
	return s.next()
}

func (s *fakeSubmitter) ComposeText(_ context.Context, field, value string) (voiceapi.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.composed = append(s.composed, field+"="+value)
	return s.next()
}

func (s *fakeSubmitter) Logout(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logouts++
	return nil
}

func (s *fakeSubmitter) ResolveURL(ref string) (string, error) {
	return "http://voice.test" + ref, nil
}

func (s *fakeSubmitter) processCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.wavs)
}

type fakeTrack struct {
	url     string
	onStart func()
	onDone  func(error)
	stopped bool
}

type fakePlayer struct {
	mu     sync.Mutex
	tracks []*fakeTrack
}

func (p *fakePlayer) Play(_ context.Context, url string, onStart func(), onDone func(error)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr := &fakeTrack{url: url, onStart: onStart, onDone: onDone}
	p.tracks = append(p.tracks, tr)
	return func() {
		p.mu.Lock()
		tr.stopped = true
		p.mu.Unlock()
	}, nil
}

func (p *fakePlayer) track(i int) *fakeTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.tracks) {
		return nil
	}
	return p.tracks[i]
}

func (p *fakePlayer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

type fakeRecognition struct {
	events  chan recognizer.Event
	once    sync.Once
	mu      sync.Mutex
	stopped bool
}

func (r *fakeRecognition) Events() <-chan recognizer.Event { return r.events }

func (r *fakeRecognition) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.end()
}

func (r *fakeRecognition) send(ev recognizer.Event) { r.events <- ev }

func (r *fakeRecognition) end() {
	r.once.Do(func() {
		r.events <- recognizer.Event{Kind: recognizer.EventEnd}
		close(r.events)
	})
}

type fakeRecognizer struct {
	mu    sync.Mutex
	runs  []*fakeRecognition
	unavailable bool
}

func (f *fakeRecognizer) Start(context.Context) (recognizer.Recognition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return nil, recognizer.ErrUnavailable
	}
	r := &fakeRecognition{events: make(chan recognizer.Event, 8)}
	f.runs = append(f.runs, r)
	return r, nil
}

func (f *fakeRecognizer) starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeRecognizer) last() *fakeRecognition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[len(f.runs)-1]
}

type harness struct {
	clock     *eventloop.FakeClock
	loop      *eventloop.Loop
	platform  *capture.FakePlatform
	engine    *capture.Engine
	submitter *fakeSubmitter
	player    *fakePlayer
	rec       *fakeRecognizer
	store     *journal.InMemoryStore
	sessions  *session.Manager
	ctrl      *Controller
	navigated int
}

func newHarness(t *testing.T, withRecognizer bool) *harness {
	t.Helper()
	h := &harness{
		clock:     eventloop.NewFakeClock(time.Unix(1700000000, 0)),
		platform:  capture.NewFakePlatform(48000),
		submitter: &fakeSubmitter{},
		player:    &fakePlayer{},
		rec:       &fakeRecognizer{},
		store:     journal.NewInMemoryStore(100),
		sessions:  session.NewManager(time.Hour),
	}
	h.loop = eventloop.New(h.clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.engine = capture.NewEngine(h.loop, capture.NewSession(h.platform), capture.EngineConfig{
		MaxDuration: 8 * time.Second,
		Logger:      logger,
	})
	deps := Deps{
		Loop:       h.loop,
		Engine:     h.engine,
		Submitter:  h.submitter,
		Player:     h.player,
		Vocabulary: vocab.Default(),
		Journal:    h.store,
		Sessions:   h.sessions,
		Metrics:    observability.NewMetricsWith("test", prometheus.NewRegistry()),
		OnNavigate: func() { h.navigated++ },
	}
	if withRecognizer {
		deps.Recognizer = h.rec
	}
	h.ctrl = NewController(context.Background(), deps, Config{
		ServerURL:        "http://voice.test",
		TargetSampleRate: 16000,
		GraceDelay:       400 * time.Millisecond,
		LogoutDelay:      time.Second,
		SubmitTimeout:    time.Second,
		Logger:           logger,
	})
	h.loop.RunUntilIdle()
	return h
}

func (h *harness) run() { h.loop.RunUntilIdle() }

// settle drains the loop until cond holds. Recognizer events reach the loop
// from a forwarding goroutine, so a single drain can miss them.
func (h *harness) settle(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.run()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not reached; status = %+v", h.ctrl.Status())
}

func (h *harness) state() State { return h.ctrl.Status().State }

func (h *harness) toggle() {
	h.ctrl.Toggle()
	h.run()
}

// record runs one full recording turn that captured frames.
func (h *harness) record(t *testing.T) {
	t.Helper()
	h.toggle()
	if h.state() != StateRecording {
		t.Fatalf("state = %s, want recording", h.state())
	}
	mic := h.platform.Mic()
	mic.Emit(make([]float32, 480))
	mic.Emit(make([]float32, 480))
	h.run()
	h.toggle()
}

func (h *harness) speakReply(t *testing.T) {
	t.Helper()
	h.submitter.queue(voiceapi.Response{
		Transcription: ptr("read my inbox"),
		ResponseText:  "You have two new emails.",
		Intent:        "read_emails",
		AudioURL:      ptr("/static/audio/reply.wav"),
	}, nil)
	h.record(t)
	if h.state() != StateSpeaking {
		t.Fatalf("state = %s, want speaking", h.state())
	}
}

func (h *harness) recent(t *testing.T) []journal.TurnRecord {
	t.Helper()
	turns, err := h.store.Recent(context.Background(), h.ctrl.Status().SessionID, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	return turns
}

func ptr(s string) *string { return &s }

func TestStopFromIdleIsNoop(t *testing.T) {
	h := newHarness(t, true)
	h.ctrl.Stop()
	h.run()
	if h.state() != StateIdle {
		t.Fatalf("state = %s, want idle", h.state())
	}
	if h.platform.Opens() != 0 || h.submitter.processCalls() != 0 {
		t.Fatalf("stop from idle touched the mic or server")
	}
}

func TestRecordedTurnSubmitsResampledWAVAndSpeaks(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{
		Transcription: ptr("compose an email"),
		ResponseText:  "Who should I send it to?",
		Intent:        "compose_email",
		EmailStep:     ptr("to"),
		AudioURL:      ptr("/static/audio/ask_to.wav"),
	}, nil)
	h.record(t)

	if h.submitter.processCalls() != 1 {
		t.Fatalf("Process() calls = %d, want 1", h.submitter.processCalls())
	}
	hdr, samples, err := audio.DecodePCM16(h.submitter.wavs[0])
	if err != nil {
		t.Fatalf("DecodePCM16() error = %v", err)
	}
	if hdr.SampleRate != 16000 || hdr.Channels != 1 || hdr.BitsPerSample != 16 {
		t.Fatalf("header = %+v, want 16kHz mono PCM16", hdr)
	}
	if len(samples) != 320 {
		t.Fatalf("samples = %d, want 320", len(samples))
	}

	st := h.ctrl.Status()
	if st.State != StateSpeaking || st.Text != TextSpeaking {
		t.Fatalf("status = %+v, want speaking", st)
	}
	if st.Step != StepTo || st.Hint != StepTo.Hint() {
		t.Fatalf("step = %q hint = %q, want to", st.Step, st.Hint)
	}
	tr := h.player.track(0)
	if tr == nil || !strings.HasPrefix(tr.url, "http://voice.test/static/audio/ask_to.wav?_ts=") {
		t.Fatalf("played url = %+v, want cache-busted reply", tr)
	}
}

func TestNaturalCompletionSchedulesOneRestart(t *testing.T) {
	h := newHarness(t, true)
	h.speakReply(t)
	tr := h.player.track(0)
	tr.onStart()
	h.run()
	tr.onDone(nil)
	h.run()

	if h.state() != StateIdle || !h.ctrl.restartTimer.Pending() {
		t.Fatalf("state = %s pending = %v, want idle with restart pending", h.state(), h.ctrl.restartTimer.Pending())
	}
	h.clock.Advance(399 * time.Millisecond)
	h.run()
	if h.state() != StateIdle {
		t.Fatalf("restarted before grace delay")
	}
	h.clock.Advance(time.Millisecond)
	h.run()
	if h.state() != StateRecording {
		t.Fatalf("state = %s, want recording after grace delay", h.state())
	}
	h.clock.Advance(time.Second)
	h.run()
	if h.platform.Context().Connects() != 2 {
		t.Fatalf("Connects() = %d, want 2", h.platform.Context().Connects())
	}
	turns := h.recent(t)
	if len(turns) != 1 || turns[0].Outcome != journal.OutcomeSpoken {
		t.Fatalf("journal = %+v, want one spoken turn", turns)
	}
}

func TestUserActionCancelsPendingRestart(t *testing.T) {
	h := newHarness(t, true)
	h.speakReply(t)
	h.player.track(0).onDone(nil)
	h.run()
	h.ctrl.Stop()
	h.run()
	h.clock.Advance(time.Second)
	h.run()
	if h.state() != StateIdle {
		t.Fatalf("state = %s, want idle after cancelled restart", h.state())
	}
}

func TestZeroFramesNeverSubmits(t *testing.T) {
	h := newHarness(t, true)
	h.toggle()
	h.toggle()
	st := h.ctrl.Status()
	if st.State != StateIdle || st.Text != TextNoAudio {
		t.Fatalf("status = %+v, want idle with no-audio notice", st)
	}
	if h.submitter.processCalls() != 0 {
		t.Fatalf("Process() called for empty capture")
	}
	turns := h.recent(t)
	if len(turns) != 1 || turns[0].Outcome != journal.OutcomeEmptyCapture {
		t.Fatalf("journal = %+v, want empty_capture", turns)
	}
}

func TestAutoStopWithoutFramesReturnsIdle(t *testing.T) {
	h := newHarness(t, true)
	h.toggle()
	h.clock.Advance(8 * time.Second)
	h.run()
	if h.ctrl.Status().Text != TextNoAudio {
		t.Fatalf("text = %q, want %q", h.ctrl.Status().Text, TextNoAudio)
	}
	if h.submitter.processCalls() != 0 {
		t.Fatalf("Process() called after silent auto-stop")
	}
}

func TestToggleWhileSpeakingInterrupts(t *testing.T) {
	h := newHarness(t, true)
	h.speakReply(t)
	h.toggle()

	st := h.ctrl.Status()
	if st.State != StateIdle || st.Text != TextStopped {
		t.Fatalf("status = %+v, want idle/Stopped", st)
	}
	if !h.player.track(0).stopped {
		t.Fatalf("track not stopped")
	}
	if h.ctrl.restartTimer.Pending() {
		t.Fatalf("restart scheduled after interruption")
	}
	h.clock.Advance(2 * time.Second)
	h.run()
	if h.state() != StateIdle {
		t.Fatalf("state = %s, want idle", h.state())
	}
	// A late completion from the stopped track changes nothing.
	h.player.track(0).onDone(nil)
	h.run()
	if h.ctrl.restartTimer.Pending() {
		t.Fatalf("stopped track scheduled a restart")
	}
	turns := h.recent(t)
	if len(turns) != 1 || turns[0].Outcome != journal.OutcomeInterrupted {
		t.Fatalf("journal = %+v, want interrupted", turns)
	}
	sess, _ := h.sessions.Get(h.ctrl.Status().SessionID)
	if sess.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", sess.InterruptionCount)
	}
}

func TestToggleIgnoredWhileProcessing(t *testing.T) {
	h := newHarness(t, true)
	h.toggle()
	h.platform.Mic().Emit([]float32{0.1})
	h.run()
	h.ctrl.Toggle()
	h.ctrl.Toggle()
	h.run()
	if h.submitter.processCalls() != 1 {
		t.Fatalf("Process() calls = %d, want 1", h.submitter.processCalls())
	}
	if h.platform.Context().Connects() != 1 {
		t.Fatalf("toggle during processing started a recording")
	}
}

func TestCancelEmailClearsStep(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{
		Transcription: ptr("compose"),
		ResponseText:  "Who is it for?",
		Intent:        "compose_email",
		EmailStep:     ptr("subject"),
	}, nil)
	h.record(t)
	if st := h.ctrl.Status(); st.Step != StepSubject || st.Text != "Who is it for?" {
		t.Fatalf("status = %+v, want subject step", st)
	}

	h.submitter.queue(voiceapi.Response{
		Transcription: ptr("cancel"),
		Intent:        IntentCancelEmail,
		EmailStep:     ptr("subject"),
	}, nil)
	h.record(t)
	st := h.ctrl.Status()
	if st.Step != StepNone || st.Hint != "" {
		t.Fatalf("step = %q hint = %q, want cleared", st.Step, st.Hint)
	}
	if st.Text != TextEmailCancelled {
		t.Fatalf("text = %q, want %q", st.Text, TextEmailCancelled)
	}
}

func TestStopReadingIntentSuppressesPlayback(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{
		Transcription: ptr("stop reading"),
		Intent:        IntentStopReading,
		AudioURL:      ptr("/static/audio/ok.wav"),
	}, nil)
	h.record(t)
	st := h.ctrl.Status()
	if st.State != StateIdle || st.Text != TextStopped {
		t.Fatalf("status = %+v, want idle/Stopped", st)
	}
	if h.player.count() != 0 {
		t.Fatalf("played %d tracks, want 0", h.player.count())
	}
	if h.ctrl.restartTimer.Pending() {
		t.Fatalf("restart scheduled after stop_reading")
	}
}

func TestUnknownIntentWithoutTranscriptionIsSilent(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{Intent: IntentUnknown, AudioURL: ptr("/static/audio/x.wav")}, nil)
	h.record(t)
	if st := h.ctrl.Status(); st.State != StateIdle || st.Text != TextReady {
		t.Fatalf("status = %+v, want idle/Ready", st)
	}
	if h.player.count() != 0 {
		t.Fatalf("played audio for empty transcription")
	}
}

func TestResponseWithoutAudioShowsText(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{
		Transcription: ptr("how many emails"),
		ResponseText:  "You have 3 unread emails.",
		Intent:        "count",
	}, nil)
	h.record(t)
	st := h.ctrl.Status()
	if st.State != StateIdle || st.Text != "You have 3 unread emails." {
		t.Fatalf("status = %+v, want idle with response text", st)
	}
	if st.Transcription != "how many emails" {
		t.Fatalf("Transcription = %q", st.Transcription)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		text    string
		outcome journal.Outcome
	}{
		{
			name:    "server",
			err:     &voiceapi.ServerError{Status: 500, Message: "transcription failed"},
			text:    "Server error: transcription failed",
			outcome: journal.OutcomeServerError,
		},
		{
			name:    "network",
			err:     &voiceapi.NetworkError{Op: "post /voice/process", Err: errors.New("connection refused")},
			text:    TextNetworkError,
			outcome: journal.OutcomeNetworkError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.submitter.queue(voiceapi.Response{}, tt.err)
			h.record(t)
			st := h.ctrl.Status()
			if st.State != StateIdle || st.Text != tt.text {
				t.Fatalf("status = %+v, want idle with %q", st, tt.text)
			}
			turns := h.recent(t)
			if len(turns) != 1 || turns[0].Outcome != tt.outcome {
				t.Fatalf("journal = %+v, want %s", turns, tt.outcome)
			}
		})
	}
}

func TestPlaybackErrorReturnsIdle(t *testing.T) {
	h := newHarness(t, true)
	h.speakReply(t)
	h.player.track(0).onDone(errors.New("decode failed"))
	h.run()
	if h.state() != StateIdle {
		t.Fatalf("state = %s, want idle", h.state())
	}
	turns := h.recent(t)
	if len(turns) != 1 || turns[0].Outcome != journal.OutcomePlayback {
		t.Fatalf("journal = %+v, want playback_error", turns)
	}
}

func TestLogoutPlaysFarewellThenLeaves(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{
		Transcription: ptr("log out"),
		ResponseText:  "Goodbye.",
		Intent:        IntentLogout,
		AudioURL:      ptr("/static/audio/bye.wav"),
	}, nil)
	h.record(t)
	if h.state() != StateSpeaking {
		t.Fatalf("state = %s, want speaking farewell", h.state())
	}
	mic := h.platform.Mic()
	h.player.track(0).onDone(nil)
	h.run()

	if st := h.ctrl.Status(); st.Text != TextLoggingOut {
		t.Fatalf("text = %q, want %q", st.Text, TextLoggingOut)
	}
	if !mic.Closed() {
		t.Fatalf("microphone still open during logout")
	}
	if h.ctrl.restartTimer.Pending() {
		t.Fatalf("restart scheduled during logout")
	}
	h.clock.Advance(time.Second)
	h.run()
	if h.submitter.logouts != 1 || h.navigated != 1 {
		t.Fatalf("logouts = %d navigated = %d, want 1 and 1", h.submitter.logouts, h.navigated)
	}
	if h.ctrl.Status().Text != TextSessionEnded {
		t.Fatalf("text = %q, want %q", h.ctrl.Status().Text, TextSessionEnded)
	}
	if h.sessions.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", h.sessions.ActiveCount())
	}
}

func TestLogoutWithoutAudio(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{Transcription: ptr("log out"), Intent: IntentLogout}, nil)
	h.record(t)
	h.clock.Advance(time.Second)
	h.run()
	if h.submitter.logouts != 1 || h.navigated != 1 {
		t.Fatalf("logouts = %d navigated = %d, want 1 and 1", h.submitter.logouts, h.navigated)
	}
}

func TestMicDeniedStaysIdle(t *testing.T) {
	h := newHarness(t, true)
	h.platform.DenyErr = errors.New("NotAllowedError")
	h.toggle()
	st := h.ctrl.Status()
	if st.State != StateIdle || !strings.HasPrefix(st.Text, TextMicDenied) {
		t.Fatalf("status = %+v, want idle with denial", st)
	}
	if !strings.Contains(st.Text, "NotAllowedError") {
		t.Fatalf("text = %q, want denial reason", st.Text)
	}
}

func TestAutoRestartWithSuspendedContextWaitsForGesture(t *testing.T) {
	h := newHarness(t, true)
	h.speakReply(t)
	h.platform.Context().Suspend()
	h.player.track(0).onDone(nil)
	h.run()
	h.clock.Advance(400 * time.Millisecond)
	h.run()
	st := h.ctrl.Status()
	if st.State != StateIdle || st.Text != TextNeedGesture {
		t.Fatalf("status = %+v, want idle awaiting gesture", st)
	}
	h.toggle()
	if h.state() != StateRecording {
		t.Fatalf("state = %s, want recording after gesture", h.state())
	}
}

func TestSubmitTextComposePath(t *testing.T) {
	h := newHarness(t, true)
	h.submitter.queue(voiceapi.Response{
		ResponseText: "What is the subject?",
		Intent:       "compose_email",
		EmailStep:    ptr("subject"),
	}, nil)
	var accepted error = errors.New("not called")
	h.ctrl.SubmitText("to", "bob@example.com", func(err error) { accepted = err })
	h.run()
	if accepted != nil {
		t.Fatalf("SubmitText() error = %v", accepted)
	}
	if len(h.submitter.composed) != 1 || h.submitter.composed[0] != "to=bob@example.com" {
		t.Fatalf("composed = %v", h.submitter.composed)
	}
	if st := h.ctrl.Status(); st.Step != StepSubject {
		t.Fatalf("step = %q, want subject", st.Step)
	}
}

func TestSubmitTextBusyWhileRecording(t *testing.T) {
	h := newHarness(t, true)
	h.toggle()
	var got error
	h.ctrl.SubmitText("to", "x", func(err error) { got = err })
	h.run()
	if !errors.Is(got, ErrBusy) {
		t.Fatalf("SubmitText() error = %v, want ErrBusy", got)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	h := newHarness(t, true)
	var states []State
	unsubscribe := h.ctrl.Subscribe(func(st Status) { states = append(states, st.State) })
	h.toggle()
	unsubscribe()
	h.toggle()
	if len(states) != 1 || states[0] != StateRecording {
		t.Fatalf("states = %v, want [recording]", states)
	}
}

func TestEndSessionReleasesAndReopensOnToggle(t *testing.T) {
	h := newHarness(t, true)
	first := h.ctrl.Status().SessionID
	h.toggle()
	mic := h.platform.Mic()
	h.ctrl.EndSession("inactivity")
	h.run()
	if !mic.Closed() || h.engine.Recording() {
		t.Fatalf("end session left the mic running")
	}
	if h.ctrl.Status().Text != TextSessionEnded {
		t.Fatalf("text = %q, want %q", h.ctrl.Status().Text, TextSessionEnded)
	}
	h.toggle()
	if h.ctrl.Status().SessionID == first {
		t.Fatalf("toggle after end reused the old session")
	}
	if h.state() != StateRecording {
		t.Fatalf("state = %s, want recording", h.state())
	}
}
