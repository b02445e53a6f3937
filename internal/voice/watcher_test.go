package voice

import (
	"testing"
	"time"

	"github.com/ent0n29/mailvoice/internal/recognizer"
)

func startSpeaking(t *testing.T, h *harness) *fakeTrack {
	t.Helper()
	h.speakReply(t)
	tr := h.player.track(0)
	tr.onStart()
	h.run()
	return tr
}

func TestWatcherStartsOnPlaybackStartAndStopsOnEnd(t *testing.T) {
	h := newHarness(t, true)
	tr := startSpeaking(t, h)
	if h.rec.starts() != 1 || !h.ctrl.watcher.Active() {
		t.Fatalf("watcher starts = %d active = %v, want 1 and true", h.rec.starts(), h.ctrl.watcher.Active())
	}
	run := h.rec.last()
	tr.onDone(nil)
	h.run()
	if h.ctrl.watcher.Active() {
		t.Fatalf("watcher still active after playback ended")
	}
	run.mu.Lock()
	stopped := run.stopped
	run.mu.Unlock()
	if !stopped {
		t.Fatalf("recognition not stopped")
	}
}

func TestWatcherInterruptWordStopsPlayback(t *testing.T) {
	h := newHarness(t, true)
	tr := startSpeaking(t, h)
	h.rec.last().send(recognizer.Event{Kind: recognizer.EventResult, Text: "okay please stop"})
	h.settle(t, func() bool { return h.state() == StateIdle })

	st := h.ctrl.Status()
	if st.Text != TextStopped {
		t.Fatalf("text = %q, want %q", st.Text, TextStopped)
	}
	if !tr.stopped {
		t.Fatalf("track not stopped by interrupt word")
	}
	if h.ctrl.restartTimer.Pending() {
		t.Fatalf("restart scheduled after interrupt")
	}
}

func TestWatcherIgnoresOtherSpeech(t *testing.T) {
	h := newHarness(t, true)
	startSpeaking(t, h)
	run := h.rec.last()
	run.send(recognizer.Event{Kind: recognizer.EventResult, Text: "the weather is nice", Final: true})
	run.send(recognizer.Event{Kind: recognizer.EventResult, Text: "unstoppable"})
	// Draining an unrelated no-speech event proves the results were handled.
	run.send(recognizer.Event{Kind: recognizer.EventError, Code: "no-speech"})
	h.settle(t, func() bool { return h.ctrl.watcher.restartTimer.Pending() })
	if h.state() != StateSpeaking {
		t.Fatalf("state = %s, want speaking", h.state())
	}
}

func TestWatcherRestartsOnceAfterNoSpeechAndEnd(t *testing.T) {
	h := newHarness(t, true)
	startSpeaking(t, h)
	run := h.rec.last()
	run.send(recognizer.Event{Kind: recognizer.EventError, Code: "no-speech"})
	run.end()
	h.settle(t, func() bool { return !h.ctrl.watcher.Active() })

	h.clock.Advance(49 * time.Millisecond)
	h.run()
	if h.rec.starts() != 1 {
		t.Fatalf("restarted before delay; starts = %d", h.rec.starts())
	}
	h.clock.Advance(time.Millisecond)
	h.run()
	if h.rec.starts() != 2 {
		t.Fatalf("starts = %d, want 2", h.rec.starts())
	}
	h.clock.Advance(time.Second)
	h.run()
	if h.rec.starts() != 2 {
		t.Fatalf("starts = %d, want exactly one restart", h.rec.starts())
	}
}

func TestWatcherNotRestartedAfterFatalError(t *testing.T) {
	h := newHarness(t, true)
	startSpeaking(t, h)
	run := h.rec.last()
	run.send(recognizer.Event{Kind: recognizer.EventError, Code: "not-allowed"})
	run.end()
	h.settle(t, func() bool { return !h.ctrl.watcher.Active() })
	h.clock.Advance(time.Second)
	h.run()
	if h.rec.starts() != 1 {
		t.Fatalf("starts = %d, want 1 after fatal error", h.rec.starts())
	}
	if h.state() != StateSpeaking {
		t.Fatalf("state = %s, want speaking to continue", h.state())
	}
}

func TestWatcherDropsEventsFromStoppedInstance(t *testing.T) {
	h := newHarness(t, true)
	tr := startSpeaking(t, h)
	old := h.rec.last()
	// Restarting in place retires the old instance; its End must be ignored.
	h.ctrl.watcher.Start()
	old.mu.Lock()
	stopped := old.stopped
	old.mu.Unlock()
	if !stopped {
		t.Fatalf("old recognition not stopped on restart")
	}
	h.run()
	if h.state() != StateSpeaking || tr.stopped {
		t.Fatalf("state = %s stopped = %v, want speaking", h.state(), tr.stopped)
	}
	if h.rec.starts() != 2 {
		t.Fatalf("starts = %d, want 2", h.rec.starts())
	}
	h.rec.last().send(recognizer.Event{Kind: recognizer.EventResult, Text: "stop"})
	h.settle(t, func() bool { return h.state() == StateIdle })
}

func TestWatcherInertWithoutRecognizer(t *testing.T) {
	h := newHarness(t, false)
	if !h.ctrl.watcher.Inert() {
		t.Fatalf("Inert() = false without recognizer")
	}
	tr := startSpeaking(t, h)
	if h.ctrl.watcher.Active() {
		t.Fatalf("inert watcher reported active")
	}
	tr.onDone(nil)
	h.run()
	if h.state() != StateIdle {
		t.Fatalf("state = %s, want idle", h.state())
	}
}

func TestWatcherUnavailableRecognizer(t *testing.T) {
	h := newHarness(t, true)
	h.rec.unavailable = true
	tr := startSpeaking(t, h)
	if h.ctrl.watcher.Active() {
		t.Fatalf("watcher active with unavailable recognizer")
	}
	tr.onDone(nil)
	h.run()
	if h.state() != StateIdle {
		t.Fatalf("state = %s, want idle", h.state())
	}
}
