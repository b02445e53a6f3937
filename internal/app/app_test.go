package app

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ent0n29/mailvoice/internal/capture"
	"github.com/ent0n29/mailvoice/internal/config"
	"github.com/ent0n29/mailvoice/internal/eventloop"
	"github.com/ent0n29/mailvoice/internal/journal"
	"github.com/ent0n29/mailvoice/internal/observability"
	"github.com/ent0n29/mailvoice/internal/session"
	"github.com/ent0n29/mailvoice/internal/voice"
	"github.com/ent0n29/mailvoice/internal/voiceapi"
)

func TestNewLoggerLevels(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for level, want := range tests {
		logger := NewLogger(level)
		if !logger.Enabled(context.Background(), want) {
			t.Fatalf("NewLogger(%q) disables %v", level, want)
		}
		if want > slog.LevelDebug && logger.Enabled(context.Background(), want-4) {
			t.Fatalf("NewLogger(%q) enables level below %v", level, want)
		}
	}
}

func TestAutoStartSkippedUnlessEnabled(t *testing.T) {
	cfg := config.Config{ServerURL: "http://127.0.0.1:1"}
	if cmd, _ := maybeAutoStartDevServer(cfg, slog.Default()); cmd != nil {
		t.Fatalf("spawned a server with autostart disabled")
	}
}

func TestAutoStartSkipsRemoteHosts(t *testing.T) {
	cfg := config.Config{ServerURL: "http://mail.example.com:5000", DevServerAutostart: true}
	if cmd, _ := maybeAutoStartDevServer(cfg, slog.Default()); cmd != nil {
		t.Fatalf("spawned a server for a remote host")
	}
}

func TestAutoStartSkipsWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	if !isTCPListening(ln.Addr().String(), 0) {
		t.Fatalf("isTCPListening(%s) = false, want true", ln.Addr())
	}
	cfg := config.Config{ServerURL: "http://" + ln.Addr().String(), DevServerAutostart: true}
	if cmd, _ := maybeAutoStartDevServer(cfg, slog.Default()); cmd != nil {
		t.Fatalf("spawned a server although one is listening")
	}
}

func TestStopProcessNil(t *testing.T) {
	if err := stopProcessBestEffort(nil); err != nil {
		t.Fatalf("stopProcessBestEffort(nil) = %v", err)
	}
}

type idleSubmitter struct{}

func (idleSubmitter) Process(context.Context, []byte) (voiceapi.Response, error) {
	return voiceapi.Response{Intent: voice.IntentUnknown}, nil
}

func (idleSubmitter) ComposeText(context.Context, string, string) (voiceapi.Response, error) {
	return voiceapi.Response{Intent: voice.IntentUnknown}, nil
}

func (idleSubmitter) Logout(context.Context) error { return nil }

func (idleSubmitter) ResolveURL(ref string) (string, error) { return ref, nil }

type silentPlayer struct{}

func (silentPlayer) Play(context.Context, string, func(), func(error)) (func(), error) {
	return func() {}, nil
}

// newWiredClient assembles the pieces Build wires, over fake audio.
func newWiredClient(t *testing.T) *BuildResult {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loop := eventloop.New(eventloop.NewFakeClock(time.Unix(1700000000, 0)))
	engine := capture.NewEngine(loop, capture.NewSession(capture.NewFakePlatform(48000)), capture.EngineConfig{Logger: logger})
	sessions := session.NewManager(time.Hour)
	metrics := observability.NewMetricsWith("app_test", prometheus.NewRegistry())
	store := journal.NewInMemoryStore(10)
	ctrl := voice.NewController(context.Background(), voice.Deps{
		Loop:      loop,
		Engine:    engine,
		Submitter: idleSubmitter{},
		Player:    silentPlayer{},
		Journal:   store,
		Sessions:  sessions,
		Metrics:   metrics,
	}, voice.Config{ServerURL: "http://voice.test", Logger: logger})
	sessions.SetExpireHook(expireHook(metrics, ctrl, logger))
	loop.RunUntilIdle()
	return &BuildResult{
		Loop:       loop,
		Controller: ctrl,
		Sessions:   sessions,
		Journal:    store,
		Metrics:    metrics,
		Logger:     logger,
	}
}

func TestExpiredSessionKeepsActiveGaugeAccurate(t *testing.T) {
	b := newWiredClient(t)
	gauge := func() float64 { return testutil.ToFloat64(b.Metrics.ActiveSessions) }
	if got := gauge(); got != 1 {
		t.Fatalf("active_sessions after start = %v, want 1", got)
	}

	// The janitor marks the session ended before it calls the hook.
	expired, err := b.Sessions.End(b.Controller.Status().SessionID, "inactivity")
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	expireHook(b.Metrics, b.Controller, b.Logger)(expired)
	b.Loop.RunUntilIdle()
	if got := gauge(); got != 0 {
		t.Fatalf("active_sessions after expiry = %v, want 0", got)
	}
	if got := testutil.ToFloat64(b.Metrics.SessionEvents.WithLabelValues("expired")); got != 1 {
		t.Fatalf("expired events = %v, want 1", got)
	}

	b.Controller.Toggle()
	b.Loop.RunUntilIdle()
	if got := gauge(); got != 1 {
		t.Fatalf("active_sessions after reopen = %v, want 1", got)
	}
	if got := b.Sessions.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
}

func TestShutdownJournalsTurnInProgress(t *testing.T) {
	b := newWiredClient(t)
	sessionID := b.Controller.Status().SessionID

	b.Controller.Toggle()
	b.Loop.RunUntilIdle()
	if st := b.Controller.Status(); st.State != voice.StateRecording {
		t.Fatalf("state = %v, want %v", st.State, voice.StateRecording)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	turns, err := b.Journal.Recent(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(turns) != 1 || turns[0].Outcome != journal.OutcomeInterrupted {
		t.Fatalf("turns = %+v, want one interrupted turn", turns)
	}
	if got := b.Sessions.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", got)
	}
	if st := b.Controller.Status(); st.State != voice.StateIdle {
		t.Fatalf("state = %v, want %v", st.State, voice.StateIdle)
	}
}
