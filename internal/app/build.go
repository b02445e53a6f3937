package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/ent0n29/mailvoice/internal/config"
	"github.com/ent0n29/mailvoice/internal/eventloop"
	"github.com/ent0n29/mailvoice/internal/httpapi"
	"github.com/ent0n29/mailvoice/internal/journal"
	"github.com/ent0n29/mailvoice/internal/observability"
	"github.com/ent0n29/mailvoice/internal/session"
	"github.com/ent0n29/mailvoice/internal/vocab"
	"github.com/ent0n29/mailvoice/internal/voice"
	"github.com/ent0n29/mailvoice/internal/voiceapi"
)

type BuildResult struct {
	Config     config.Config
	Loop       *eventloop.Loop
	Controller *voice.Controller
	API        *httpapi.Server
	Sessions   *session.Manager
	Journal    journal.Store
	Metrics    *observability.Metrics
	Audio      AudioInfo
	Logger     *slog.Logger

	// Cleanup releases the microphone, the journal and any spawned
	// development server. Call it only after Shutdown.
	Cleanup func() error
}

// NewLogger builds the process logger from APP_LOG_LEVEL.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Build wires the voice client. ctx bounds the client's lifetime: submissions
// and journal writes use it, so it must outlive the signal that starts
// shutdown. The returned loop must be run by the caller.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = NewLogger(cfg.LogLevel)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	vocabulary, err := vocab.Load(cfg.VocabFile)
	if err != nil {
		return nil, fmt.Errorf("vocabulary init failed: %w", err)
	}

	devCmd, devAddr := maybeAutoStartDevServer(cfg, logger)
	if devCmd != nil {
		logger.Info("development server started", "addr", devAddr)
	}

	client, err := voiceapi.New(voiceapi.Options{
		BaseURL:       cfg.ServerURL,
		SessionCookie: cfg.SessionCookie,
		Timeout:       cfg.SubmitTimeout,
	})
	if err != nil {
		_ = stopProcessBestEffort(devCmd)
		return nil, fmt.Errorf("voice api client init failed: %w", err)
	}

	store, err := journal.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = stopProcessBestEffort(devCmd)
		return nil, fmt.Errorf("journal store init failed: %w", err)
	}

	loop := eventloop.New(eventloop.RealClock())
	audioSetup := resolveAudio(cfg, loop, client.HTTPClient(), logger)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	controller := voice.NewController(ctx, voice.Deps{
		Loop:       loop,
		Engine:     audioSetup.engine,
		Submitter:  client,
		Player:     audioSetup.player,
		Recognizer: audioSetup.recognizer,
		Vocabulary: vocabulary,
		Journal:    store,
		Sessions:   sessions,
		Metrics:    metrics,
		OnNavigate: func() {
			logger.Info("logged out; press the toggle key to start a new session")
		},
	}, voice.Config{
		ServerURL:           cfg.ServerURL,
		TargetSampleRate:    cfg.TargetSampleRate,
		GraceDelay:          cfg.GraceDelay,
		LogoutDelay:         cfg.LogoutDelay,
		SubmitTimeout:       cfg.SubmitTimeout,
		WatcherRestartDelay: cfg.WatcherRestartDelay,
		Logger:              logger.With("component", "voice"),
	})

	sessions.SetExpireHook(expireHook(metrics, controller, logger))

	api := httpapi.New(cfg, controller, store, metrics, logger.With("component", "httpapi"))

	cleanup := func() error {
		var errs []string
		if err := audioSetup.engine.Release(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := stopProcessBestEffort(devCmd); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		Loop:       loop,
		Controller: controller,
		API:        api,
		Sessions:   sessions,
		Journal:    store,
		Metrics:    metrics,
		Audio:      audioSetup.info,
		Logger:     logger,
		Cleanup:    cleanup,
	}, nil
}

// HTTPServer returns the control API server bound to cfg.BindAddr.
func (b *BuildResult) HTTPServer() *http.Server {
	return &http.Server{
		Addr:    b.Config.BindAddr,
		Handler: b.API.Router(),
	}
}

// Shutdown ends the voice session and flushes the loop, including journal
// writes still in flight. Call it after Loop.Run has returned and before
// Cleanup.
func (b *BuildResult) Shutdown(ctx context.Context) error {
	b.Controller.EndSession("shutdown")
	if err := b.Loop.Drain(ctx); err != nil {
		return fmt.Errorf("drain event loop: %w", err)
	}
	return nil
}

type sessionEnder interface {
	EndSession(reason string)
}

// expireHook ends the voice session the janitor expired. The controller owns
// the active_sessions gauge, so the hook only counts the event.
func expireHook(metrics *observability.Metrics, ender sessionEnder, logger *slog.Logger) func(*session.Session) {
	return func(s *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		logger.Info("session expired after inactivity", "session_id", s.ID)
		ender.EndSession("inactivity")
	}
}
