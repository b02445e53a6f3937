package app

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/ent0n29/mailvoice/internal/capture"
	"github.com/ent0n29/mailvoice/internal/config"
	"github.com/ent0n29/mailvoice/internal/eventloop"
	"github.com/ent0n29/mailvoice/internal/recognizer"
	"github.com/ent0n29/mailvoice/internal/speaker"
	"github.com/ent0n29/mailvoice/internal/voice"
)

// AudioInfo describes the resolved audio stack for startup logs.
type AudioInfo struct {
	InputDevice string
	Recognizer  string
	Detail      string
}

type audioSetup struct {
	engine     *capture.Engine
	player     voice.Player
	recognizer recognizer.Recognizer
	info       AudioInfo
}

func resolveAudio(cfg config.Config, loop *eventloop.Loop, httpClient *http.Client, logger *slog.Logger) audioSetup {
	platform := &capture.PortAudio{
		DeviceName:      cfg.InputDevice,
		FramesPerBuffer: cfg.FramesPerBuffer,
		Logger:          logger.With("component", "portaudio"),
	}
	engine := capture.NewEngine(loop, capture.NewSession(platform), capture.EngineConfig{
		MaxDuration: cfg.MaxRecording,
		Logger:      logger.With("component", "capture"),
	})

	// Audio URLs live on the voice server, so playback shares its cookies.
	player := speaker.New(speaker.Config{
		HTTPClient: httpClient,
		Logger:     logger.With("component", "speaker"),
	})

	setup := audioSetup{
		engine: engine,
		player: player,
		info: AudioInfo{
			InputDevice: cfg.InputDevice,
			Recognizer:  "none",
		},
	}
	if setup.info.InputDevice == "" {
		setup.info.InputDevice = "default"
	}

	if url := strings.TrimSpace(cfg.RecognizerURL); url != "" {
		setup.recognizer = recognizer.NewVosk(recognizer.VoskConfig{
			URL:    url,
			Source: engine,
			Logger: logger.With("component", "recognizer"),
		})
		setup.info.Recognizer = "vosk"
		setup.info.Detail = url
	} else {
		setup.info.Detail = "interrupt words disabled (RECOGNIZER_WS_URL not set)"
	}
	return setup
}
