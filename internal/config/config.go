package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice client and the
// development server.
type Config struct {
	ServerURL     string
	SessionCookie string

	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool
	LogLevel                 string

	TargetSampleRate int
	MaxRecording     time.Duration
	FramesPerBuffer  int
	InputDevice      string

	GraceDelay          time.Duration
	LogoutDelay         time.Duration
	WatcherRestartDelay time.Duration
	SubmitTimeout       time.Duration

	RecognizerURL string
	VocabFile     string

	DatabaseURL string

	DevServerBindAddr  string
	DevServerAudioDir  string
	DevServerAutostart bool
}

// Load reads an optional .env file (ENV_FILE, default ".env"), then the
// environment, and applies defaults. Variables already set win over the file.
func Load() (Config, error) {
	if err := loadDotEnv(envOrDefault("ENV_FILE", ".env")); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ServerURL:                envOrDefault("MAILVOICE_SERVER_URL", "http://127.0.0.1:5000"),
		SessionCookie:            stringsTrimSpace("MAILVOICE_SESSION_COOKIE"),
		BindAddr:                 envOrDefault("APP_BIND_ADDR", "127.0.0.1:8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "mailvoice"),
		AllowAnyOrigin:           false,
		LogLevel:                 strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		InputDevice:              stringsTrimSpace("AUDIO_INPUT_DEVICE"),
		RecognizerURL:            stringsTrimSpace("RECOGNIZER_WS_URL"),
		VocabFile:                stringsTrimSpace("VOCAB_FILE"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		DevServerBindAddr:        envOrDefault("DEVSERVER_BIND_ADDR", "127.0.0.1:5000"),
		DevServerAudioDir:        stringsTrimSpace("DEVSERVER_AUDIO_DIR"),
		TargetSampleRate:         16000,
		FramesPerBuffer:          1024,
		MaxRecording:             8 * time.Second,
		GraceDelay:               400 * time.Millisecond,
		LogoutDelay:              1500 * time.Millisecond,
		WatcherRestartDelay:      50 * time.Millisecond,
		SubmitTimeout:            30 * time.Second,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.DevServerAutostart, err = boolFromEnv("DEVSERVER_AUTOSTART", cfg.DevServerAutostart)
	if err != nil {
		return Config{}, err
	}
	cfg.TargetSampleRate, err = intFromEnv("AUDIO_TARGET_SAMPLE_RATE", cfg.TargetSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRecording, err = durationFromEnv("AUDIO_MAX_RECORDING", cfg.MaxRecording)
	if err != nil {
		return Config{}, err
	}
	cfg.FramesPerBuffer, err = intFromEnv("AUDIO_FRAMES_PER_BUFFER", cfg.FramesPerBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.GraceDelay, err = durationFromEnv("TURN_GRACE_DELAY", cfg.GraceDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.LogoutDelay, err = durationFromEnv("TURN_LOGOUT_DELAY", cfg.LogoutDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.WatcherRestartDelay, err = durationFromEnv("WATCHER_RESTART_DELAY", cfg.WatcherRestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.SubmitTimeout, err = durationFromEnv("SUBMIT_TIMEOUT", cfg.SubmitTimeout)
	if err != nil {
		return Config{}, err
	}

	if u, err := url.Parse(cfg.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("MAILVOICE_SERVER_URL must be an absolute http(s) URL")
	}
	if cfg.RecognizerURL != "" {
		if u, err := url.Parse(cfg.RecognizerURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return Config{}, fmt.Errorf("RECOGNIZER_WS_URL must be a ws:// or wss:// URL")
		}
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.TargetSampleRate < 8000 || cfg.TargetSampleRate > 48000 {
		return Config{}, fmt.Errorf("AUDIO_TARGET_SAMPLE_RATE must be between 8000 and 48000")
	}
	if cfg.MaxRecording <= 0 {
		return Config{}, fmt.Errorf("AUDIO_MAX_RECORDING must be positive")
	}
	if cfg.FramesPerBuffer <= 0 {
		return Config{}, fmt.Errorf("AUDIO_FRAMES_PER_BUFFER must be positive")
	}
	if cfg.GraceDelay <= 0 {
		return Config{}, fmt.Errorf("TURN_GRACE_DELAY must be positive")
	}
	if cfg.LogoutDelay <= 0 {
		return Config{}, fmt.Errorf("TURN_LOGOUT_DELAY must be positive")
	}
	if cfg.WatcherRestartDelay <= 0 {
		return Config{}, fmt.Errorf("WATCHER_RESTART_DELAY must be positive")
	}
	if cfg.SubmitTimeout <= 0 {
		return Config{}, fmt.Errorf("SUBMIT_TIMEOUT must be positive")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("APP_LOG_LEVEL must be one of debug, info, warn, error")
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
