package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mailvoice/internal/app"
	"github.com/ent0n29/mailvoice/internal/config"
	"github.com/ent0n29/mailvoice/internal/devserver"
	"github.com/ent0n29/mailvoice/internal/intent"
	"github.com/ent0n29/mailvoice/internal/recognizer"
	"github.com/ent0n29/mailvoice/internal/vocab"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Serve a local voice email backend for development",
	Long: `Devserver implements /voice/process, /voice/compose-text, /logout and the
synthesized audio route with an in-memory mailbox. Recordings are transcribed
by the Vosk server at RECOGNIZER_WS_URL; replies are rendered as tones.`,
	Args: cobra.NoArgs,
	RunE: runDevServer,
}

func init() {
	rootCmd.AddCommand(devserverCmd)
}

func runDevServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel).With("component", "devserver")

	vocabulary, err := vocab.Load(cfg.VocabFile)
	if err != nil {
		return err
	}

	audioDir := cfg.DevServerAudioDir
	if audioDir == "" {
		audioDir, err = os.MkdirTemp("", "mailvoice-audio-*")
		if err != nil {
			return fmt.Errorf("create audio dir: %w", err)
		}
		defer os.RemoveAll(audioDir)
	}

	opts := devserver.Options{
		AudioDir: audioDir,
		Detector: intent.NewDetector(vocabulary),
		Logger:   logger,
	}
	if cfg.RecognizerURL != "" {
		opts.Transcriber = recognizer.NewVosk(recognizer.VoskConfig{URL: cfg.RecognizerURL, Logger: logger})
	} else {
		logger.Warn("RECOGNIZER_WS_URL not set; recordings will not be transcribed")
	}

	httpServer := &http.Server{
		Addr:    cfg.DevServerBindAddr,
		Handler: devserver.New(opts).Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("devserver listening", "addr", cfg.DevServerBindAddr, "audio_dir", audioDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
