package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mailvoice/internal/app"
	"github.com/ent0n29/mailvoice/internal/config"
	"github.com/ent0n29/mailvoice/internal/voice"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the voice client with keyboard gestures and the control API",
	Long: `Run starts the turn controller, the local control API and a keyboard
reader on stdin:

  <enter>               toggle recording (also interrupts playback)
  s                     stop playback
  t <field> <value>     type a compose field (to, subject, body, confirm)
  q                     quit`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

var noKeyboard bool

func init() {
	runCmd.Flags().BoolVar(&noKeyboard, "no-keyboard", false, "do not read gestures from stdin")
	rootCmd.AddCommand(runCmd)
}

func runClient(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	runCtx, runCancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer runCancel()

	// The client context outlives the signal so the last turn can still be
	// journaled while shutting down.
	clientCtx, clientCancel := context.WithCancel(context.Background())
	defer clientCancel()

	built, err := app.Build(clientCtx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("voice client ready",
		"server_url", cfg.ServerURL,
		"input_device", built.Audio.InputDevice,
		"recognizer", built.Audio.Recognizer,
		"recognizer_detail", built.Audio.Detail,
	)

	loopCtx, stopLoop := context.WithCancel(clientCtx)
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- built.Loop.Run(loopCtx) }()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	out := cmd.OutOrStdout()
	unsubscribe := built.Controller.Subscribe(func(st voice.Status) {
		fmt.Fprintln(out, formatStatus(st))
	})
	defer unsubscribe()

	httpServer := built.HTTPServer()
	go func() {
		logger.Info("control api listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control api stopped", "error", err)
			runCancel()
		}
	}()

	if !noKeyboard {
		go func() {
			readGestures(cmd.InOrStdin(), built.Controller, func(err error) {
				if err != nil {
					fmt.Fprintf(out, "compose input rejected: %v\n", err)
				}
			})
			runCancel()
		}()
	}

	<-runCtx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	stopLoop()
	select {
	case <-loopDone:
		if err := built.Shutdown(shutdownCtx); err != nil {
			logger.Warn("voice session did not settle before timeout", "error", err)
		}
	case <-shutdownCtx.Done():
		logger.Warn("event loop did not stop before timeout")
	}
	clientCancel()
	if err := built.Cleanup(); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// gestures is the part of the controller the keyboard drives.
type gestures interface {
	Toggle()
	Stop()
	SubmitText(field, value string, done func(error))
}

// readGestures maps stdin lines to gestures until EOF or "q".
func readGestures(r io.Reader, g gestures, onCompose func(error)) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			g.Toggle()
		case line == "s":
			g.Stop()
		case line == "q":
			return
		case strings.HasPrefix(line, "t "):
			field, value, ok := strings.Cut(strings.TrimSpace(line[2:]), " ")
			if !ok || strings.TrimSpace(value) == "" {
				onCompose(fmt.Errorf("usage: t <field> <value>"))
				continue
			}
			g.SubmitText(field, strings.TrimSpace(value), onCompose)
		}
	}
}

func formatStatus(st voice.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", st.State, st.Text)
	if st.Step != "" {
		fmt.Fprintf(&b, " (step: %s)", st.Step)
	}
	if st.Transcription != "" {
		fmt.Fprintf(&b, "\n  heard: %s", st.Transcription)
	}
	if st.Hint != "" {
		fmt.Fprintf(&b, "\n  hint: %s", st.Hint)
	}
	return b.String()
}
