package app

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ent0n29/mailvoice/internal/config"
)

// maybeAutoStartDevServer spawns "mailvoice devserver" on the voice server's
// loopback address when DEVSERVER_AUTOSTART is set and nothing is listening.
func maybeAutoStartDevServer(cfg config.Config, logger *slog.Logger) (*exec.Cmd, string) {
	if !cfg.DevServerAutostart {
		return nil, ""
	}
	u, err := url.Parse(strings.TrimSpace(cfg.ServerURL))
	if err != nil {
		return nil, ""
	}
	host := strings.ToLower(strings.TrimSpace(u.Hostname()))
	// Never spawn a server for a remote host.
	if host != "127.0.0.1" && host != "localhost" {
		return nil, ""
	}
	port := strings.TrimSpace(u.Port())
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			return nil, ""
		}
	}
	addr := net.JoinHostPort(host, port)
	if isTCPListening(addr, 220*time.Millisecond) {
		return nil, ""
	}

	bin, err := os.Executable()
	if err != nil {
		logger.Warn("devserver autostart skipped", "error", err)
		return nil, ""
	}
	cmd := exec.Command(bin, "devserver")
	cmd.Env = append(os.Environ(), "DEVSERVER_BIND_ADDR="+addr, "DEVSERVER_AUTOSTART=false")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		logger.Warn("devserver autostart failed", "error", err)
		return nil, ""
	}

	deadline := time.Now().Add(1500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if isTCPListening(addr, 160*time.Millisecond) {
			return cmd, addr
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cmd, addr
}

func isTCPListening(addr string, timeout time.Duration) bool {
	if strings.TrimSpace(addr) == "" {
		return false
	}
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = c.Close()
	return true
}

func stopProcessBestEffort(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	select {
	case err := <-done:
		return ignoreExit(err)
	case <-time.After(700 * time.Millisecond):
		_ = cmd.Process.Kill()
		return ignoreExit(<-done)
	}
}

// ignoreExit treats a signalled child as a clean stop.
func ignoreExit(err error) error {
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
