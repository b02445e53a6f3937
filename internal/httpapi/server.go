package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/mailvoice/internal/config"
	"github.com/ent0n29/mailvoice/internal/journal"
	"github.com/ent0n29/mailvoice/internal/observability"
	"github.com/ent0n29/mailvoice/internal/protocol"
	"github.com/ent0n29/mailvoice/internal/voice"
)

const maxTurnsLimit = 200

// Controller is the slice of voice.Controller the control API drives.
type Controller interface {
	Status() voice.Status
	Toggle()
	Stop()
	SubmitText(field, value string, done func(error))
	Subscribe(fn func(voice.Status)) (unsubscribe func())
}

type Server struct {
	cfg        config.Config
	controller Controller
	journal    journal.Store
	metrics    *observability.Metrics
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	static     http.Handler
}

func New(cfg config.Config, controller Controller, store journal.Store, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		controller: controller,
		journal:    store,
		metrics:    metrics,
		logger:     logger,
		static:     newStaticHandler(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive the microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/status/ws", s.handleStatusWS)
	r.Post("/v1/toggle", s.handleToggle)
	r.Post("/v1/stop", s.handleStop)
	r.Post("/v1/compose", s.handleCompose)
	r.Get("/v1/turns", s.handleTurns)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"journal_mode": s.journalMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "voice controller not running")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"state":        s.controller.Status().State,
		"journal_mode": s.journalMode(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requireController(w) {
		return
	}
	respondJSON(w, http.StatusOK, s.controller.Status())
}

func (s *Server) handleToggle(w http.ResponseWriter, _ *http.Request) {
	if !s.requireController(w) {
		return
	}
	s.controller.Toggle()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	if !s.requireController(w) {
		return
	}
	s.controller.Stop()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type composeRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w) {
		return
	}
	var req composeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Field = strings.ToLower(strings.TrimSpace(req.Field))
	switch req.Field {
	case "to", "subject", "body":
	default:
		respondError(w, http.StatusBadRequest, "invalid_field", "field must be one of to, subject, body")
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		respondError(w, http.StatusBadRequest, "invalid_value", "value is required")
		return
	}

	result := make(chan error, 1)
	s.controller.SubmitText(req.Field, req.Value, func(err error) { result <- err })
	select {
	case err := <-result:
		if errors.Is(err, voice.ErrBusy) {
			respondError(w, http.StatusConflict, "busy", err.Error())
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "compose_failed", err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	case <-r.Context().Done():
		respondError(w, http.StatusServiceUnavailable, "cancelled", r.Context().Err().Error())
	}
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w) {
		return
	}
	if s.journal == nil {
		respondJSON(w, http.StatusOK, map[string]any{"turns": []journal.TurnRecord{}})
		return
	}
	limit := 20
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxTurnsLimit)
	}
	sessionID := s.controller.Status().SessionID
	turns, err := s.journal.Recent(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Warn("journal read failed", "error", err)
		respondError(w, http.StatusInternalServerError, "journal_unavailable", err.Error())
		return
	}
	if turns == nil {
		turns = []journal.TurnRecord{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"turns":      turns,
	})
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w) {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.countSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 64)
	enqueue := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// The writer is stuck; a later status supersedes this one.
			s.countWS("outbound_dropped", msg)
		}
	}
	unsubscribe := s.controller.Subscribe(func(st voice.Status) { enqueue(statusEvent(st)) })
	defer unsubscribe()
	enqueue(statusEvent(s.controller.Status()))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				s.countWS("outbound", msg)
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			enqueue(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.controller.Status().SessionID,
				Code:      "invalid_client_message",
				Source:    "control_api",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		s.countWS("inbound", parsed)
		if control, ok := parsed.(protocol.ClientControl); ok {
			switch control.Action {
			case protocol.ActionToggle:
				s.controller.Toggle()
			case protocol.ActionStop:
				s.controller.Stop()
			}
		}
	}

	cancel()
	<-writerDone
	s.countSessionEvent("ws_disconnected")
}

func statusEvent(st voice.Status) protocol.StatusEvent {
	return protocol.StatusEvent{
		Type:          protocol.TypeStatusEvent,
		SessionID:     st.SessionID,
		State:         string(st.State),
		Step:          string(st.Step),
		Text:          st.Text,
		Hint:          st.Hint,
		Transcription: st.Transcription,
		ResponseText:  st.ResponseText,
		TurnID:        st.TurnID,
		TSMs:          st.UpdatedAt.UnixMilli(),
	}
}

func (s *Server) requireController(w http.ResponseWriter) bool {
	if s.controller == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "voice controller not running")
		return false
	}
	return true
}

func (s *Server) journalMode() string {
	switch s.journal.(type) {
	case nil:
		return "disabled"
	case *journal.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

func (s *Server) countSessionEvent(event string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(event).Inc()
	}
}

func (s *Server) countWS(direction string, msg any) {
	if s.metrics == nil {
		return
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.StatusEvent:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
