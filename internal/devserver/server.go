// Package devserver is a local implementation of the voice-email HTTP
// contract. It keeps a compose dialogue per session cookie, reads and sends
// through an in-memory mailbox and answers with synthesized tones.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ent0n29/mailvoice/internal/audio"
	"github.com/ent0n29/mailvoice/internal/intent"
	"github.com/ent0n29/mailvoice/internal/recognizer"
)

const (
	sessionCookie  = "session"
	maxUploadBytes = 16 << 20
	audioRoute     = "/static/audio/"
)

type Options struct {
	AudioDir    string
	Transcriber recognizer.Transcriber
	Synthesizer Synthesizer
	Mailbox     *MemoryMailbox
	Detector    *intent.Detector
	Logger      *slog.Logger
}

type Server struct {
	audioDir    string
	transcriber recognizer.Transcriber
	synth       Synthesizer
	mailbox     *MemoryMailbox
	processor   *intent.Processor
	logger      *slog.Logger

	mu        sync.Mutex
	dialogues map[string]*intent.Dialogue
}

// turnResponse mirrors what the voice client decodes. Empty optional fields
// are sent as null.
type turnResponse struct {
	Transcription *string `json:"transcription"`
	Intent        string  `json:"intent"`
	ResponseText  string  `json:"response_text"`
	AudioURL      *string `json:"audio_url"`
	EmailStep     *string `json:"email_step"`
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mailbox := opts.Mailbox
	if mailbox == nil {
		mailbox = NewMemoryMailbox("me@mailvoice.local", intent.Message{
			From:       "welcome@mailvoice.local",
			Subject:    "Welcome",
			Body:       "This is your voice mailbox. Say send email to write one.",
			ReceivedAt: time.Now(),
		})
	}
	synth := opts.Synthesizer
	if synth == nil {
		synth = NewToneSynthesizer(opts.AudioDir)
	}
	detector := opts.Detector
	if detector == nil {
		detector = intent.NewDetector(nil)
	}
	return &Server{
		audioDir:    opts.AudioDir,
		transcriber: opts.Transcriber,
		synth:       synth,
		mailbox:     mailbox,
		processor:   intent.NewProcessor(detector, mailbox),
		logger:      logger,
		dialogues:   make(map[string]*intent.Dialogue),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/voice/process", s.handleProcess)
	r.Post("/voice/compose-text", s.handleComposeText)
	r.Get(audioRoute+"{name}", s.handleAudio)
	r.Get("/logout", s.handleLogout)
	r.Get("/emails", s.handleEmails)
	r.Post("/send-email", s.handleSendEmail)
	return r
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, _, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()
	raw, err := io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Could not read audio file")
		return
	}
	header, samples, err := audio.DecodePCM16(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid audio: %v", err))
		return
	}

	if s.transcriber == nil {
		respondJSON(w, http.StatusOK, turnResponse{
			Intent:       "error",
			ResponseText: "Speech recognition model not loaded. Set RECOGNIZER_WS_URL and restart the server.",
		})
		return
	}
	text, err := s.transcriber.Transcribe(r.Context(), samples, int(header.SampleRate))
	if err != nil {
		s.logger.Error("transcription failed", "error", err)
		status := http.StatusInternalServerError
		if errors.Is(err, recognizer.ErrUnavailable) {
			status = http.StatusServiceUnavailable
		}
		respondError(w, status, "Transcription failed")
		return
	}
	text = strings.TrimSpace(text)

	id := s.sessionID(w, r)
	s.mu.Lock()
	d := s.dialogue(id)
	res := s.processor.HandleTranscript(r.Context(), d, text)
	if res.Intent == intent.Logout {
		delete(s.dialogues, id)
	}
	s.mu.Unlock()

	s.logger.Info("voice turn", "session_id", id, "intent", res.Intent, "email_step", string(res.Step))
	out := s.respond(r.Context(), res)
	out.Transcription = &text
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleComposeText(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	field := strings.ToLower(strings.TrimSpace(in.Field))
	if field == "" || strings.TrimSpace(in.Value) == "" {
		respondError(w, http.StatusBadRequest, "Missing field or value")
		return
	}

	id := s.sessionID(w, r)
	s.mu.Lock()
	res := s.processor.HandleTyped(r.Context(), s.dialogue(id), field, in.Value)
	s.mu.Unlock()

	respondJSON(w, http.StatusOK, s.respond(r.Context(), res))
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || strings.Contains(name, "..") || filepath.Base(name) != name || !strings.HasSuffix(name, ".wav") {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, filepath.Join(s.audioDir, name))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(sessionCookie); err == nil {
		s.mu.Lock()
		delete(s.dialogues, c.Value)
		s.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleEmails(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"emails": s.mailbox.Messages()})
}

func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	var d intent.Draft
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&d); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := s.mailbox.Send(r.Context(), d); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// respond attaches synthesized audio. A synthesis failure degrades to a
// text-only reply.
func (s *Server) respond(ctx context.Context, res intent.Result) turnResponse {
	out := turnResponse{Intent: res.Intent, ResponseText: res.ResponseText}
	if res.Step != intent.StepNone {
		step := string(res.Step)
		out.EmailStep = &step
	}
	if strings.TrimSpace(res.ResponseText) == "" {
		return out
	}
	name, err := s.synth.Synthesize(ctx, res.ResponseText)
	if err != nil {
		s.logger.Warn("speech synthesis failed", "error", err)
		return out
	}
	url := audioRoute + name
	out.AudioURL = &url
	return out
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode})
	return id
}

// dialogue must be called with s.mu held.
func (s *Server) dialogue(id string) *intent.Dialogue {
	d, ok := s.dialogues[id]
	if !ok {
		d = &intent.Dialogue{}
		s.dialogues[id] = d
	}
	return d
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
