// Package journal keeps a redacted record of every completed voice turn.
package journal

import (
	"context"
	"time"

	"github.com/ent0n29/mailvoice/internal/policy"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeSpoken       Outcome = "spoken"
	OutcomeSilent       Outcome = "silent"
	OutcomeInterrupted  Outcome = "interrupted"
	OutcomeEmptyCapture Outcome = "empty_capture"
	OutcomeNetworkError Outcome = "network_error"
	OutcomeServerError  Outcome = "server_error"
	OutcomePlayback     Outcome = "playback_error"
	OutcomeLogout       Outcome = "logout"
)

// TurnRecord is one turn as persisted. Text fields are stored redacted.
type TurnRecord struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Transcription string    `json:"transcription,omitempty"`
	Intent        string    `json:"intent,omitempty"`
	EmailStep     string    `json:"email_step,omitempty"`
	ResponseText  string    `json:"response_text,omitempty"`
	Outcome       Outcome   `json:"outcome"`
	LatencyMS     int64     `json:"latency_ms"`
	PIIRedacted   bool      `json:"pii_redacted"`
	CreatedAt     time.Time `json:"created_at"`
}

// Redacted returns a copy with transcription and reply masked.
func (r TurnRecord) Redacted() TurnRecord {
	var a, b bool
	r.Transcription, a = policy.RedactPII(r.Transcription)
	r.ResponseText, b = policy.RedactPII(r.ResponseText)
	r.PIIRedacted = r.PIIRedacted || a || b
	return r
}

// Store persists and lists turn records. Recent returns newest first.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	Recent(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

const defaultRecentLimit = 20
