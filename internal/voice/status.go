package voice

import "time"

const (
	TextReady          = "Ready"
	TextListening      = "Listening…"
	TextProcessing     = "Processing…"
	TextSpeaking       = "Speaking…"
	TextStopped        = "Stopped"
	TextNoAudio        = "No audio captured"
	TextMicDenied      = "Microphone access denied"
	TextNeedGesture    = "Press toggle to enable the microphone"
	TextNetworkError   = "Network error, please try again"
	TextLoggingOut     = "Logging out…"
	TextSessionEnded   = "Session ended"
	TextEmailCancelled = "Email cancelled"
)

// Status is what the user sees. It is published on every transition.
type Status struct {
	State         State     `json:"state"`
	Step          Step      `json:"step,omitempty"`
	Text          string    `json:"text"`
	Hint          string    `json:"hint,omitempty"`
	Transcription string    `json:"transcription,omitempty"`
	ResponseText  string    `json:"response_text,omitempty"`
	TurnID        string    `json:"turn_id,omitempty"`
	SessionID     string    `json:"session_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}
