// Package voice is the turn-taking core: the recording/playback state
// machine, the playback controller and the local interrupt watcher. Every
// method that mutates state runs on the event loop.
package voice

import "strings"

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// Step is the active stage of the guided compose dialogue.
type Step string

const (
	StepNone    Step = ""
	StepTo      Step = "to"
	StepSubject Step = "subject"
	StepBody    Step = "body"
	StepConfirm Step = "confirm"
)

func ParseStep(raw string) Step {
	switch Step(strings.ToLower(strings.TrimSpace(raw))) {
	case StepTo:
		return StepTo
	case StepSubject:
		return StepSubject
	case StepBody:
		return StepBody
	case StepConfirm:
		return StepConfirm
	default:
		return StepNone
	}
}

// Hint is the status prompt shown while the dialogue waits for this step.
func (s Step) Hint() string {
	switch s {
	case StepTo:
		return "Say the recipient's email address"
	case StepSubject:
		return "Say the subject"
	case StepBody:
		return "Say your message"
	case StepConfirm:
		return "Say yes to send or cancel to discard"
	default:
		return ""
	}
}

// Intents the controller acts on. Anything else is normal flow.
const (
	IntentStopReading = "stop_reading"
	IntentCancelEmail = "cancel_email"
	IntentLogout      = "logout"
	IntentUnknown     = "unknown"
)
