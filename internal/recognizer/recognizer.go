// Package recognizer talks to a Vosk-compatible websocket speech server. The
// streaming side feeds the interrupt watcher; the batch side transcribes
// whole recordings for the development server.
package recognizer

import (
	"context"
	"errors"
)

// ErrUnavailable means no recognizer is configured or reachable on this
// platform. The interrupt watcher goes inert when it sees it.
var ErrUnavailable = errors.New("speech recognizer unavailable")

type EventKind int

const (
	EventResult EventKind = iota
	EventError
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventResult:
		return "result"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one recognition callback. Result events carry Text and Final;
// error events carry Code ("no-speech", "network", "aborted", ...).
type Event struct {
	Kind  EventKind
	Text  string
	Final bool
	Code  string
	Err   error
}

// Recognition is one running listener. Events is closed after the End event;
// the consumer must drain it until then.
type Recognition interface {
	Events() <-chan Event
	Stop()
}

// Recognizer launches continuous listeners. Start must not block.
type Recognizer interface {
	Start(ctx context.Context) (Recognition, error)
}
