// Package capture owns the microphone lifecycle and the per-turn frame buffer.
package capture

import (
	"context"
	"errors"
)

var (
	// ErrMicAccessDenied wraps the platform's reason for refusing the microphone.
	ErrMicAccessDenied = errors.New("microphone access denied")
	// ErrContextSuspended means capture needs a fresh user gesture to resume.
	ErrContextSuspended = errors.New("audio context suspended")
	// ErrNotReady means EnsureReady has not succeeded yet.
	ErrNotReady = errors.New("audio session not ready")
)

type ContextState int

const (
	ContextRunning ContextState = iota
	ContextSuspended
	ContextClosed
)

func (s ContextState) String() string {
	switch s {
	case ContextRunning:
		return "running"
	case ContextSuspended:
		return "suspended"
	case ContextClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameFunc receives one chunk of mono samples. The slice is owned by the
// receiver. It is called from the platform's audio goroutine.
type FrameFunc func(samples []float32)

// Microphone is an open input device handle.
type Microphone interface {
	Ended() bool
	// Tap registers an extra reader of the raw input, independent of any
	// processing graph.
	Tap(onFrame FrameFunc) (untap func())
	Close() error
}

// Context is the audio-processing context created on first capture. Its
// sample rate is the device's native rate.
type Context interface {
	SampleRate() int
	State() ContextState
	Resume(ctx context.Context) error
	Connect(mic Microphone, onFrame FrameFunc) (Graph, error)
	Close() error
}

// Graph is one recording turn's processing chain. Graphs are single-use.
type Graph interface {
	Disconnect()
}

// Platform opens devices. Implementations must be safe for concurrent use:
// blocking calls run off the event loop.
type Platform interface {
	OpenMicrophone(ctx context.Context) (Microphone, error)
	NewContext(mic Microphone) (Context, error)
}
