package capture

import (
	"errors"
	"fmt"
)

// Session is the process-wide audio session: microphone handle, processing
// context and the currently connected graph. It is created once and handed
// to the engine; only the engine mutates it, always on the event loop.
type Session struct {
	platform Platform

	mic        Microphone
	actx       Context
	nativeRate int
	graph      Graph
	epoch      uint64
}

func NewSession(platform Platform) *Session {
	return &Session{platform: platform}
}

// NativeRate is the sample rate recorded when the context was created, or 0.
func (s *Session) NativeRate() int { return s.nativeRate }

func (s *Session) ready() bool {
	return s.mic != nil && !s.mic.Ended() && s.actx != nil
}

func (s *Session) contextState() ContextState {
	if s.actx == nil {
		return ContextClosed
	}
	return s.actx.State()
}

// attach connects a new graph. Any previous graph is disconnected first so
// two graphs are never connected at once.
func (s *Session) attach(onFrame FrameFunc) error {
	s.detach()
	if !s.ready() {
		return ErrNotReady
	}
	g, err := s.actx.Connect(s.mic, onFrame)
	if err != nil {
		return err
	}
	s.graph = g
	return nil
}

func (s *Session) detach() {
	if s.graph == nil {
		return
	}
	s.graph.Disconnect()
	s.graph = nil
}

func (s *Session) tap(onFrame FrameFunc) (func(), error) {
	if s.mic == nil || s.mic.Ended() {
		return nil, ErrNotReady
	}
	return s.mic.Tap(onFrame), nil
}

// release tears down graph, context and microphone.
func (s *Session) release() error {
	s.detach()
	s.epoch++
	var errs []error
	if s.actx != nil {
		if err := s.actx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audio context: %w", err))
		}
		s.actx = nil
	}
	if s.mic != nil {
		if err := s.mic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close microphone: %w", err))
		}
		s.mic = nil
	}
	s.nativeRate = 0
	return errors.Join(errs...)
}
