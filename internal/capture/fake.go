package capture

import (
	"context"
	"errors"
	"sync"
)

// FakePlatform is an in-memory Platform for tests and dry runs. Frames are
// injected with FakeMicrophone.Emit.
type FakePlatform struct {
	SampleRate     int
	DenyErr        error
	StartSuspended bool

	mu       sync.Mutex
	opens    int
	mics     []*FakeMicrophone
	contexts []*FakeContext
}

func NewFakePlatform(sampleRate int) *FakePlatform {
	return &FakePlatform{SampleRate: sampleRate}
}

func (p *FakePlatform) OpenMicrophone(ctx context.Context) (Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	if p.DenyErr != nil {
		return nil, p.DenyErr
	}
	m := &FakeMicrophone{taps: make(map[uint64]FrameFunc)}
	p.mics = append(p.mics, m)
	return m, nil
}

func (p *FakePlatform) NewContext(mic Microphone) (Context, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state := ContextRunning
	if p.StartSuspended {
		state = ContextSuspended
	}
	c := &FakeContext{rate: p.SampleRate, state: state}
	p.contexts = append(p.contexts, c)
	return c, nil
}

// Opens counts OpenMicrophone calls, including denied ones.
func (p *FakePlatform) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

func (p *FakePlatform) Mic() *FakeMicrophone {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mics) == 0 {
		return nil
	}
	return p.mics[len(p.mics)-1]
}

func (p *FakePlatform) Context() *FakeContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.contexts) == 0 {
		return nil
	}
	return p.contexts[len(p.contexts)-1]
}

func (p *FakePlatform) Contexts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

type FakeMicrophone struct {
	mu     sync.Mutex
	ended  bool
	closed bool
	taps   map[uint64]FrameFunc
	nextID uint64
}

// Emit delivers one frame to every tap, each receiving its own copy.
func (m *FakeMicrophone) Emit(samples []float32) {
	m.mu.Lock()
	fns := make([]FrameFunc, 0, len(m.taps))
	for _, fn := range m.taps {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		frame := make([]float32, len(samples))
		copy(frame, samples)
		fn(frame)
	}
}

// End simulates the device going away.
func (m *FakeMicrophone) End() {
	m.mu.Lock()
	m.ended = true
	m.mu.Unlock()
}

func (m *FakeMicrophone) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended || m.closed
}

func (m *FakeMicrophone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *FakeMicrophone) Taps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.taps)
}

func (m *FakeMicrophone) Tap(onFrame FrameFunc) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.taps[id] = onFrame
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.taps, id)
		m.mu.Unlock()
	}
}

func (m *FakeMicrophone) Close() error {
	m.mu.Lock()
	m.closed = true
	m.taps = make(map[uint64]FrameFunc)
	m.mu.Unlock()
	return nil
}

type FakeContext struct {
	mu        sync.Mutex
	rate      int
	state     ContextState
	active    int
	maxActive int
	connects  int
	resumes   int
}

func (c *FakeContext) SampleRate() int { return c.rate }

func (c *FakeContext) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *FakeContext) Suspend() {
	c.mu.Lock()
	c.state = ContextSuspended
	c.mu.Unlock()
}

func (c *FakeContext) Resume(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ContextClosed {
		return errors.New("context closed")
	}
	c.resumes++
	c.state = ContextRunning
	return nil
}

func (c *FakeContext) Connect(mic Microphone, onFrame FrameFunc) (Graph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ContextClosed {
		return nil, errors.New("context closed")
	}
	c.connects++
	c.active++
	if c.active > c.maxActive {
		c.maxActive = c.active
	}
	return &fakeGraph{ctx: c, untap: mic.Tap(onFrame)}, nil
}

func (c *FakeContext) Close() error {
	c.mu.Lock()
	c.state = ContextClosed
	c.mu.Unlock()
	return nil
}

// ActiveGraphs is the number of graphs connected right now.
func (c *FakeContext) ActiveGraphs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// MaxActiveGraphs is the high-water mark of concurrently connected graphs.
func (c *FakeContext) MaxActiveGraphs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

func (c *FakeContext) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *FakeContext) Resumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}

type fakeGraph struct {
	ctx   *FakeContext
	once  sync.Once
	untap func()
}

func (g *fakeGraph) Disconnect() {
	g.once.Do(func() {
		g.untap()
		g.ctx.mu.Lock()
		g.ctx.active--
		g.ctx.mu.Unlock()
	})
}
