package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

const defaultFramesPerBuffer = 1024

// PortAudio is the production Platform. The microphone runs at the input
// device's default sample rate; no resampling happens at this layer.
type PortAudio struct {
	DeviceName      string
	FramesPerBuffer int
	Logger          *slog.Logger
}

// DeviceInfo describes one input device for the devices command.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	Default           bool
}

// ListInputDevices enumerates devices that can record.
func ListInputDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var defName string
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defName = def.Name
	}
	var out []DeviceInfo
	for _, d := range devices {
		if d.MaxInputChannels < 1 {
			continue
		}
		out = append(out, DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           d.Name == defName,
		})
	}
	return out, nil
}

func (p *PortAudio) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *PortAudio) OpenMicrophone(ctx context.Context) (Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio init: %w", err)
	}
	dev, err := p.findInput()
	if err != nil {
		_ = portaudio.Terminate()
		return nil, err
	}

	frames := p.FramesPerBuffer
	if frames <= 0 {
		frames = defaultFramesPerBuffer
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = dev.DefaultSampleRate
	params.FramesPerBuffer = frames

	buf := make([]float32, frames)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("open capture stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("start capture stream: %w", err)
	}

	m := &paMicrophone{
		stream: stream,
		buf:    buf,
		rate:   int(dev.DefaultSampleRate),
		taps:   make(map[uint64]FrameFunc),
		done:   make(chan struct{}),
		logger: p.logger(),
	}
	go m.readLoop()
	p.logger().Info("microphone opened", "device", dev.Name, "sample_rate", m.rate, "frames_per_buffer", frames)
	return m, nil
}

func (p *PortAudio) NewContext(mic Microphone) (Context, error) {
	m, ok := mic.(*paMicrophone)
	if !ok {
		return nil, errors.New("portaudio context requires a portaudio microphone")
	}
	return &paContext{rate: m.rate}, nil
}

func (p *PortAudio) findInput() (*portaudio.DeviceInfo, error) {
	if name := strings.TrimSpace(p.DeviceName); name != "" {
		devices, err := portaudio.Devices()
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		for _, d := range devices {
			if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), strings.ToLower(name)) {
				return d, nil
			}
		}
		return nil, fmt.Errorf("input device %q not found", name)
	}
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no input device: %w", err)
	}
	return dev, nil
}

type paMicrophone struct {
	stream *portaudio.Stream
	buf    []float32
	rate   int
	logger *slog.Logger

	mu     sync.RWMutex
	taps   map[uint64]FrameFunc
	nextID uint64

	ended     atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

func (m *paMicrophone) readLoop() {
	defer close(m.done)
	for {
		if err := m.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				continue
			}
			if !m.ended.Load() {
				m.logger.Warn("microphone read failed", "error", err)
			}
			m.ended.Store(true)
			return
		}
		m.mu.RLock()
		for _, fn := range m.taps {
			frame := make([]float32, len(m.buf))
			copy(frame, m.buf)
			fn(frame)
		}
		m.mu.RUnlock()
	}
}

func (m *paMicrophone) Ended() bool { return m.ended.Load() }

func (m *paMicrophone) Tap(onFrame FrameFunc) func() {
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

func (m *paMicrophone) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.ended.Store(true)
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		<-m.done
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		if termErr := portaudio.Terminate(); termErr != nil && err == nil {
			err = termErr
		}
	})
	return err
}

// paContext mirrors the device rate. A PortAudio stream has no suspended
// state, so Resume only fails once the context is closed.
type paContext struct {
	rate   int
	closed atomic.Bool
}

func (c *paContext) SampleRate() int { return c.rate }

func (c *paContext) State() ContextState {
	if c.closed.Load() {
		return ContextClosed
	}
	return ContextRunning
}

func (c *paContext) Resume(context.Context) error {
	if c.closed.Load() {
		return errors.New("audio context closed")
	}
	return nil
}

func (c *paContext) Connect(mic Microphone, onFrame FrameFunc) (Graph, error) {
	if c.closed.Load() {
		return nil, errors.New("audio context closed")
	}
	return &paGraph{untap: mic.Tap(onFrame)}, nil
}

func (c *paContext) Close() error {
	c.closed.Store(true)
	return nil
}

type paGraph struct {
	once  sync.Once
	untap func()
}

func (g *paGraph) Disconnect() { g.once.Do(g.untap) }
