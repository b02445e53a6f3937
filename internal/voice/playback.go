package voice

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/ent0n29/mailvoice/internal/eventloop"
)

// Playback owns the single active reply track and the interrupt watcher's
// lifetime around it.
type Playback struct {
	ctx     context.Context
	loop    *eventloop.Loop
	player  Player
	resolve func(string) (string, error)
	watcher *Watcher
	logger  *slog.Logger

	// onStarted runs once audio is audible; onFinished on natural end or
	// failure. Neither runs for an explicitly stopped track.
	onStarted  func()
	onFinished func(err error)

	gen    uint64
	active bool
	stop   func()
	url    string
}

func NewPlayback(ctx context.Context, loop *eventloop.Loop, player Player, resolve func(string) (string, error), watcher *Watcher, logger *slog.Logger) *Playback {
	if resolve == nil {
		resolve = func(ref string) (string, error) { return ref, nil }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Playback{
		ctx:        ctx,
		loop:       loop,
		player:     player,
		resolve:    resolve,
		watcher:    watcher,
		logger:     logger,
		onStarted:  func() {},
		onFinished: func(error) {},
	}
}

func (p *Playback) Active() bool { return p.active }

// URL is the resolved, cache-busted URL of the active track.
func (p *Playback) URL() string { return p.url }

// Play discards the current track and starts ref. Failures to start are
// reported through onFinished like any playback error.
func (p *Playback) Play(ref string) {
	p.discard()
	p.gen++
	gen := p.gen
	p.active = true

	resolved, err := p.resolve(ref)
	if err == nil {
		resolved, err = cacheBust(resolved, p.loop.Clock().Now().UnixMilli())
	}
	if err != nil {
		p.loop.Post(func() { p.finish(gen, fmt.Errorf("resolve audio url: %w", err)) })
		return
	}
	p.url = resolved

	stop, err := p.player.Play(p.ctx, resolved,
		func() { p.loop.Post(func() { p.started(gen) }) },
		func(err error) { p.loop.Post(func() { p.finish(gen, err) }) },
	)
	if err != nil {
		p.loop.Post(func() { p.finish(gen, err) })
		return
	}
	p.stop = stop
}

// Stop halts and discards the active track. It reports false when nothing
// was playing.
func (p *Playback) Stop() bool {
	if !p.active {
		return false
	}
	p.discard()
	return true
}

func (p *Playback) discard() {
	p.gen++
	if p.stop != nil {
		p.stop()
		p.stop = nil
	}
	p.active = false
	p.url = ""
	p.watcher.Stop()
}

func (p *Playback) started(gen uint64) {
	if gen != p.gen || !p.active {
		return
	}
	p.watcher.Start()
	p.onStarted()
}

func (p *Playback) finish(gen uint64, err error) {
	if gen != p.gen || !p.active {
		return
	}
	p.stop = nil
	p.active = false
	p.url = ""
	p.watcher.Stop()
	if err != nil {
		p.logger.Warn("playback failed", "error", err)
	}
	p.onFinished(err)
}

func cacheBust(raw string, ts int64) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("_ts", strconv.FormatInt(ts, 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
