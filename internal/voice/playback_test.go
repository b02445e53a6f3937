package voice

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/ent0n29/mailvoice/internal/eventloop"
)

func TestCacheBust(t *testing.T) {
	got, err := cacheBust("http://voice.test/static/audio/a.wav?v=2", 1700000000000)
	if err != nil {
		t.Fatalf("cacheBust() error = %v", err)
	}
	u, _ := url.Parse(got)
	if u.Query().Get("_ts") != "1700000000000" || u.Query().Get("v") != "2" {
		t.Fatalf("cacheBust() = %q, want _ts added and v kept", got)
	}
}

type failingPlayer struct{}

func (failingPlayer) Play(context.Context, string, func(), func(error)) (func(), error) {
	return nil, errors.New("no output device")
}

func newTestPlayback(player Player) (*Playback, *eventloop.Loop, *[]error) {
	loop := eventloop.New(eventloop.NewFakeClock(time.Unix(0, 0)))
	w := NewWatcher(context.Background(), loop, nil, nil, WatcherConfig{})
	p := NewPlayback(context.Background(), loop, player, nil, w, nil)
	var finished []error
	p.onFinished = func(err error) { finished = append(finished, err) }
	return p, loop, &finished
}

func TestPlaybackStartErrorReportsFinish(t *testing.T) {
	p, loop, finished := newTestPlayback(failingPlayer{})
	p.Play("http://voice.test/a.wav")
	loop.RunUntilIdle()
	if len(*finished) != 1 || (*finished)[0] == nil {
		t.Fatalf("finished = %v, want one error", *finished)
	}
	if p.Active() {
		t.Fatalf("Active() = true after failed start")
	}
}

func TestPlaybackReplaceDiscardsPreviousTrack(t *testing.T) {
	player := &fakePlayer{}
	p, loop, finished := newTestPlayback(player)
	p.Play("http://voice.test/a.wav")
	p.Play("http://voice.test/b.wav")
	if !player.track(0).stopped {
		t.Fatalf("first track not stopped on replace")
	}
	player.track(0).onDone(nil)
	loop.RunUntilIdle()
	if len(*finished) != 0 {
		t.Fatalf("replaced track reported completion")
	}
	player.track(1).onDone(nil)
	loop.RunUntilIdle()
	if len(*finished) != 1 {
		t.Fatalf("finished = %d, want 1", len(*finished))
	}
}

func TestPlaybackStop(t *testing.T) {
	player := &fakePlayer{}
	p, loop, finished := newTestPlayback(player)
	if p.Stop() {
		t.Fatalf("Stop() = true with nothing playing")
	}
	p.Play("http://voice.test/a.wav")
	if p.URL() == "" {
		t.Fatalf("URL() empty while playing")
	}
	if !p.Stop() {
		t.Fatalf("Stop() = false while playing")
	}
	player.track(0).onStart()
	player.track(0).onDone(nil)
	loop.RunUntilIdle()
	if len(*finished) != 0 || p.Active() {
		t.Fatalf("stopped track produced callbacks")
	}
}
