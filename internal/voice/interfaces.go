package voice

import (
	"context"

	"github.com/ent0n29/mailvoice/internal/voiceapi"
)

// Submitter is the voice server contract. voiceapi.Client implements it.
type Submitter interface {
	Process(ctx context.Context, wav []byte) (voiceapi.Response, error)
	ComposeText(ctx context.Context, field, value string) (voiceapi.Response, error)
	Logout(ctx context.Context) error
	ResolveURL(ref string) (string, error)
}

// Player plays one resource. It must not block: onStart and onDone may be
// called from any goroutine and are never called after stop.
type Player interface {
	Play(ctx context.Context, url string, onStart func(), onDone func(error)) (stop func(), err error)
}
