package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/mailvoice/internal/audio"
)

const batchChunkBytes = 8000

// Transcriber converts one whole recording to text.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error)
}

// Transcribe sends a complete recording and joins the final segments the
// server returns before it closes the connection.
func (v *Vosk) Transcribe(ctx context.Context, samples []int16, sampleRate int) (string, error) {
	if strings.TrimSpace(v.cfg.URL) == "" {
		return "", ErrUnavailable
	}
	conn, err := dialWithRetry(ctx, v.cfg, ctx.Done())
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]any{"config": map[string]any{"sample_rate": sampleRate}}); err != nil {
		return "", fmt.Errorf("send recognizer config: %w", err)
	}
	pcm := audio.Int16LE(samples)
	for off := 0; off < len(pcm); off += batchChunkBytes {
		end := min(off+batchChunkBytes, len(pcm))
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return "", fmt.Errorf("send audio: %w", err)
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(eofMessage)); err != nil {
		return "", fmt.Errorf("send eof: %w", err)
	}

	var parts []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			break
		}
		var msg voskMessage
		if json.Unmarshal(data, &msg) != nil || msg.Text == nil {
			continue
		}
		if text := strings.TrimSpace(*msg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
