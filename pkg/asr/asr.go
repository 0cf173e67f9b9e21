// Package asr provides speech-to-text for voice attachments.
package asr

import "context"

// Transcriber converts raw audio bytes in the given container format
// into text. Implementations are opaque to the relay; any failure makes
// the caller drop the message rather than surface an error.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// TranscribeFunc adapts an ordinary function to the Transcriber
// interface.
type TranscribeFunc func(ctx context.Context, audio []byte, format string) (string, error)

func (f TranscribeFunc) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return f(ctx, audio, format)
}
