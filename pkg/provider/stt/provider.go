// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider converts one complete audio chunk into timestamped text
// segments. Chunks are transcribed as discrete batch units after their upload
// has finished; there is no streaming session. Callers may seed a request with
// the trailing text of the previous chunk so that the backend can continue
// sentences that were cut at a chunk boundary.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/anamnese/pkg/types"
)

// DefaultLanguage is the recognition language used when a Request does not
// carry one.
const DefaultLanguage = "pt"

// Request describes one transcription call.
type Request struct {
	// Audio is the raw, encoded audio file (e.g. webm/opus). Providers forward
	// it unchanged; no decoding happens in-process.
	Audio []byte

	// FileName is the upload file name. Backends use the extension to detect
	// the container format.
	FileName string

	// PreviousContext is the trailing text of the preceding chunk, used as a
	// continuation prompt. Empty when no previous chunk is available.
	PreviousContext string

	// Language is an ISO-639-1 language hint (e.g. "pt", "en"). Empty means
	// the provider default.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe sends req to the backend and returns the recognised segments
	// ordered by start time. Network and backend errors are returned to the
	// caller unchanged so that it can decide on a retry policy.
	Transcribe(ctx context.Context, req Request) (*types.Transcription, error)
}

// HasSpeech reports whether a recognised segment should be kept. A segment
// counts as speech when its no-speech probability is at most 1 or its average
// token log-probability is at least -1. The thresholds are deliberately
// permissive so that valid low-confidence speech is not dropped.
func HasSpeech(noSpeechProb, avgLogprob float64) bool {
	return noSpeechProb <= 1 || avgLogprob >= -1
}
