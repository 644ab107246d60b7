package resilience

import (
	"context"

	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/types"
)

var _ stt.Provider = (*STTFallback)(nil)

// STTFallback is an [stt.Provider] that fails over between transcription
// backends. The same request, previous-chunk context included, is replayed
// against each member.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// NewSTTFallback returns an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, name string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, name, cfg)}
}

// AddFallback registers another backend tried after the ones already added.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// Transcribe implements [stt.Provider].
func (f *STTFallback) Transcribe(ctx context.Context, req stt.Request) (*types.Transcription, error) {
	return Call(ctx, f.group, func(ctx context.Context, p stt.Provider) (*types.Transcription, error) {
		return p.Transcribe(ctx, req)
	})
}
