// Package fixture provides a deterministic STT provider that returns canned
// segments without calling any backend. It is meant for local development and
// end-to-end tests of the ingestion pipeline.
package fixture

import (
	"context"
	"slices"

	"github.com/MrWong99/anamnese/pkg/provider/stt"
	"github.com/MrWong99/anamnese/pkg/types"
)

var _ stt.Provider = (*Provider)(nil)

// DefaultSegments is a short clinical intake dialogue in Portuguese.
var DefaultSegments = []types.Segment{
	{Start: 0, End: 2.5, Text: "Boa tarde, senhor. Qual é o seu nome?"},
	{Start: 2.5, End: 4.0, Text: "Meu nome é Roque."},
	{Start: 4.0, End: 6.0, Text: "E o senhor tem quantos anos? Quarenta e seis."},
	{Start: 6.0, End: 9.5, Text: "E o que é que traz o senhor aqui hoje? O meu estômago tá doendo."},
	{Start: 9.5, End: 12.0, Text: "E começou há quanto tempo essa dor? Uma semana."},
	{Start: 12.0, End: 15.0, Text: "Teve vômito, diarreia? Diarreia, sim. Ontem e hoje."},
	{Start: 15.0, End: 18.5, Text: "Eu vou fazer o exame físico no senhor e passar os exames, tá bom?"},
}

// Provider returns the same transcription for every request.
type Provider struct {
	segments []types.Segment
	duration float64
	echo     bool
}

// Option configures a Provider.
type Option func(*Provider)

// WithSegments replaces the canned segments.
func WithSegments(segs []types.Segment) Option {
	return func(p *Provider) { p.segments = slices.Clone(segs) }
}

// WithEcho makes the provider return a single segment whose text is the raw
// audio payload. Tests use it to trace which chunk produced which text.
func WithEcho() Option {
	return func(p *Provider) { p.echo = true }
}

// New returns a fixture Provider.
func New(opts ...Option) *Provider {
	p := &Provider{segments: slices.Clone(DefaultSegments)}
	for _, o := range opts {
		o(p)
	}
	if n := len(p.segments); n > 0 {
		p.duration = p.segments[n-1].End
	}
	return p
}

// Transcribe implements stt.Provider. It honours ctx cancellation and
// otherwise never fails.
func (p *Provider) Transcribe(ctx context.Context, req stt.Request) (*types.Transcription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.echo {
		return &types.Transcription{
			Duration: 1,
			Segments: []types.Segment{{Start: 0, End: 1, Text: string(req.Audio)}},
		}, nil
	}
	return &types.Transcription{Duration: p.duration, Segments: slices.Clone(p.segments)}, nil
}
