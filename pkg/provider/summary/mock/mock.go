// Package mock provides a test double for the summary.Provider interface.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/types"
)

// SummarizeCall records a single invocation of Provider.Summarize.
type SummarizeCall struct {
	Ctx      context.Context
	Segments []types.Segment
}

// Provider is a mock implementation of summary.Provider.
type Provider struct {
	mu sync.Mutex

	// Sections is returned by Summarize when Err is nil.
	Sections []types.Section

	// Err, if non-nil, is returned by Summarize.
	Err error

	// Calls records every call to Summarize.
	Calls []SummarizeCall
}

// Summarize records the call and returns Sections, Err.
func (p *Provider) Summarize(ctx context.Context, segments []types.Segment) ([]types.Section, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SummarizeCall{Ctx: ctx, Segments: slices.Clone(segments)})
	if p.Err != nil {
		return nil, p.Err
	}
	return slices.Clone(p.Sections), nil
}

// CallCount returns the number of Summarize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements summary.Provider at compile time.
var _ summary.Provider = (*Provider)(nil)
