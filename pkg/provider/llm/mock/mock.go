// Package mock provides a scripted [llm.Provider] for tests.
//
// Summarization is driven entirely through tool calls, so the usual setup is
// a response carrying one call:
//
//	p := &mock.Provider{
//	    CompleteResponse: mock.ToolCallResponse("summarize", `{"conduta":"..."}`),
//	}
//
// Script holds per-call responses for tests that need the model to behave
// differently across retries; once exhausted, CompleteResponse and
// CompleteErr apply.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/anamnese/pkg/provider/llm"
	"github.com/MrWong99/anamnese/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Step is one scripted outcome of Complete.
type Step struct {
	Response *llm.CompletionResponse
	Err      error
}

// CompleteCall records one invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a scripted [llm.Provider]. Exported fields must be set before
// the provider is shared between goroutines.
type Provider struct {
	// Script is consumed front to back, one step per Complete call.
	Script []Step

	// CompleteResponse and CompleteErr are returned once Script is empty.
	CompleteResponse *llm.CompletionResponse
	CompleteErr      error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities types.ModelCapabilities

	mu sync.Mutex
	// CompleteCalls records every Complete call in order. Read it only
	// after the calls under test have returned.
	CompleteCalls []CompleteCall
	step          int
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	if p.step < len(p.Script) {
		s := p.Script[p.step]
		p.step++
		return s.Response, s.Err
	}
	return p.CompleteResponse, p.CompleteErr
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return p.ModelCapabilities
}

// CallCount returns the number of Complete calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// LastRequest returns the request of the most recent Complete call.
func (p *Provider) LastRequest() (llm.CompletionRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.CompleteCalls) == 0 {
		return llm.CompletionRequest{}, false
	}
	return p.CompleteCalls[len(p.CompleteCalls)-1].Req, true
}

// ToolCallResponse builds a response whose only content is one call of tool
// name with the given JSON arguments.
func ToolCallResponse(name, arguments string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		ToolCalls: []types.ToolCall{{
			ID:        fmt.Sprintf("call_%s", name),
			Name:      name,
			Arguments: arguments,
		}},
	}
}
