// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the summariser access to Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, Groq and the local llama.cpp servers through one code path.
//
// any-llm-go has no tool-choice parameter. When a request asks for
// [llm.ToolChoiceRequired] the adapter appends [requiredToolNote] to the
// system prompt instead, so the model is told what the API cannot enforce.
// Callers must still treat a reply without a tool call as an error.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-..."))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/anamnese/pkg/provider/llm"
	"github.com/MrWong99/anamnese/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// requiredToolNote is appended to the system prompt for requests that must
// be answered with a tool call.
const requiredToolNote = "Answer only by calling exactly one of the provided functions. Do not reply with plain text."

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](fn func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
		p, err := fn(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

var constructors = map[string]constructor{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"gemini":    wrap(gemini.New),
	"ollama":    wrap(ollama.New),
	"deepseek":  wrap(deepseek.New),
	"mistral":   wrap(mistral.New),
	"groq":      wrap(groq.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// Backends returns the sorted backend names accepted by [New].
func Backends() []string {
	return slices.Sorted(maps.Keys(constructors))
}

// Provider is an [llm.Provider] talking to one any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New builds a Provider for backend (case-insensitive, see [Backends]) and
// model. opts are passed to the backend untouched; without
// anyllmlib.WithAPIKey the backend reads its usual environment variable.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	switch {
	case backend == "":
		return nil, errors.New("anyllm: backend name is required")
	case model == "":
		return nil, errors.New("anyllm: model is required")
	}
	ctor, ok := constructors[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown backend %q (known: %s)", backend, strings.Join(Backends(), ", "))
	}
	b, err := ctor(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: init %s: %w", backend, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// Complete implements [llm.Provider]. Only the first choice is used.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	out, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: %s: %w", p.model, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: %s: reply has no choices", p.model)
	}

	msg := out.Choices[0].Message
	resp := &llm.CompletionResponse{
		Content:   msg.ContentString(),
		ToolCalls: make([]types.ToolCall, 0, len(msg.ToolCalls)),
	}
	for _, call := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	if u := out.Usage; u != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
		}
	}
	return resp, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	useTools := len(req.Tools) > 0 && req.ToolChoice != llm.ToolChoiceNone

	system := req.SystemPrompt
	if useTools && req.ToolChoice == llm.ToolChoiceRequired {
		system = strings.TrimSpace(system + "\n\n" + requiredToolNote)
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: make([]anyllmlib.Message, 0, len(req.Messages)+1),
	}
	if system != "" {
		params.Messages = append(params.Messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		params.Messages = append(params.Messages, convertMessage(m))
	}

	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	if !useTools {
		return params
	}
	params.Tools = make([]anyllmlib.Tool, len(req.Tools))
	for i, def := range req.Tools {
		params.Tools[i] = anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		}
	}
	return params
}

func convertMessage(m types.Message) anyllmlib.Message {
	out := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if len(m.ToolCalls) == 0 {
		return out
	}
	out.ToolCalls = make([]anyllmlib.ToolCall, len(m.ToolCalls))
	for i, call := range m.ToolCalls {
		out.ToolCalls[i] = anyllmlib.ToolCall{
			ID:       call.ID,
			Type:     "function",
			Function: anyllmlib.FunctionCall{Name: call.Name, Arguments: call.Arguments},
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Model capabilities
// ─────────────────────────────────────────────────────────────────────────────

func caps(window, output int, tools bool) types.ModelCapabilities {
	return types.ModelCapabilities{ContextWindow: window, MaxOutputTokens: output, SupportsToolCalling: tools}
}

// families is matched in order; the first entry whose pattern occurs in the
// lower-cased model name wins. A leading '^' anchors the pattern.
var families = []struct {
	pattern string
	caps    types.ModelCapabilities
}{
	{"^gpt-4o", caps(128_000, 16_384, true)},
	{"^gpt-4-turbo", caps(128_000, 4_096, true)},
	{"^gpt-4", caps(8_192, 4_096, true)},
	{"^gpt-3.5-turbo", caps(16_385, 4_096, true)},
	{"^o1-mini", caps(128_000, 65_536, false)},
	{"^o1", caps(200_000, 100_000, true)},
	{"^o3", caps(200_000, 100_000, true)},
	{"claude-3-opus", caps(200_000, 4_096, true)},
	{"^claude", caps(200_000, 8_192, true)},
	{"gemini-1.5-pro", caps(2_097_152, 8_192, true)},
	{"gemini-1.5-flash", caps(1_048_576, 8_192, true)},
	{"gemini-2", caps(1_048_576, 8_192, true)},
	{"^gemini", caps(128_000, 8_192, true)},
}

// modelCapabilities looks model up in families. Unknown models, which is
// what most local servers report, get a tool-capable 128k default.
func modelCapabilities(model string) types.ModelCapabilities {
	name := strings.ToLower(model)
	for _, f := range families {
		anchored, ok := strings.CutPrefix(f.pattern, "^")
		if ok && strings.HasPrefix(name, anchored) || !ok && strings.Contains(name, f.pattern) {
			return f.caps
		}
	}
	return caps(128_000, 4_096, true)
}
