// Package openai implements [llm.Provider] on the OpenAI chat completions
// API. Any server speaking the same protocol (vLLM, LM Studio, Azure
// gateways) works through [WithBaseURL].
//
// Requests with [llm.ToolChoiceRequired] also disable parallel tool calls:
// the summariser expects exactly one call per reply.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/anamnese/pkg/provider/llm"
	"github.com/MrWong99/anamnese/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Provider is an [llm.Provider] for one OpenAI model.
type Provider struct {
	client oai.Client
	model  string
}

// Option adjusts the SDK client built by [New].
type Option func(*[]option.RequestOption)

func add(o option.RequestOption) Option {
	return func(opts *[]option.RequestOption) { *opts = append(*opts, o) }
}

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(url string) Option { return add(option.WithBaseURL(url)) }

// WithOrganization sends the OpenAI-Organization header.
func WithOrganization(org string) Option { return add(option.WithOrganization(org)) }

// WithTimeout bounds each HTTP request, retries included.
func WithTimeout(d time.Duration) Option {
	return add(option.WithHTTPClient(&http.Client{Timeout: d}))
}

// WithMaxRetries overrides the SDK's retry count for transient failures.
func WithMaxRetries(n int) Option { return add(option.WithMaxRetries(n)) }

// New returns a Provider for model authenticated with apiKey.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	switch {
	case apiKey == "":
		return nil, errors.New("openai: api key is required")
	case model == "":
		return nil, errors.New("openai: model is required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(&reqOpts)
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	out, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: %s: %w", p.model, err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("openai: %s: reply has no choices", p.model)
	}

	msg := out.Choices[0].Message
	resp := &llm.CompletionResponse{
		Content:   msg.Content,
		ToolCalls: make([]types.ToolCall, 0, len(msg.ToolCalls)),
		Usage: llm.Usage{
			PromptTokens:     int(out.Usage.PromptTokens),
			CompletionTokens: int(out.Usage.CompletionTokens),
			TotalTokens:      int(out.Usage.TotalTokens),
		},
	}
	for _, call := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return resp, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1),
	}
	if req.SystemPrompt != "" {
		params.Messages = append(params.Messages, oai.SystemMessage(req.SystemPrompt))
	}
	for i, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return params, fmt.Errorf("openai: message %d: %w", i, err)
		}
		params.Messages = append(params.Messages, msg)
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if len(req.Tools) == 0 {
		return params, nil
	}

	params.Tools = make([]oai.ChatCompletionToolParam, len(req.Tools))
	for i, def := range req.Tools {
		params.Tools[i] = oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: param.NewOpt(def.Description),
				Parameters:  shared.FunctionParameters(def.Parameters),
			},
		}
	}
	switch req.ToolChoice {
	case "":
	case llm.ToolChoiceRequired:
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt(req.ToolChoice)}
		params.ParallelToolCalls = param.NewOpt(false)
	case llm.ToolChoiceAuto, llm.ToolChoiceNone:
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt(req.ToolChoice)}
	default:
		return params, fmt.Errorf("openai: tool choice %q not supported", req.ToolChoice)
	}
	return params, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	case "assistant":
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("role %q not supported", m.Role)
	}

	var asst oai.ChatCompletionAssistantMessageParam
	if m.Content != "" {
		asst.Content.OfString = oai.String(m.Content)
	}
	if m.Name != "" {
		asst.Name = oai.String(m.Name)
	}
	if len(m.ToolCalls) > 0 {
		asst.ToolCalls = make([]oai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			asst.ToolCalls[i] = oai.ChatCompletionMessageToolCallParam{
				ID:       call.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{Name: call.Name, Arguments: call.Arguments},
			}
		}
	}
	return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Model capabilities
// ─────────────────────────────────────────────────────────────────────────────

// modelCapabilities maps an OpenAI model name to its limits by longest
// matching prefix. Names outside the table, typically models served by a
// compatible third-party server, get a tool-capable 128k default.
func modelCapabilities(model string) types.ModelCapabilities {
	name := strings.ToLower(model)
	best, found := "", types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true}
	for prefix, c := range limits {
		if len(prefix) > len(best) && strings.HasPrefix(name, prefix) {
			best, found = prefix, c
		}
	}
	return found
}

var limits = map[string]types.ModelCapabilities{
	"gpt-4o":        {ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsToolCalling: true},
	"gpt-4.1":       {ContextWindow: 1_047_576, MaxOutputTokens: 32_768, SupportsToolCalling: true},
	"gpt-4-turbo":   {ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsToolCalling: true},
	"gpt-4":         {ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true},
	"gpt-3.5-turbo": {ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true},
	"o1-mini":       {ContextWindow: 128_000, MaxOutputTokens: 65_536},
	"o1":            {ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true},
	"o3":            {ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true},
}
