// Package llm is the chat-completion abstraction the summariser runs on.
//
// Only one request shape matters here: a system prompt, one user message
// holding the transcript, and a pair of tools the model must pick from. The
// interface is therefore non-streaming and returns the whole reply at once.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/MrWong99/anamnese/pkg/types"
)

// Values for [CompletionRequest.ToolChoice]. A backend without native
// support treats them as a hint and may answer in plain text anyway.
const (
	ToolChoiceAuto     = "auto"
	ToolChoiceRequired = "required"
	ToolChoiceNone     = "none"
)

// Usage is the token count the backend billed for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is a single chat-completion call.
type CompletionRequest struct {
	// SystemPrompt, when set, is sent ahead of Messages.
	SystemPrompt string

	// Messages must not be empty.
	Messages []types.Message

	Tools []types.ToolDefinition

	// ToolChoice is one of the ToolChoice constants or empty for the
	// backend default.
	ToolChoice string

	// Temperature and MaxTokens use the backend default when zero.
	Temperature float64
	MaxTokens   int
}

// CompletionResponse is the model's reply. Content is usually empty when
// ToolCalls is not.
type CompletionResponse struct {
	Content   string
	ToolCalls []types.ToolCall
	Usage     Usage
}

// Provider is a chat-completion backend bound to one model.
type Provider interface {
	// Complete blocks until the model has answered or ctx ends.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities describes the bound model. It must not perform I/O.
	Capabilities() types.ModelCapabilities
}
