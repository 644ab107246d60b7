// Package types defines the shared types used across all anamnese packages.
//
// These types are the lingua franca between providers, stores, workers and the
// delivery layer. Each package defines its own domain types, but records that
// cross package boundaries live here to avoid circular imports.
package types

import "time"

// Segment is a timestamped span of transcribed text within one chunk.
type Segment struct {
	// Start is the segment start offset in seconds, relative to the chunk.
	Start float64 `json:"start"`

	// End is the segment end offset in seconds, relative to the chunk.
	End float64 `json:"end"`

	// Text is the transcribed speech content.
	Text string `json:"text"`

	// Speaker is an optional speaker tag when diarization is available.
	Speaker string `json:"speaker,omitempty"`

	// Confidence is an optional per-segment confidence score. Nil means the
	// provider did not report one.
	Confidence *float64 `json:"confidence,omitempty"`
}

// Transcription is the result of transcribing one audio chunk.
type Transcription struct {
	// Duration is the length of the audio in seconds. Zero when unknown.
	Duration float64 `json:"duration,omitempty"`

	// Segments are ordered by Start.
	Segments []Segment `json:"segments"`
}

// ChunkTranscription is the persisted transcription of one uploaded audio
// chunk. Identity is (UserID, ConversationID, Sequence).
type ChunkTranscription struct {
	UserID         string        `json:"userId"`
	ConversationID string        `json:"conversationId"`
	Sequence       int           `json:"chunkId"`
	Content        Transcription `json:"contentSections"`
	IsLastChunk    bool          `json:"isLastChunk"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Client is optional subject metadata attached to a conversation.
type Client struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Conversation is the logical container for all chunks of one session.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Client    *Client   `json:"client,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Section is one topic of a structured summary.
type Section struct {
	Slug    string `json:"slug"`
	Content string `json:"content"`
}

// Summarization is a generated summary for a completed conversation.
type Summarization struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	ConversationID string    `json:"conversationId"`
	Content        []Section `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationWithSummaries is the read model returned by the API and pushed
// to live clients once a conversation has been summarized.
type ConversationWithSummaries struct {
	Conversation
	Summarizations []Summarization `json:"summarizations"`
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name.
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool
}
