package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/anamnese/pkg/provider/llm"
	llmmock "github.com/MrWong99/anamnese/pkg/provider/llm/mock"
	"github.com/MrWong99/anamnese/pkg/types"
)

func reply(content string) *llm.CompletionResponse {
	return &llm.CompletionResponse{Content: content}
}

func TestLLMFallback_Complete(t *testing.T) {
	down := errors.New("503 from upstream")

	tests := []struct {
		name          string
		primary       *llmmock.Provider
		backup        *llmmock.Provider
		wantContent   string
		wantAllFailed bool
		wantCalls     [2]int
	}{
		{
			name:        "primary answers",
			primary:     &llmmock.Provider{CompleteResponse: reply("gpt")},
			backup:      &llmmock.Provider{CompleteResponse: reply("claude")},
			wantContent: "gpt",
			wantCalls:   [2]int{1, 0},
		},
		{
			name:        "primary down",
			primary:     &llmmock.Provider{CompleteErr: down},
			backup:      &llmmock.Provider{CompleteResponse: reply("claude")},
			wantContent: "claude",
			wantCalls:   [2]int{1, 1},
		},
		{
			name:          "both down",
			primary:       &llmmock.Provider{CompleteErr: down},
			backup:        &llmmock.Provider{CompleteErr: errors.New("overloaded")},
			wantAllFailed: true,
			wantCalls:     [2]int{1, 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := NewLLMFallback(tt.primary, "openai", FallbackConfig{Breaker: BreakerConfig{Threshold: 3}})
			fb.AddFallback("anthropic", tt.backup)

			resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
			if tt.wantAllFailed {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, down) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the primary error", err)
				}
			} else if err != nil || resp.Content != tt.wantContent {
				t.Fatalf("got %+v, %v; want %q", resp, err, tt.wantContent)
			}
			if got := [2]int{tt.primary.CallCount(), tt.backup.CallCount()}; got != tt.wantCalls {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}
		})
	}
}

// A refusal arrives as a successful completion carrying the error tool call
// and must not move traffic to the backup model.
func TestLLMFallback_RefusalIsNotFailure(t *testing.T) {
	refusal := llmmock.ToolCallResponse("throwError", `{"errorMessage":"pouca informação"}`)
	primary := &llmmock.Provider{CompleteResponse: refusal}
	backup := &llmmock.Provider{CompleteResponse: reply("unused")}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{Breaker: BreakerConfig{Threshold: 1}})
	fb.AddFallback("anthropic", backup)

	for range 3 {
		resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if err != nil || len(resp.ToolCalls) != 1 {
			t.Fatalf("got %+v, %v", resp, err)
		}
	}
	if backup.CallCount() != 0 {
		t.Errorf("backup called %d times after refusals", backup.CallCount())
	}
}

func TestLLMFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{Script: []llmmock.Step{{Err: errors.New("timeout")}}, CompleteResponse: reply("back")}
	backup := &llmmock.Provider{CompleteResponse: reply("backup")}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{Breaker: BreakerConfig{Threshold: 1}})
	fb.AddFallback("anthropic", backup)

	for i := range 3 {
		resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if err != nil || resp.Content != "backup" {
			t.Fatalf("call %d: got %+v, %v", i, resp, err)
		}
	}
	if primary.CallCount() != 1 {
		t.Errorf("primary called %d times, want 1 while its breaker is open", primary.CallCount())
	}
}

func TestLLMFallback_CapabilitiesFromPrimary(t *testing.T) {
	primary := &llmmock.Provider{ModelCapabilities: types.ModelCapabilities{ContextWindow: 128_000, SupportsToolCalling: true}}
	backup := &llmmock.Provider{ModelCapabilities: types.ModelCapabilities{ContextWindow: 8_192}}

	fb := NewLLMFallback(primary, "openai", FallbackConfig{})
	fb.AddFallback("ollama", backup)

	if caps := fb.Capabilities(); caps.ContextWindow != 128_000 || !caps.SupportsToolCalling {
		t.Errorf("Capabilities() = %+v, want the primary's", caps)
	}
}
