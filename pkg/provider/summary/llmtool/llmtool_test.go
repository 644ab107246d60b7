package llmtool_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/anamnese/pkg/provider/llm"
	llmmock "github.com/MrWong99/anamnese/pkg/provider/llm/mock"
	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/provider/summary/llmtool"
	"github.com/MrWong99/anamnese/pkg/types"
)

func newModel(resp *llm.CompletionResponse, err error) *llmmock.Provider {
	return &llmmock.Provider{
		CompleteResponse:  resp,
		CompleteErr:       err,
		ModelCapabilities: types.ModelCapabilities{SupportsToolCalling: true},
	}
}

var segments = []types.Segment{
	{Text: "Boa tarde, qual é o seu nome?"},
	{Text: "Meu nome é Roque."},
	{Text: "  "},
	{Text: "O meu estômago tá doendo."},
}

func TestSummarize_SectionsInSlugOrder(t *testing.T) {
	model := newModel(&llm.CompletionResponse{ToolCalls: []types.ToolCall{{
		ID:        "call_1",
		Name:      llmtool.ToolSummarize,
		Arguments: `{"conduta":"exames solicitados","queixaPrincipal":"dor no estômago","historiaFamiliar":"","extra":"x","identificacaoPaciente":"Roque"}`,
	}}}, nil)

	p, err := llmtool.New(model)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := p.Summarize(context.Background(), segments)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}

	want := []types.Section{
		{Slug: summary.SlugPatientIdentification, Content: "Roque"},
		{Slug: summary.SlugChiefComplaint, Content: "dor no estômago"},
		{Slug: summary.SlugConduct, Content: "exames solicitados"},
		{Slug: "extra", Content: "x"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d sections, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("section %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if model.CallCount() != 1 {
		t.Fatalf("Complete calls = %d, want 1", model.CallCount())
	}
	req, _ := model.LastRequest()
	if req.ToolChoice != llm.ToolChoiceRequired {
		t.Errorf("ToolChoice = %q, want required", req.ToolChoice)
	}
	if len(req.Tools) != 2 || req.Tools[0].Name != llmtool.ToolSummarize || req.Tools[1].Name != llmtool.ToolThrowError {
		t.Errorf("Tools = %+v", req.Tools)
	}
	if req.SystemPrompt != llmtool.DefaultSystemPrompt {
		t.Error("expected default system prompt")
	}
	wantTranscript := "Boa tarde, qual é o seu nome?\nMeu nome é Roque.\nO meu estômago tá doendo."
	if len(req.Messages) != 1 || req.Messages[0].Content != wantTranscript {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestSummarize_ThrowErrorIsRefusal(t *testing.T) {
	model := newModel(llmmock.ToolCallResponse(llmtool.ToolThrowError, `{"errorMessage":"Pouca informação relevante"}`), nil)
	p, _ := llmtool.New(model)

	_, err := p.Summarize(context.Background(), segments)
	re, ok := summary.IsRefusal(err)
	if !ok {
		t.Fatalf("expected RefusalError, got %v", err)
	}
	if re.Message != "Pouca informação relevante" {
		t.Errorf("Message = %q", re.Message)
	}
}

func TestSummarize_NoToolCallIsRefusalWithModelText(t *testing.T) {
	model := newModel(&llm.CompletionResponse{Content: "Não consigo resumir."}, nil)
	p, _ := llmtool.New(model)

	_, err := p.Summarize(context.Background(), segments)
	re, ok := summary.IsRefusal(err)
	if !ok {
		t.Fatalf("expected RefusalError, got %v", err)
	}
	if re.Message != "Não consigo resumir." {
		t.Errorf("Message = %q", re.Message)
	}
	if !errors.Is(err, summary.ErrNoAction) {
		t.Error("expected error to wrap ErrNoAction")
	}
}

func TestSummarize_EmptyTranscriptSkipsModel(t *testing.T) {
	model := newModel(nil, nil)
	p, _ := llmtool.New(model)

	_, err := p.Summarize(context.Background(), []types.Segment{{Text: " "}})
	if _, ok := summary.IsRefusal(err); !ok {
		t.Fatalf("expected RefusalError, got %v", err)
	}
	if model.CallCount() != 0 {
		t.Errorf("model called %d times for empty transcript", model.CallCount())
	}
}

func TestSummarize_BackendErrorIsNotRefusal(t *testing.T) {
	model := newModel(nil, errors.New("503 service unavailable"))
	p, _ := llmtool.New(model)

	_, err := p.Summarize(context.Background(), segments)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := summary.IsRefusal(err); ok {
		t.Error("backend failure must not be reported as a refusal")
	}
}

func TestParseResponse_Edge(t *testing.T) {
	tests := []struct {
		name string
		resp *llm.CompletionResponse
	}{
		{"nil response", nil},
		{"all sections empty", &llm.CompletionResponse{ToolCalls: []types.ToolCall{{Name: llmtool.ToolSummarize, Arguments: `{"queixaPrincipal":"  "}`}}}},
		{"unknown tool", &llm.CompletionResponse{ToolCalls: []types.ToolCall{{Name: "other", Arguments: `{}`}}}},
		{"throwError without message", &llm.CompletionResponse{ToolCalls: []types.ToolCall{{Name: llmtool.ToolThrowError, Arguments: `{}`}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := llmtool.ParseResponse(tt.resp)
			re, ok := summary.IsRefusal(err)
			if !ok {
				t.Fatalf("expected RefusalError, got %v", err)
			}
			if re.Message == "" {
				t.Error("refusal message must not be empty")
			}
		})
	}

	_, err := llmtool.ParseResponse(&llm.CompletionResponse{ToolCalls: []types.ToolCall{{Name: llmtool.ToolSummarize, Arguments: `not json`}}})
	if err == nil || !strings.Contains(err.Error(), "decode") {
		t.Errorf("expected decode error, got %v", err)
	}
}

func TestNew_RequiresToolCalling(t *testing.T) {
	if _, err := llmtool.New(&llmmock.Provider{}); err == nil {
		t.Error("expected error for model without tool calling")
	}
	if _, err := llmtool.New(nil); err == nil {
		t.Error("expected error for nil model")
	}
}

func TestTools_Schema(t *testing.T) {
	tools := llmtool.Tools()
	props := tools[0].Parameters["properties"].(map[string]any)
	if len(props) != len(summary.Slugs) {
		t.Errorf("summarize tool has %d properties, want %d", len(props), len(summary.Slugs))
	}
	for _, slug := range summary.Slugs {
		prop, ok := props[slug].(map[string]any)
		if !ok || prop["description"] == "" {
			t.Errorf("slug %s missing or undescribed", slug)
		}
	}
	req := tools[1].Parameters["required"].([]string)
	if len(req) != 1 || req[0] != "errorMessage" {
		t.Errorf("throwError required = %v", req)
	}
}
