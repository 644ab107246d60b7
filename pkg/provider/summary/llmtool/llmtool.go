// Package llmtool implements summary.Provider on top of any tool-calling
// llm.Provider.
//
// The model is offered exactly two tools: "summarize", whose parameters are
// the anamnesis sections, and "throwError", which carries a refusal message.
// Tool use is required, so the reply must be one of the two actions. A reply
// without a tool call is treated as a refusal carrying whatever text the
// model wrote.
package llmtool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/MrWong99/anamnese/pkg/provider/llm"
	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/types"
)

// Tool names offered to the model.
const (
	ToolSummarize  = "summarize"
	ToolThrowError = "throwError"
)

// DefaultSystemPrompt instructs the model to summarize a medical intake
// interview in Portuguese without suggesting diagnoses or treatments.
const DefaultSystemPrompt = "Você é um assistente médico, especializado em escrever os resumos das anamneses feitas pelo médico com o paciente.\n\n" +
	"O médico fez a seguinte anamnese verbal com um paciente, a anamnese passou por uma transcrição que pode conter erros. " +
	"Visto isso, considere o contexto médico ao ler a transcrição, principalmente exames, procedimentos, orgãos e remédios.\n" +
	"Caso haja informação relevante e você esteja confiante quanto ao resumo, chame a função `" + ToolSummarize + "`. " +
	"Se não, chame a função `" + ToolThrowError + "`.\n\n" +
	"Evite sugerir diagnósticos ou tratamentos, apenas resuma o que foi dito na anamnese."

var sectionDescriptions = map[string]string{
	summary.SlugPatientIdentification: "nome, idade, data de nascimento, filiação, estado civil, raça, sexo, religião, profissão, naturalidade, procedência, endereço e telefone",
	summary.SlugChiefComplaint:        "descrição sucinta da razão da consulta",
	summary.SlugPresentIllness:        "relato do adoecimento, início, principais sinais e sintomas, tempo de duração, forma de evolução, consequências, tratamentos realizados, internações, outras informações relevantes",
	summary.SlugFamilyHistory:         "doenças pregressas na família, estado de saúde dos pais, se falecidos, a idade e a causa, principal ocupação dos pais, quantos filhos na prole, forma de relacionamento familiar, nas avaliações psiquiátricas registrar a existência de doença mental na família",
	summary.SlugPersonalHistory:       "informações sobre gestação, parto, evolução psicomotora, doenças na infância, ciclo vacinal, escolaridade, sociabilidade, trabalho, relações interpessoais, vida sexual e reprodutiva, religião, doenças preexistentes e situação atual de vida",
	summary.SlugPhysicalExam:          "pele e anexos, sistema olfatório e gustativo, visual, auditivo, sensitivo-sensorial, cardiocirculatório e linfático, osteomuscular e articular, gênito-urinário e neurológico com avaliação da capacidade mental",
	summary.SlugMentalStatusExam:      "senso-percepção, representação, conceito, juízo e raciocínio, atenção, consciência, memória, afetividade, volição e linguagem",
	summary.SlugDiagnosticHypotheses:  "possíveis doenças que orientarão o diagnóstico diferencial e a requisição de exames complementares",
	summary.SlugComplementaryExams:    "exames solicitados e registro dos resultados (ou cópia dos próprios exames)",
	summary.SlugConduct:               "terapêutica instituída e encaminhamento a outros profissionais",
	summary.SlugPrognosis:             "quando necessário por razões clínicas ou legais",
	summary.SlugSequelae:              "encaminhamento para outros profissionais ou prescrições específicas como órteses e próteses",
}

// Tools returns the two tool definitions offered to the model.
func Tools() []types.ToolDefinition {
	props := make(map[string]any, len(summary.Slugs))
	for _, slug := range summary.Slugs {
		props[slug] = map[string]any{
			"type":        "string",
			"description": sectionDescriptions[slug],
		}
	}
	return []types.ToolDefinition{
		{
			Name:        ToolSummarize,
			Description: "Resume a anamnese dividindo em diferentes tópicos",
			Parameters: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   []string{summary.SlugChiefComplaint},
			},
		},
		{
			Name:        ToolThrowError,
			Description: "Retorna um erro",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"errorMessage": map[string]any{
						"type":        "string",
						"description": "Motivo do erro (exemplo: '" + summary.DefaultRefusalMessage + "')",
					},
				},
				"required": []string{"errorMessage"},
			},
		},
	}
}

// Provider implements summary.Provider with a tool-calling LLM.
type Provider struct {
	llm          llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
}

var _ summary.Provider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider)

// WithSystemPrompt replaces DefaultSystemPrompt.
func WithSystemPrompt(prompt string) Option {
	return func(p *Provider) { p.systemPrompt = prompt }
}

// WithTemperature sets the sampling temperature. Zero keeps the backend default.
func WithTemperature(t float64) Option {
	return func(p *Provider) { p.temperature = t }
}

// WithMaxTokens caps the completion length. Zero keeps the backend default.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// New returns a Provider backed by model. model must support tool calling.
func New(model llm.Provider, opts ...Option) (*Provider, error) {
	if model == nil {
		return nil, errors.New("llmtool: llm provider must not be nil")
	}
	if !model.Capabilities().SupportsToolCalling {
		return nil, errors.New("llmtool: llm provider does not support tool calling")
	}
	p := &Provider{llm: model, systemPrompt: DefaultSystemPrompt}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Summarize implements summary.Provider.
func (p *Provider) Summarize(ctx context.Context, segments []types.Segment) ([]types.Section, error) {
	transcript := summary.Transcript(segments)
	if transcript == "" {
		return nil, &summary.RefusalError{Message: summary.DefaultRefusalMessage}
	}

	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: p.systemPrompt,
		Messages:     []types.Message{{Role: "user", Content: transcript}},
		Tools:        Tools(),
		ToolChoice:   llm.ToolChoiceRequired,
		Temperature:  p.temperature,
		MaxTokens:    p.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("llmtool: complete: %w", err)
	}
	return ParseResponse(resp)
}

// ParseResponse interprets the first tool call of resp.
func ParseResponse(resp *llm.CompletionResponse) ([]types.Section, error) {
	if resp == nil || len(resp.ToolCalls) == 0 {
		msg := ""
		if resp != nil {
			msg = strings.TrimSpace(resp.Content)
		}
		if msg == "" {
			msg = summary.DefaultRefusalMessage
		}
		return nil, &summary.RefusalError{Message: msg, Err: summary.ErrNoAction}
	}

	call := resp.ToolCalls[0]
	switch call.Name {
	case ToolSummarize:
		return parseSections(call.Arguments)
	case ToolThrowError:
		var args struct {
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.ErrorMessage) == "" {
			return nil, &summary.RefusalError{Message: summary.DefaultRefusalMessage}
		}
		return nil, &summary.RefusalError{Message: args.ErrorMessage}
	default:
		return nil, &summary.RefusalError{
			Message: summary.DefaultRefusalMessage,
			Err:     fmt.Errorf("%w: unexpected tool %q", summary.ErrNoAction, call.Name),
		}
	}
}

// parseSections decodes summarize arguments into sections ordered by
// summary.Slugs, followed by any unknown keys in lexical order.
func parseSections(arguments string) ([]types.Section, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(arguments), &raw); err != nil {
		return nil, fmt.Errorf("llmtool: decode %s arguments: %w", ToolSummarize, err)
	}

	sections := make([]types.Section, 0, len(raw))
	for _, slug := range summary.Slugs {
		if v, ok := raw[slug]; ok {
			sections = append(sections, types.Section{Slug: slug, Content: stringify(v)})
		}
	}
	var extra []string
	for k := range raw {
		if !slices.Contains(summary.Slugs, k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		sections = append(sections, types.Section{Slug: k, Content: stringify(raw[k])})
	}

	sections = summary.FilterEmpty(sections)
	if len(sections) == 0 {
		return nil, &summary.RefusalError{Message: summary.DefaultRefusalMessage}
	}
	return sections, nil
}

// stringify renders a decoded JSON value as section content. Strings pass
// through; anything else is re-encoded.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
