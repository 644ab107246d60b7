// Package summary defines the Provider interface for turning an ordered
// transcript into a topic-sectioned summary.
//
// A provider may refuse to summarize when the transcript does not carry
// enough information. Refusals are reported as *[RefusalError] and are an
// expected outcome, distinct from transport or backend failures.
package summary

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/anamnese/pkg/types"
)

// ErrNoAction is wrapped by a RefusalError when the model answered without
// choosing one of the structured actions it was offered.
var ErrNoAction = errors.New("summary: model did not choose a structured action")

// DefaultRefusalMessage is used when a refusal carries no message of its own.
const DefaultRefusalMessage = "Não foi possível gerar um resumo, há pouca informação relevante na anamnese."

// Section slugs of the clinical intake (anamnesis) record, in display order.
const (
	SlugPatientIdentification = "identificacaoPaciente"
	SlugChiefComplaint        = "queixaPrincipal"
	SlugPresentIllness        = "historiaDoencaAtual"
	SlugFamilyHistory         = "historiaFamiliar"
	SlugPersonalHistory       = "historiaPessoal"
	SlugPhysicalExam          = "exameFisico"
	SlugMentalStatusExam      = "exameEstadoMental"
	SlugDiagnosticHypotheses  = "hipotesesDiagnosticas"
	SlugComplementaryExams    = "examesComplementares"
	SlugConduct               = "conduta"
	SlugPrognosis             = "prognostico"
	SlugSequelae              = "sequelas"
)

// Slugs lists every section slug in display order.
var Slugs = []string{
	SlugPatientIdentification,
	SlugChiefComplaint,
	SlugPresentIllness,
	SlugFamilyHistory,
	SlugPersonalHistory,
	SlugPhysicalExam,
	SlugMentalStatusExam,
	SlugDiagnosticHypotheses,
	SlugComplementaryExams,
	SlugConduct,
	SlugPrognosis,
	SlugSequelae,
}

// Provider is the abstraction over any summarization backend.
type Provider interface {
	// Summarize turns segments, already ordered by chunk sequence and start
	// time, into summary sections. Sections with empty content are never
	// returned. A refusal is returned as *RefusalError.
	Summarize(ctx context.Context, segments []types.Segment) ([]types.Section, error)
}

// RefusalError reports that the summarizer declined to produce a summary.
type RefusalError struct {
	// Message is the human-readable reason, safe to show to end users.
	Message string

	// Err is an optional underlying cause such as ErrNoAction.
	Err error
}

func (e *RefusalError) Error() string {
	return "summary: refused: " + e.Message
}

func (e *RefusalError) Unwrap() error { return e.Err }

// IsRefusal reports whether err is or wraps a *RefusalError and returns it.
func IsRefusal(err error) (*RefusalError, bool) {
	var re *RefusalError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// FilterEmpty returns the sections whose content is not blank, preserving
// order. The input slice is not modified.
func FilterEmpty(sections []types.Section) []types.Section {
	out := make([]types.Section, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Transcript joins the text of segments into one newline-separated string,
// skipping blank segments.
func Transcript(segments []types.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		if s.Speaker != "" {
			b.WriteString(s.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(text)
	}
	return b.String()
}
