// Package dummy provides a summary.Provider that returns canned sections
// without calling a model.
package dummy

import (
	"context"
	"slices"

	"github.com/MrWong99/anamnese/pkg/provider/summary"
	"github.com/MrWong99/anamnese/pkg/types"
)

// Sections is the canned summary returned by Provider.
var Sections = []types.Section{
	{
		Slug:    summary.SlugPatientIdentification,
		Content: "Nome: Roque, Idade: 46 anos, Procedência: Salvador, Endereço: Águas Claras, Estado civil: Casado, Grau de escolaridade: Terceiro grau",
	},
	{
		Slug:    summary.SlugChiefComplaint,
		Content: "Dor no estômago",
	},
	{
		Slug:    summary.SlugPresentIllness,
		Content: "Paciente relata dor no estômago há uma semana, localizada na região central do abdômen, graduada em 6/10 desde o início. Piora hoje, associada a náusea e diarreia sem sangue ou muco desde ontem.",
	},
	{
		Slug:    summary.SlugConduct,
		Content: "Foram solicitados exames para avaliação. Medicação a definir conforme os resultados.",
	},
	{
		Slug:    summary.SlugPhysicalExam,
		Content: "Médico realizará exame físico.",
	},
}

// Provider always returns Sections.
type Provider struct{}

var _ summary.Provider = Provider{}

// Summarize implements summary.Provider.
func (Provider) Summarize(ctx context.Context, _ []types.Segment) ([]types.Section, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return summary.FilterEmpty(slices.Clone(Sections)), nil
}
