package scoring

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/complyon/compliance-agent-backend/internal/domain/compliance"
	"github.com/complyon/compliance-agent-backend/internal/domain/errors"
)

// catalogFile is the on-disk shape of the control reference catalog.
type catalogFile struct {
	Controls []catalogControl `yaml:"controls"`
}

type catalogControl struct {
	ID          string `yaml:"id"`
	Framework   string `yaml:"framework"`
	Name        string `yaml:"name"`
	Requirement string `yaml:"requirement"`
	Family      string `yaml:"family"`
	Criticality string `yaml:"criticality"`
}

// LoadCatalog reads the control reference catalog from a YAML file and
// validates it. The catalog is the engine's source of truth for which
// controls each framework carries.
func LoadCatalog(path string) ([]compliance.Control, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading control catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(raw []byte) ([]compliance.Control, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, errors.NewValidationError("INVALID_CATALOG",
			"control catalog is not valid YAML").WithCause(err)
	}
	if len(f.Controls) == 0 {
		return nil, errors.NewValidationError("EMPTY_CATALOG",
			"control catalog defines no controls")
	}

	controls := make([]compliance.Control, 0, len(f.Controls))
	for _, c := range f.Controls {
		controls = append(controls, compliance.Control{
			ID:              c.ID,
			Framework:       compliance.Framework(c.Framework),
			Name:            c.Name,
			RequirementText: c.Requirement,
			Family:          c.Family,
			Criticality:     compliance.Criticality(c.Criticality),
		})
	}
	if err := compliance.ValidateControls(controls); err != nil {
		return nil, err
	}
	return controls, nil
}
