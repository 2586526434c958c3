package squad

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/opensquad/squadron/pkg/models"
)

// ParseTemplate decodes the declarative YAML squad template format:
// name/slug/description/version, an agents[] list, and a
// routingRules[] list. Grounded on tarsy's pkg/config/loader.go, which
// decodes its own chain/agent config the same way — yaml.v3 straight onto
// tagged structs, no intermediate map[string]any stage.
func ParseTemplate(raw []byte) (models.SquadTemplate, error) {
	var t models.SquadTemplate
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return models.SquadTemplate{}, fmt.Errorf("squad: parse template: %w", err)
	}
	return t, nil
}

// Customization overrides template defaults when applying a template,
// keyed by role. Only the fields the spec calls out as overridable
// (specialization, generatorRef, systemPromptRef) are adjustable per
// instantiation; the role itself and the routing rules are fixed by the
// template.
type Customization struct {
	Agents map[models.Role]AgentOverride
}

// AgentOverride replaces the corresponding zero-value field of a
// TemplateAgent when applying a template with a Customization.
type AgentOverride struct {
	Specialization  string
	GeneratorRef    *models.GeneratorRef
	SystemPromptRef string
}

func applyOverride(a models.TemplateAgent, c Customization) models.TemplateAgent {
	o, ok := c.Agents[a.Role]
	if !ok {
		return a
	}
	if o.Specialization != "" {
		a.Specialization = o.Specialization
	}
	if o.GeneratorRef != nil {
		a.GeneratorRef = *o.GeneratorRef
	}
	if o.SystemPromptRef != "" {
		a.SystemPromptRef = o.SystemPromptRef
	}
	return a
}
