package page

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/inducer/relate-sub000/internal/content"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

// Factory builds one page from its descriptor.
type Factory func(groupID string, desc content.PageDesc) (Page, error)

// Registry maps page type names to factories. It satisfies Instantiator.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in page types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("Page", newStaticPage)
	r.Register("TextQuestion", newTextQuestion)
	r.Register("SurveyTextQuestion", newSurveyTextQuestion)
	r.Register("ChoiceQuestion", newChoiceQuestion)
	return r
}

// Register adds or replaces the factory for a page type.
func (r *Registry) Register(pageType string, factory Factory) {
	r.factories[pageType] = factory
}

// Instantiate builds the page described by desc.
func (r *Registry) Instantiate(groupID string, desc content.PageDesc) (Page, error) {
	factory, ok := r.factories[desc.Type]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("unknown page type %q for page %s/%s", desc.Type, groupID, desc.ID))
	}
	p, err := factory(groupID, desc)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation,
			fmt.Sprintf("invalid page %s/%s", groupID, desc.ID))
	}
	return p, nil
}

// decodeAttrs unmarshals a descriptor's pass-through attributes into a typed
// page configuration struct.
func decodeAttrs(desc content.PageDesc, out any) error {
	raw, err := yaml.Marshal(desc.Attrs)
	if err != nil {
		return fmt.Errorf("failed to re-encode page attributes: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode page attributes: %w", err)
	}
	return nil
}
