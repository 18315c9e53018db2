package content

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

// ParseFlowDesc decodes a YAML flow descriptor. Structural validation
// happens separately in ValidateFlowDesc so callers holding only raw bytes
// can still decode.
func ParseFlowDesc(raw []byte) (*FlowDesc, error) {
	var desc FlowDesc
	if err := yaml.Unmarshal(raw, &desc); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid flow descriptor")
	}
	return &desc, nil
}

// ValidateFlowDesc checks the structural invariants of a flow descriptor:
// unique non-empty group and page identifiers, valid enum values and
// resolvable date specs. The course is needed to resolve relative specs.
func ValidateFlowDesc(course *models.Course, desc *FlowDesc) error {
	if len(desc.Groups) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "flow has no page groups")
	}
	seenGroups := make(map[string]struct{}, len(desc.Groups))
	for _, g := range desc.Groups {
		if g.ID == "" {
			return appErrors.Clone(appErrors.ErrValidation, "page group without id")
		}
		if _, dup := seenGroups[g.ID]; dup {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("duplicate page group id %q", g.ID))
		}
		seenGroups[g.ID] = struct{}{}

		if len(g.Pages) == 0 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("page group %q has no pages", g.ID))
		}
		if g.MaxPageCount != nil && *g.MaxPageCount < 1 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("page group %q: max_page_count must be at least 1", g.ID))
		}
		seenPages := make(map[string]struct{}, len(g.Pages))
		for _, p := range g.Pages {
			if p.ID == "" {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("page group %q contains a page without id", g.ID))
			}
			if p.Type == "" {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("page %s/%s has no type", g.ID, p.ID))
			}
			if _, dup := seenPages[p.ID]; dup {
				return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("duplicate page id %q in group %q", p.ID, g.ID))
			}
			seenPages[p.ID] = struct{}{}
		}
	}

	if desc.Rules == nil {
		return nil
	}
	return validateRules(course, desc.Rules)
}

func validateRules(course *models.Course, rules *FlowRulesDesc) error {
	if rules.GradeAggregationStrategy != nil && !models.ValidAggregationStrategy(*rules.GradeAggregationStrategy) {
		return appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("unknown grade aggregation strategy %q", *rules.GradeAggregationStrategy))
	}
	for i, r := range rules.Start {
		if err := validateGuards(course, &r.RuleGuards); err != nil {
			return appErrors.WrapAs(err, appErrors.ErrValidation, fmt.Sprintf("start rule %d", i))
		}
		if r.DefaultExpirationMode != nil && !models.ValidExpirationMode(*r.DefaultExpirationMode) {
			return appErrors.Clone(appErrors.ErrValidation,
				fmt.Sprintf("start rule %d: unknown expiration mode %q", i, *r.DefaultExpirationMode))
		}
	}
	for i, r := range rules.Access {
		if err := validateGuards(course, &r.RuleGuards); err != nil {
			return appErrors.WrapAs(err, appErrors.ErrValidation, fmt.Sprintf("access rule %d", i))
		}
		for _, p := range r.Permissions {
			if !models.KnownPermission(p) {
				return appErrors.Clone(appErrors.ErrValidation,
					fmt.Sprintf("access rule %d: unknown permission %q", i, p))
			}
		}
	}
	generates := false
	for i, r := range rules.Grading {
		if err := validateGuards(course, &r.RuleGuards); err != nil {
			return appErrors.WrapAs(err, appErrors.ErrValidation, fmt.Sprintf("grading rule %d", i))
		}
		if r.Due != nil {
			if _, err := ParseDateSpec(course, *r.Due); err != nil {
				return appErrors.WrapAs(err, appErrors.ErrValidation, fmt.Sprintf("grading rule %d: due", i))
			}
		}
		if r.CreditPercent != nil && *r.CreditPercent < 0 {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("grading rule %d: negative credit_percent", i))
		}
		if r.GeneratesGrade == nil || *r.GeneratesGrade {
			generates = true
		}
	}
	if generates && len(rules.Grading) > 0 && rules.GradeIdentifier == nil {
		return appErrors.Clone(appErrors.ErrValidation, "grading rules generate a grade but no grade_identifier is set")
	}
	return nil
}

func validateGuards(course *models.Course, g *RuleGuards) error {
	for name, spec := range map[string]*string{
		"if_before":           g.IfBefore,
		"if_after":            g.IfAfter,
		"if_started_before":   g.IfStartedBefore,
		"if_completed_before": g.IfCompletedBefore,
	} {
		if spec == nil {
			continue
		}
		if _, err := ParseDateSpec(course, *spec); err != nil {
			return appErrors.WrapAs(err, appErrors.ErrValidation, name)
		}
	}
	if g.IfExpirationMode != nil && !models.ValidExpirationMode(*g.IfExpirationMode) {
		return appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("unknown expiration mode %q", *g.IfExpirationMode))
	}
	if g.IfSessionDurationShorterThanMinutes != nil && *g.IfSessionDurationShorterThanMinutes <= 0 {
		return appErrors.Clone(appErrors.ErrValidation, "if_session_duration_shorter_than_minutes must be positive")
	}
	for name, n := range map[string]*int{
		"if_has_fewer_sessions_than":        g.IfHasFewerSessionsThan,
		"if_has_fewer_tagged_sessions_than": g.IfHasFewerTaggedSessionsThan,
	} {
		if n != nil && *n < 0 {
			return appErrors.Clone(appErrors.ErrValidation, name+" must not be negative")
		}
	}
	return nil
}

// DecodeStartRule decodes a stored exception blob into a start rule.
func DecodeStartRule(raw json.RawMessage) (*StartRuleDesc, error) {
	var r StartRuleDesc
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid start rule")
	}
	return &r, nil
}

// DecodeAccessRule decodes a stored exception blob into an access rule.
func DecodeAccessRule(raw json.RawMessage) (*AccessRuleDesc, error) {
	var r AccessRuleDesc
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid access rule")
	}
	return &r, nil
}

// DecodeGradingRule decodes a stored exception blob into a grading rule.
func DecodeGradingRule(raw json.RawMessage) (*GradingRuleDesc, error) {
	var r GradingRuleDesc
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrValidation, "invalid grading rule")
	}
	return &r, nil
}
