package content

import (
	"github.com/inducer/relate-sub000/internal/models"
)

// FlowDesc is the content-authored description of one flow: its page groups
// and its rule lists. Descriptors are immutable once loaded; the engine only
// ever reads them.
type FlowDesc struct {
	Title  string          `yaml:"title" json:"title"`
	Rules  *FlowRulesDesc  `yaml:"rules" json:"rules,omitempty"`
	Groups []PageGroupDesc `yaml:"groups" json:"groups"`

	// Flow-level grading defaults, consulted when the winning grading rule
	// leaves the corresponding field unset.
	BonusPoints          *float64 `yaml:"bonus_points" json:"bonus_points,omitempty"`
	MaxPoints            *float64 `yaml:"max_points" json:"max_points,omitempty"`
	MaxPointsEnforcedCap *float64 `yaml:"max_points_enforced_cap" json:"max_points_enforced_cap,omitempty"`
}

// FindPage looks up a page descriptor by group and page id.
func (d *FlowDesc) FindPage(groupID, pageID string) (PageDesc, bool) {
	for _, g := range d.Groups {
		if g.ID != groupID {
			continue
		}
		for _, p := range g.Pages {
			if p.ID == pageID {
				return p, true
			}
		}
	}
	return PageDesc{}, false
}

// FlowRulesDesc holds the ordered rule lists per kind plus the flow's grade
// identity.
type FlowRulesDesc struct {
	GradeIdentifier          *string                     `yaml:"grade_identifier" json:"grade_identifier,omitempty"`
	GradeAggregationStrategy *models.AggregationStrategy `yaml:"grade_aggregation_strategy" json:"grade_aggregation_strategy,omitempty"`
	Tags                     []string                    `yaml:"tags" json:"tags,omitempty"`

	Start   []StartRuleDesc   `yaml:"start" json:"start,omitempty"`
	Access  []AccessRuleDesc  `yaml:"access" json:"access,omitempty"`
	Grading []GradingRuleDesc `yaml:"grading" json:"grading,omitempty"`
}

// PageGroupDesc declares one group of pages within a flow.
type PageGroupDesc struct {
	ID           string     `yaml:"id" json:"id"`
	Shuffle      bool       `yaml:"shuffle" json:"shuffle"`
	MaxPageCount *int       `yaml:"max_page_count" json:"max_page_count,omitempty"`
	Pages        []PageDesc `yaml:"pages" json:"pages"`
}

// PageDesc identifies one page within a group. Everything beyond identity
// and type is the page-type subsystem's business; Attrs passes the remaining
// authored fields through to it undecoded.
type PageDesc struct {
	ID    string         `yaml:"id" json:"id"`
	Type  string         `yaml:"type" json:"type"`
	Attrs map[string]any `yaml:",inline" json:"attrs,omitempty"`
}

// RuleGuards are the guard clauses shared by all rule kinds. Every field is
// optional; an absent guard passes. All present guards must pass for the
// rule to match.
type RuleGuards struct {
	IfBefore  *string  `yaml:"if_before" json:"if_before,omitempty"`
	IfAfter   *string  `yaml:"if_after" json:"if_after,omitempty"`
	IfHasRole []string `yaml:"if_has_role" json:"if_has_role,omitempty"`

	IfSignedInWithMatchingExamTicket *bool `yaml:"if_signed_in_with_matching_exam_ticket" json:"if_signed_in_with_matching_exam_ticket,omitempty"`

	IfInFacility *string `yaml:"if_in_facility" json:"if_in_facility,omitempty"`

	IfHasParticipationTagsAny []string `yaml:"if_has_participation_tags_any" json:"if_has_participation_tags_any,omitempty"`
	IfHasParticipationTagsAll []string `yaml:"if_has_participation_tags_all" json:"if_has_participation_tags_all,omitempty"`

	// Session-scoped guards, meaningful for access and grading rules only.
	IfHasTag         *string                `yaml:"if_has_tag" json:"if_has_tag,omitempty"`
	IfStartedBefore  *string                `yaml:"if_started_before" json:"if_started_before,omitempty"`
	IfInProgress     *bool                  `yaml:"if_in_progress" json:"if_in_progress,omitempty"`
	IfExpirationMode *models.ExpirationMode `yaml:"if_expiration_mode" json:"if_expiration_mode,omitempty"`

	IfSessionDurationShorterThanMinutes *float64 `yaml:"if_session_duration_shorter_than_minutes" json:"if_session_duration_shorter_than_minutes,omitempty"`

	IfCompletedBefore *string `yaml:"if_completed_before" json:"if_completed_before,omitempty"`

	// Count-based guards characterize fresh starts; they are skipped when a
	// roll-over continuation is being resolved.
	IfHasInProgressSession       *bool   `yaml:"if_has_in_progress_session" json:"if_has_in_progress_session,omitempty"`
	IfHasSessionTagged           *string `yaml:"if_has_session_tagged" json:"if_has_session_tagged,omitempty"`
	IfHasFewerSessionsThan       *int    `yaml:"if_has_fewer_sessions_than" json:"if_has_fewer_sessions_than,omitempty"`
	IfHasFewerTaggedSessionsThan *int    `yaml:"if_has_fewer_tagged_sessions_than" json:"if_has_fewer_tagged_sessions_than,omitempty"`
}

// StartRuleDesc declares outcomes for session-start resolution.
type StartRuleDesc struct {
	RuleGuards `yaml:",inline" json:",inline"`

	TagSession              *string                `yaml:"tag_session" json:"tag_session,omitempty"`
	MayStartNewSession      *bool                  `yaml:"may_start_new_session" json:"may_start_new_session,omitempty"`
	MayListExistingSessions *bool                  `yaml:"may_list_existing_sessions" json:"may_list_existing_sessions,omitempty"`
	DefaultExpirationMode   *models.ExpirationMode `yaml:"default_expiration_mode" json:"default_expiration_mode,omitempty"`
}

// AccessRuleDesc declares outcomes for session-access resolution.
type AccessRuleDesc struct {
	RuleGuards `yaml:",inline" json:",inline"`

	Permissions []string `yaml:"permissions" json:"permissions"`
	Message     *string  `yaml:"message" json:"message,omitempty"`
}

// GradingRuleDesc declares outcomes for grading-rule resolution.
type GradingRuleDesc struct {
	RuleGuards `yaml:",inline" json:",inline"`

	GeneratesGrade *bool    `yaml:"generates_grade" json:"generates_grade,omitempty"`
	Description    *string  `yaml:"description" json:"description,omitempty"`
	CreditPercent  *float64 `yaml:"credit_percent" json:"credit_percent,omitempty"`
	Due            *string  `yaml:"due" json:"due,omitempty"`

	UseLastActivityAsCompletionTime *bool `yaml:"use_last_activity_as_completion_time" json:"use_last_activity_as_completion_time,omitempty"`

	BonusPoints          *float64 `yaml:"bonus_points" json:"bonus_points,omitempty"`
	MaxPoints            *float64 `yaml:"max_points" json:"max_points,omitempty"`
	MaxPointsEnforcedCap *float64 `yaml:"max_points_enforced_cap" json:"max_points_enforced_cap,omitempty"`
}

// Provider supplies flow descriptors from the (external) content subsystem.
// The revision string changes whenever the backing content changes; the
// engine uses it to key idempotent page-layout adjustment.
type Provider interface {
	FlowDesc(courseID, flowID string) (*FlowDesc, string, error)
}
