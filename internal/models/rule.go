package models

import (
	"encoding/json"
	"time"
)

// RuleKind distinguishes the three rule lists attached to a flow.
type RuleKind string

const (
	RuleKindStart   RuleKind = "start"
	RuleKindAccess  RuleKind = "access"
	RuleKindGrading RuleKind = "grading"
)

// ValidRuleKind reports whether k is a known rule kind.
func ValidRuleKind(k RuleKind) bool {
	return k == RuleKindStart || k == RuleKindAccess || k == RuleKindGrading
}

// FlowPermission enumerates the capabilities an access rule may grant.
type FlowPermission string

const (
	PermissionView                    FlowPermission = "view"
	PermissionSubmitAnswer            FlowPermission = "submit_answer"
	PermissionEndSession              FlowPermission = "end_session"
	PermissionChangeAnswer            FlowPermission = "change_answer"
	PermissionSeeCorrectness          FlowPermission = "see_correctness"
	PermissionSeeAnswerBeforeSubmit   FlowPermission = "see_answer_before_submission"
	PermissionSeeAnswerAfterSubmit    FlowPermission = "see_answer_after_submission"
	PermissionSetRollOverExpiration   FlowPermission = "set_roll_over_expiration_mode"
	PermissionSeeSessionTime          FlowPermission = "see_session_time"
	PermissionLockDownAsExamSession   FlowPermission = "lock_down_as_exam_session"
	PermissionSendEmailAboutFlowPage  FlowPermission = "send_email_about_flow_page"
	PermissionHidePointValue          FlowPermission = "hide_point_value"
	PermissionCannotSeeFlowResult     FlowPermission = "cannot_see_flow_result"
	PermissionRemoveInteractionBlocks FlowPermission = "remove_interaction_blocks"
)

// Deprecated permission aliases still found in older content.
const (
	deprecatedPermissionModify    = "modify"
	deprecatedPermissionSeeAnswer = "see_answer"
)

// NormalizePermissions expands deprecated aliases and returns a permission
// set. "modify" becomes submit_answer + end_session; "see_answer" becomes
// see_answer_after_submission.
func NormalizePermissions(raw []string) map[FlowPermission]struct{} {
	perms := make(map[FlowPermission]struct{}, len(raw))
	for _, p := range raw {
		switch p {
		case deprecatedPermissionModify:
			perms[PermissionSubmitAnswer] = struct{}{}
			perms[PermissionEndSession] = struct{}{}
		case deprecatedPermissionSeeAnswer:
			perms[PermissionSeeAnswerAfterSubmit] = struct{}{}
		default:
			perms[FlowPermission(p)] = struct{}{}
		}
	}
	return perms
}

// KnownPermission reports whether raw names a permission, including the
// deprecated aliases.
func KnownPermission(raw string) bool {
	switch FlowPermission(raw) {
	case PermissionView, PermissionSubmitAnswer, PermissionEndSession,
		PermissionChangeAnswer, PermissionSeeCorrectness,
		PermissionSeeAnswerBeforeSubmit, PermissionSeeAnswerAfterSubmit,
		PermissionSetRollOverExpiration, PermissionSeeSessionTime,
		PermissionLockDownAsExamSession, PermissionSendEmailAboutFlowPage,
		PermissionHidePointValue, PermissionCannotSeeFlowResult,
		PermissionRemoveInteractionBlocks:
		return true
	}
	return raw == deprecatedPermissionModify || raw == deprecatedPermissionSeeAnswer
}

// FlowRuleException is a participant- and flow-scoped rule override. Active,
// unexpired exceptions are prepended (most recently created first) to the
// content-declared rule list of the same kind.
type FlowRuleException struct {
	ID              string          `db:"id" json:"id"`
	ParticipationID string          `db:"participation_id" json:"participation_id"`
	FlowID          string          `db:"flow_id" json:"flow_id"`
	Kind            RuleKind        `db:"kind" json:"kind"`
	Rule            json.RawMessage `db:"rule" json:"rule"`
	Active          bool            `db:"active" json:"active"`
	Expiration      *time.Time      `db:"expiration" json:"expiration,omitempty"`
	CreationTime    time.Time       `db:"creation_time" json:"creation_time"`
	Comment         *string         `db:"comment" json:"comment,omitempty"`
}

// StartRule is the resolved outcome of start-rule resolution.
type StartRule struct {
	TagSession             *string         `json:"tag_session,omitempty"`
	MayStartNewSession     bool            `json:"may_start_new_session"`
	MayListExistingSession bool            `json:"may_list_existing_sessions"`
	DefaultExpirationMode  *ExpirationMode `json:"default_expiration_mode,omitempty"`
}

// AccessRule is the resolved outcome of access-rule resolution.
type AccessRule struct {
	Permissions map[FlowPermission]struct{} `json:"-"`
	Message     *string                     `json:"message,omitempty"`
}

// Has reports whether the rule grants perm.
func (r AccessRule) Has(perm FlowPermission) bool {
	_, ok := r.Permissions[perm]
	return ok
}

// PermissionList returns the granted permissions as a slice, for callers
// that serialize the outcome.
func (r AccessRule) PermissionList() []FlowPermission {
	out := make([]FlowPermission, 0, len(r.Permissions))
	for p := range r.Permissions {
		out = append(out, p)
	}
	return out
}

// GradingRule is the resolved outcome of grading-rule resolution.
type GradingRule struct {
	GradeIdentifier     *string              `json:"grade_identifier,omitempty"`
	AggregationStrategy *AggregationStrategy `json:"grade_aggregation_strategy,omitempty"`
	Due                 *time.Time           `json:"due,omitempty"`
	GeneratesGrade      bool                 `json:"generates_grade"`
	Description         *string              `json:"description,omitempty"`
	CreditPercent       float64              `json:"credit_percent"`

	UseLastActivityAsCompletionTime bool `json:"use_last_activity_as_completion_time"`

	BonusPoints          float64  `json:"bonus_points"`
	MaxPoints            *float64 `json:"max_points,omitempty"`
	MaxPointsEnforcedCap *float64 `json:"max_points_enforced_cap,omitempty"`
}
