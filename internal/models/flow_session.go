package models

import (
	"fmt"
	"time"
)

// ExpirationMode controls what happens to an in-progress session when it
// expires.
type ExpirationMode string

const (
	// ExpirationModeEnd finishes and grades the session.
	ExpirationModeEnd ExpirationMode = "end"
	// ExpirationModeRollOver re-tags the session under the rules then
	// applying to new sessions, keeping it in progress if permitted.
	ExpirationModeRollOver ExpirationMode = "roll_over"
)

// ValidExpirationMode reports whether m is a known expiration mode.
func ValidExpirationMode(m ExpirationMode) bool {
	return m == ExpirationModeEnd || m == ExpirationModeRollOver
}

// FlowSession is one participant's attempt at a flow.
//
// Invariant: CompletionTime is set iff InProgress is false. Sessions are
// never deleted, only finished and possibly reopened.
type FlowSession struct {
	ID              string         `db:"id" json:"id"`
	CourseID        string         `db:"course_id" json:"course_id"`
	ParticipationID *string        `db:"participation_id" json:"participation_id,omitempty"`
	FlowID          string         `db:"flow_id" json:"flow_id"`
	StartTime       time.Time      `db:"start_time" json:"start_time"`
	CompletionTime  *time.Time     `db:"completion_time" json:"completion_time,omitempty"`
	InProgress      bool           `db:"in_progress" json:"in_progress"`
	ExpirationMode  ExpirationMode `db:"expiration_mode" json:"expiration_mode"`
	AccessRulesTag  *string        `db:"access_rules_tag" json:"access_rules_tag,omitempty"`
	PageCount       int            `db:"page_count" json:"page_count"`
	Points          *float64       `db:"points" json:"points,omitempty"`
	MaxPoints       *float64       `db:"max_points" json:"max_points,omitempty"`

	// PageDataRevisionKey makes page-layout adjustment idempotent: it holds
	// the (schema version, content revision) the layout was last computed
	// against.
	PageDataRevisionKey string `db:"page_data_revision_key" json:"page_data_revision_key"`

	// Notes is an append-only provenance log (reopens, regrades, credit
	// adjustments).
	Notes     string    `db:"notes" json:"notes,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Anonymous reports whether the session has no owning participation.
func (s *FlowSession) Anonymous() bool {
	return s.ParticipationID == nil
}

// AppendNote adds a line to the session's provenance log.
func (s *FlowSession) AppendNote(note string) {
	if note == "" {
		return
	}
	if s.Notes == "" {
		s.Notes = note
		return
	}
	s.Notes = s.Notes + "\n" + note
}

// AttemptID returns the grade-change attempt identifier for this session.
// Grade changes with equal attempt IDs supersede one another.
func (s *FlowSession) AttemptID() string {
	return fmt.Sprintf("flow-session-%s", s.ID)
}
