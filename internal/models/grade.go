package models

import "time"

// AggregationStrategy determines how multiple graded attempts at one
// grading opportunity combine into the displayed grade.
type AggregationStrategy string

const (
	AggregateMaxGrade    AggregationStrategy = "max_grade"
	AggregateMinGrade    AggregationStrategy = "min_grade"
	AggregateAvgGrade    AggregationStrategy = "avg_grade"
	AggregateUseEarliest AggregationStrategy = "use_earliest"
	AggregateUseLatest   AggregationStrategy = "use_latest"
)

// ValidAggregationStrategy reports whether s is a known strategy.
func ValidAggregationStrategy(s AggregationStrategy) bool {
	switch s {
	case AggregateMaxGrade, AggregateMinGrade, AggregateAvgGrade,
		AggregateUseEarliest, AggregateUseLatest:
		return true
	}
	return false
}

// GradeChangeState classifies grade-change events.
type GradeChangeState string

const (
	GradeStateGraded      GradeChangeState = "graded"
	GradeStateRetrieved   GradeChangeState = "retrieved"
	GradeStateUnavailable GradeChangeState = "unavailable"
	GradeStateExtension   GradeChangeState = "extension"
	GradeStateExempt      GradeChangeState = "exempt"
	GradeStateReportSent  GradeChangeState = "report_sent"
	GradeStateDoOver      GradeChangeState = "do_over"
)

// GradingOpportunity is a grade "slot": each flow with a grade identifier
// registers one per course, and grade changes accumulate under it.
type GradingOpportunity struct {
	ID                  string              `db:"id" json:"id"`
	CourseID            string              `db:"course_id" json:"course_id"`
	Identifier          string              `db:"identifier" json:"identifier"`
	Name                string              `db:"name" json:"name"`
	FlowID              *string             `db:"flow_id" json:"flow_id,omitempty"`
	AggregationStrategy AggregationStrategy `db:"aggregation_strategy" json:"aggregation_strategy"`
	DueTime             *time.Time          `db:"due_time" json:"due_time,omitempty"`
	CreationTime        time.Time           `db:"creation_time" json:"creation_time"`
}

// GradeChange is one append-only event in a participant's grade history for
// an opportunity. Rows are never mutated or deleted; the current grade is
// always a replay of the ordered stream.
type GradeChange struct {
	ID              string           `db:"id" json:"id"`
	OpportunityID   string           `db:"opportunity_id" json:"opportunity_id"`
	ParticipationID string           `db:"participation_id" json:"participation_id"`
	State           GradeChangeState `db:"state" json:"state"`

	// AttemptID groups changes: later changes with the same attempt ID
	// supersede earlier ones.
	AttemptID *string `db:"attempt_id" json:"attempt_id,omitempty"`

	Points        *float64   `db:"points" json:"points,omitempty"`
	MaxPoints     float64    `db:"max_points" json:"max_points"`
	Comment       *string    `db:"comment" json:"comment,omitempty"`
	DueTime       *time.Time `db:"due_time" json:"due_time,omitempty"`
	GradeTime     time.Time  `db:"grade_time" json:"grade_time"`
	FlowSessionID *string    `db:"flow_session_id" json:"flow_session_id,omitempty"`

	// IsSuperseded is derived during replay; it is never persisted.
	IsSuperseded bool `db:"-" json:"is_superseded"`
}

// Percentage returns the event's points as a percentage of its max points,
// or nil if either is unavailable.
func (g *GradeChange) Percentage() *float64 {
	if g.Points == nil || g.MaxPoints == 0 {
		return nil
	}
	p := 100 * *g.Points / g.MaxPoints
	return &p
}
