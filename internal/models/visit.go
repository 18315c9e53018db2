package models

import (
	"time"
)

// FlowPageVisit records one interaction with a page. Visits carrying an
// answer (or synthesized in lieu of one) are the units that get graded.
type FlowPageVisit struct {
	ID            string          `db:"id" json:"id"`
	FlowSessionID string          `db:"flow_session_id" json:"flow_session_id"`
	PageDataID    string          `db:"page_data_id" json:"page_data_id"`
	VisitTime     time.Time       `db:"visit_time" json:"visit_time"`
	Answer        RawJSON         `db:"answer" json:"answer,omitempty"`

	// IsSubmitted marks the visit as the participant's committed answer.
	// At most one unsubmitted answer visit per page is considered current.
	IsSubmitted bool `db:"is_submitted" json:"is_submitted"`

	// IsSynthetic marks visits manufactured by the engine (empty answers
	// for never-visited pages, unsubmitted copies created on reopen).
	IsSynthetic bool `db:"is_synthetic" json:"is_synthetic"`
}

// AnswerVisit pairs a page's current answer visit with its most recent
// grade, if any.
type AnswerVisit struct {
	Visit FlowPageVisit
	Grade *FlowPageVisitGrade
}

// FlowPageVisitGrade is one grading outcome for a visit. Regrades append new
// rows; the most recent row is authoritative.
type FlowPageVisitGrade struct {
	ID          string          `db:"id" json:"id"`
	VisitID     string          `db:"visit_id" json:"visit_id"`
	GradeTime   time.Time       `db:"grade_time" json:"grade_time"`
	GradeData   RawJSON         `db:"grade_data" json:"grade_data,omitempty"`
	MaxPoints   float64         `db:"max_points" json:"max_points"`
	Correctness *float64        `db:"correctness" json:"correctness,omitempty"`
	Feedback    *string         `db:"feedback" json:"feedback,omitempty"`
}

// Percentage returns the grade as a percentage, or nil while correctness is
// unknown.
func (g *FlowPageVisitGrade) Percentage() *float64 {
	if g.Correctness == nil {
		return nil
	}
	p := 100 * *g.Correctness
	return &p
}
