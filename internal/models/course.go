package models

import (
	"time"

	"github.com/lib/pq"
)

// Course carries the few course-level attributes the flow engine needs:
// identity, the anchor date for relative date specs, and the roles assumed
// for users without an enrollment.
type Course struct {
	ID              string         `db:"id" json:"id"`
	Identifier      string         `db:"identifier" json:"identifier"`
	StartDate       time.Time      `db:"start_date" json:"start_date"`
	EndDate         *time.Time     `db:"end_date" json:"end_date,omitempty"`
	UnenrolledRoles pq.StringArray `db:"unenrolled_roles" json:"unenrolled_roles"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}

// Participation links a user to a course with a role set, participation tags
// and a time factor applied to session-duration bounds.
type Participation struct {
	ID         string         `db:"id" json:"id"`
	CourseID   string         `db:"course_id" json:"course_id"`
	UserID     string         `db:"user_id" json:"user_id"`
	Roles      pq.StringArray `db:"roles" json:"roles"`
	Tags       pq.StringArray `db:"tags" json:"tags"`
	TimeFactor float64        `db:"time_factor" json:"time_factor"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
}

// EffectiveRoles returns the role identifiers used for rule evaluation.
// Unenrolled and anonymous users fall back to the course's unenrolled roles.
func EffectiveRoles(course *Course, participation *Participation) []string {
	if participation == nil || len(participation.Roles) == 0 {
		return append([]string(nil), course.UnenrolledRoles...)
	}
	return append([]string(nil), participation.Roles...)
}

// ExamTicket represents a sign-in ticket bound to one flow. Only the binding
// matters to rule evaluation; issuance and validation live elsewhere.
type ExamTicket struct {
	ID              string    `db:"id" json:"id"`
	ParticipationID string    `db:"participation_id" json:"participation_id"`
	FlowID          string    `db:"flow_id" json:"flow_id"`
	CreationTime    time.Time `db:"creation_time" json:"creation_time"`
}
