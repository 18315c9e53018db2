package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

// CourseRepository reads the course and enrollment records the rule engine
// evaluates against. This data is owned by the enrollment subsystem; the
// engine only ever reads it.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository creates a new course repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// GetCourse returns a course by ID.
func (r *CourseRepository) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, identifier, start_date, end_date, unenrolled_roles, created_at
        FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &course, nil
}

// GetParticipation returns a participation by ID.
func (r *CourseRepository) GetParticipation(ctx context.Context, id string) (*models.Participation, error) {
	const query = `SELECT id, course_id, user_id, roles, tags, time_factor, created_at
        FROM participations WHERE id = $1`
	var participation models.Participation
	if err := r.db.GetContext(ctx, &participation, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "participation not found")
		}
		return nil, fmt.Errorf("get participation: %w", err)
	}
	return &participation, nil
}

// HasMatchingExamTicket reports whether the participation holds an exam
// ticket bound to the given flow.
func (r *CourseRepository) HasMatchingExamTicket(ctx context.Context, participationID, flowID string) (bool, error) {
	const query = `SELECT 1 FROM exam_tickets
        WHERE participation_id = $1 AND flow_id = $2 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, participationID, flowID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check exam ticket: %w", err)
	}
	return true, nil
}
