package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

const gradeChangeColumns = `id, opportunity_id, participation_id, state, attempt_id,
        points, max_points, comment, due_time, grade_time, flow_session_id`

// GradeChangeRepository handles the append-only grade change log.
type GradeChangeRepository struct {
	db *sqlx.DB
}

// NewGradeChangeRepository creates a new grade change repository.
func NewGradeChangeRepository(db *sqlx.DB) *GradeChangeRepository {
	return &GradeChangeRepository{db: db}
}

// Append records a grade change. Existing rows are never touched.
func (r *GradeChangeRepository) Append(ctx context.Context, change *models.GradeChange) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.GradeTime.IsZero() {
		change.GradeTime = time.Now().UTC()
	}
	const query = `INSERT INTO grade_changes (id, opportunity_id, participation_id, state,
            attempt_id, points, max_points, comment, due_time, grade_time, flow_session_id)
        VALUES (:id, :opportunity_id, :participation_id, :state,
            :attempt_id, :points, :max_points, :comment, :due_time, :grade_time, :flow_session_id)`
	if _, err := r.db.NamedExecContext(ctx, query, change); err != nil {
		return fmt.Errorf("append grade change: %w", err)
	}
	return nil
}

// List returns a participation's grade changes for an opportunity in replay
// order: grade time ascending, insertion order breaking ties.
func (r *GradeChangeRepository) List(ctx context.Context, opportunityID, participationID string) ([]models.GradeChange, error) {
	query := fmt.Sprintf(`SELECT %s FROM grade_changes
        WHERE opportunity_id = $1 AND participation_id = $2
        ORDER BY grade_time, id`, gradeChangeColumns)
	var changes []models.GradeChange
	if err := r.db.SelectContext(ctx, &changes, query, opportunityID, participationID); err != nil {
		return nil, fmt.Errorf("list grade changes: %w", err)
	}
	return changes, nil
}

// LastGraded returns the most recent graded change for one attempt of one
// session, or nil. Used to avoid logging no-op grade changes.
func (r *GradeChangeRepository) LastGraded(ctx context.Context, opportunityID, participationID, attemptID, sessionID string) (*models.GradeChange, error) {
	query := fmt.Sprintf(`SELECT %s FROM grade_changes
        WHERE opportunity_id = $1 AND participation_id = $2 AND state = $3
            AND attempt_id = $4 AND flow_session_id = $5
        ORDER BY grade_time DESC, id DESC LIMIT 1`, gradeChangeColumns)
	var change models.GradeChange
	if err := r.db.GetContext(ctx, &change, query,
		opportunityID, participationID, models.GradeStateGraded, attemptID, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get last graded change: %w", err)
	}
	return &change, nil
}

// LastForSession returns the most recent grade change referencing a flow
// session, or nil.
func (r *GradeChangeRepository) LastForSession(ctx context.Context, sessionID string) (*models.GradeChange, error) {
	query := fmt.Sprintf(`SELECT %s FROM grade_changes
        WHERE flow_session_id = $1
        ORDER BY grade_time DESC, id DESC LIMIT 1`, gradeChangeColumns)
	var change models.GradeChange
	if err := r.db.GetContext(ctx, &change, query, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get last session grade change: %w", err)
	}
	return &change, nil
}

// OpportunityRepository handles grading opportunity persistence.
type OpportunityRepository struct {
	db *sqlx.DB
}

// NewOpportunityRepository creates a new opportunity repository.
func NewOpportunityRepository(db *sqlx.DB) *OpportunityRepository {
	return &OpportunityRepository{db: db}
}

// GetOrCreate returns the opportunity for (course, identifier), creating it
// from the given template when absent. Flow identity, strategy and due time
// follow the latest resolution.
func (r *OpportunityRepository) GetOrCreate(ctx context.Context, opp *models.GradingOpportunity) (*models.GradingOpportunity, error) {
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.CreationTime.IsZero() {
		opp.CreationTime = time.Now().UTC()
	}
	const query = `INSERT INTO grading_opportunities (id, course_id, identifier, name,
            flow_id, aggregation_strategy, due_time, creation_time)
        VALUES (:id, :course_id, :identifier, :name,
            :flow_id, :aggregation_strategy, :due_time, :creation_time)
        ON CONFLICT (course_id, identifier)
        DO UPDATE SET flow_id = EXCLUDED.flow_id,
            aggregation_strategy = EXCLUDED.aggregation_strategy,
            due_time = EXCLUDED.due_time`
	if _, err := r.db.NamedExecContext(ctx, query, opp); err != nil {
		return nil, fmt.Errorf("upsert grading opportunity: %w", err)
	}
	const get = `SELECT id, course_id, identifier, name, flow_id, aggregation_strategy, due_time, creation_time
        FROM grading_opportunities WHERE course_id = $1 AND identifier = $2`
	var stored models.GradingOpportunity
	if err := r.db.GetContext(ctx, &stored, get, opp.CourseID, opp.Identifier); err != nil {
		return nil, fmt.Errorf("get grading opportunity: %w", err)
	}
	return &stored, nil
}

// Get returns an opportunity by ID.
func (r *OpportunityRepository) Get(ctx context.Context, id string) (*models.GradingOpportunity, error) {
	const query = `SELECT id, course_id, identifier, name, flow_id, aggregation_strategy, due_time, creation_time
        FROM grading_opportunities WHERE id = $1`
	var opp models.GradingOpportunity
	if err := r.db.GetContext(ctx, &opp, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "grading opportunity not found")
		}
		return nil, fmt.Errorf("get grading opportunity: %w", err)
	}
	return &opp, nil
}
