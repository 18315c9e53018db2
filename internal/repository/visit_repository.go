package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inducer/relate-sub000/internal/models"
)

// VisitRepository handles page visit and visit grade persistence. Both are
// append-only; the most recent row wins.
type VisitRepository struct {
	db *sqlx.DB
}

// NewVisitRepository creates a new visit repository.
func NewVisitRepository(db *sqlx.DB) *VisitRepository {
	return &VisitRepository{db: db}
}

// CreateVisit appends a visit.
func (r *VisitRepository) CreateVisit(ctx context.Context, visit *models.FlowPageVisit) error {
	if visit.ID == "" {
		visit.ID = uuid.NewString()
	}
	if visit.VisitTime.IsZero() {
		visit.VisitTime = time.Now().UTC()
	}
	const query = `INSERT INTO flow_page_visits (id, flow_session_id, page_data_id,
            visit_time, answer, is_submitted, is_synthetic)
        VALUES (:id, :flow_session_id, :page_data_id,
            :visit_time, :answer, :is_submitted, :is_synthetic)`
	if _, err := r.db.NamedExecContext(ctx, query, visit); err != nil {
		return fmt.Errorf("create visit: %w", err)
	}
	return nil
}

// CreateGrade appends a grade for a visit.
func (r *VisitRepository) CreateGrade(ctx context.Context, grade *models.FlowPageVisitGrade) error {
	if grade.ID == "" {
		grade.ID = uuid.NewString()
	}
	if grade.GradeTime.IsZero() {
		grade.GradeTime = time.Now().UTC()
	}
	const query = `INSERT INTO flow_page_visit_grades (id, visit_id, grade_time,
            grade_data, max_points, correctness, feedback)
        VALUES (:id, :visit_id, :grade_time,
            :grade_data, :max_points, :correctness, :feedback)`
	if _, err := r.db.NamedExecContext(ctx, query, grade); err != nil {
		return fmt.Errorf("create visit grade: %w", err)
	}
	return nil
}

// MostRecentAnswerVisit returns the page's latest answer-bearing visit,
// optionally restricted to submitted ones. Nil when the page was never
// answered.
func (r *VisitRepository) MostRecentAnswerVisit(ctx context.Context, pageDataID string, submittedOnly bool) (*models.FlowPageVisit, error) {
	query := `SELECT id, flow_session_id, page_data_id, visit_time, answer, is_submitted, is_synthetic
        FROM flow_page_visits
        WHERE page_data_id = $1 AND answer IS NOT NULL`
	if submittedOnly {
		query += " AND is_submitted"
	}
	query += " ORDER BY visit_time DESC, id DESC LIMIT 1"
	var visit models.FlowPageVisit
	if err := r.db.GetContext(ctx, &visit, query, pageDataID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get answer visit: %w", err)
	}
	return &visit, nil
}

// MostRecentGrade returns the latest grade for a visit, or nil.
func (r *VisitRepository) MostRecentGrade(ctx context.Context, visitID string) (*models.FlowPageVisitGrade, error) {
	const query = `SELECT id, visit_id, grade_time, grade_data, max_points, correctness, feedback
        FROM flow_page_visit_grades
        WHERE visit_id = $1
        ORDER BY grade_time DESC, id DESC LIMIT 1`
	var grade models.FlowPageVisitGrade
	if err := r.db.GetContext(ctx, &grade, query, visitID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get visit grade: %w", err)
	}
	return &grade, nil
}

// AnswerVisitsBySession returns, per page data ID, the most recent
// answer-bearing (or synthetic) visit together with its most recent grade.
// With includeUnsubmitted false only committed answers are considered; an
// in-progress session's latest saved answers count either way.
func (r *VisitRepository) AnswerVisitsBySession(ctx context.Context, sessionID string, includeUnsubmitted bool) (map[string]models.AnswerVisit, error) {
	query := `SELECT DISTINCT ON (v.page_data_id)
            v.id, v.flow_session_id, v.page_data_id, v.visit_time, v.answer, v.is_submitted, v.is_synthetic
        FROM flow_page_visits v
        WHERE v.flow_session_id = $1 AND (v.answer IS NOT NULL OR v.is_synthetic)`
	if !includeUnsubmitted {
		query += " AND v.is_submitted"
	}
	query += " ORDER BY v.page_data_id, v.visit_time DESC, v.id DESC"
	var visits []models.FlowPageVisit
	if err := r.db.SelectContext(ctx, &visits, query, sessionID); err != nil {
		return nil, fmt.Errorf("list answer visits: %w", err)
	}
	result := make(map[string]models.AnswerVisit, len(visits))
	for _, v := range visits {
		grade, err := r.MostRecentGrade(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		result[v.PageDataID] = models.AnswerVisit{Visit: v, Grade: grade}
	}
	return result, nil
}

// MarkSubmitted commits a visit's answer.
func (r *VisitRepository) MarkSubmitted(ctx context.Context, visitID string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE flow_page_visits SET is_submitted = TRUE WHERE id = $1", visitID); err != nil {
		return fmt.Errorf("mark visit submitted: %w", err)
	}
	return nil
}

// LastActivity returns the time of the session's most recent non-synthetic
// answer visit, or nil when there is none.
func (r *VisitRepository) LastActivity(ctx context.Context, sessionID string) (*time.Time, error) {
	const query = `SELECT visit_time FROM flow_page_visits
        WHERE flow_session_id = $1 AND answer IS NOT NULL AND NOT is_synthetic
        ORDER BY visit_time DESC LIMIT 1`
	var t time.Time
	if err := r.db.GetContext(ctx, &t, query, sessionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get last activity: %w", err)
	}
	return &t, nil
}
