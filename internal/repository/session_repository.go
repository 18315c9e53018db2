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

const sessionColumns = `id, course_id, participation_id, flow_id, start_time,
        completion_time, in_progress, expiration_mode, access_rules_tag,
        page_count, points, max_points, page_data_revision_key, notes, created_at`

// SessionRepository handles flow session persistence.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new session repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Get returns a session by ID.
func (r *SessionRepository) Get(ctx context.Context, id string) (*models.FlowSession, error) {
	query := fmt.Sprintf("SELECT %s FROM flow_sessions WHERE id = $1", sessionColumns)
	var session models.FlowSession
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "flow session not found")
		}
		return nil, fmt.Errorf("get flow session: %w", err)
	}
	return &session, nil
}

// Create inserts a new session.
func (r *SessionRepository) Create(ctx context.Context, session *models.FlowSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO flow_sessions (id, course_id, participation_id, flow_id,
            start_time, completion_time, in_progress, expiration_mode, access_rules_tag,
            page_count, points, max_points, page_data_revision_key, notes, created_at)
        VALUES (:id, :course_id, :participation_id, :flow_id,
            :start_time, :completion_time, :in_progress, :expiration_mode, :access_rules_tag,
            :page_count, :points, :max_points, :page_data_revision_key, :notes, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create flow session: %w", err)
	}
	return nil
}

// Update persists the mutable session fields.
func (r *SessionRepository) Update(ctx context.Context, session *models.FlowSession) error {
	const query = `UPDATE flow_sessions SET
            completion_time = :completion_time,
            in_progress = :in_progress,
            expiration_mode = :expiration_mode,
            access_rules_tag = :access_rules_tag,
            page_count = :page_count,
            points = :points,
            max_points = :max_points,
            page_data_revision_key = :page_data_revision_key,
            notes = :notes
        WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, query, session)
	if err != nil {
		return fmt.Errorf("update flow session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "flow session not found")
	}
	return nil
}

// CountSessions counts the participation's sessions for a flow, optionally
// restricted to a session tag. A nil tag counts all sessions; a pointer to
// the empty string counts untagged ones.
func (r *SessionRepository) CountSessions(ctx context.Context, participationID, flowID string, tag *string) (int, error) {
	query := `SELECT COUNT(*) FROM flow_sessions
        WHERE participation_id = $1 AND flow_id = $2`
	args := []interface{}{participationID, flowID}
	if tag != nil {
		if *tag == "" {
			query += " AND access_rules_tag IS NULL"
		} else {
			query += " AND access_rules_tag = $3"
			args = append(args, *tag)
		}
	}
	var count int
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// HasInProgressSession reports whether the participation has an in-progress
// session for the flow.
func (r *SessionRepository) HasInProgressSession(ctx context.Context, participationID, flowID string) (bool, error) {
	const query = `SELECT 1 FROM flow_sessions
        WHERE participation_id = $1 AND flow_id = $2 AND in_progress LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, participationID, flowID); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check in-progress session: %w", err)
	}
	return true, nil
}

// SessionFilter selects sessions for batch operations.
type SessionFilter struct {
	CourseID   string
	FlowID     string
	InProgress *bool
	RuleTag    *string
}

// List returns the sessions matching the filter, oldest first.
func (r *SessionRepository) List(ctx context.Context, filter SessionFilter) ([]models.FlowSession, error) {
	query := fmt.Sprintf(`SELECT %s FROM flow_sessions
        WHERE course_id = $1 AND flow_id = $2`, sessionColumns)
	args := []interface{}{filter.CourseID, filter.FlowID}
	if filter.InProgress != nil {
		query += fmt.Sprintf(" AND in_progress = $%d", len(args)+1)
		args = append(args, *filter.InProgress)
	}
	if filter.RuleTag != nil {
		if *filter.RuleTag == "" {
			query += " AND access_rules_tag IS NULL"
		} else {
			query += fmt.Sprintf(" AND access_rules_tag = $%d", len(args)+1)
			args = append(args, *filter.RuleTag)
		}
	}
	query += " ORDER BY start_time, id"
	var sessions []models.FlowSession
	if err := r.db.SelectContext(ctx, &sessions, query, args...); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}
