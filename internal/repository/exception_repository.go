package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inducer/relate-sub000/internal/models"
)

// ExceptionRepository handles flow rule exception persistence.
type ExceptionRepository struct {
	db *sqlx.DB
}

// NewExceptionRepository creates a new exception repository.
func NewExceptionRepository(db *sqlx.DB) *ExceptionRepository {
	return &ExceptionRepository{db: db}
}

// ListActive returns the participation's active, unexpired exceptions of
// one kind for a flow, ordered by creation time ascending. Prepending them
// in this order puts the most recently created exception first.
func (r *ExceptionRepository) ListActive(ctx context.Context, participationID, flowID string, kind models.RuleKind, now time.Time) ([]models.FlowRuleException, error) {
	const query = `SELECT id, participation_id, flow_id, kind, rule, active, expiration, creation_time, comment
        FROM flow_rule_exceptions
        WHERE participation_id = $1 AND flow_id = $2 AND kind = $3
            AND active AND (expiration IS NULL OR expiration > $4)
        ORDER BY creation_time, id`
	var exceptions []models.FlowRuleException
	if err := r.db.SelectContext(ctx, &exceptions, query, participationID, flowID, kind, now); err != nil {
		return nil, fmt.Errorf("list rule exceptions: %w", err)
	}
	return exceptions, nil
}

// Create inserts an exception.
func (r *ExceptionRepository) Create(ctx context.Context, exc *models.FlowRuleException) error {
	if exc.ID == "" {
		exc.ID = uuid.NewString()
	}
	if exc.CreationTime.IsZero() {
		exc.CreationTime = time.Now().UTC()
	}
	const query = `INSERT INTO flow_rule_exceptions (id, participation_id, flow_id, kind,
            rule, active, expiration, creation_time, comment)
        VALUES (:id, :participation_id, :flow_id, :kind,
            :rule, :active, :expiration, :creation_time, :comment)`
	if _, err := r.db.NamedExecContext(ctx, query, exc); err != nil {
		return fmt.Errorf("create rule exception: %w", err)
	}
	return nil
}

// Deactivate marks an exception inactive.
func (r *ExceptionRepository) Deactivate(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE flow_rule_exceptions SET active = FALSE WHERE id = $1", id); err != nil {
		return fmt.Errorf("deactivate rule exception: %w", err)
	}
	return nil
}
