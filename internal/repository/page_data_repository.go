package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/pkg/database"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

const pageDataColumns = `id, flow_session_id, group_id, page_id, page_type,
        ordinal, title, data, bookmarked, created_at`

// PageDataRepository handles per-session page state persistence.
type PageDataRepository struct {
	db     *sqlx.DB
	runner database.TxRunner
}

// NewPageDataRepository creates a new page data repository.
func NewPageDataRepository(db *sqlx.DB, runner database.TxRunner) *PageDataRepository {
	return &PageDataRepository{db: db, runner: runner}
}

// ListBySession returns the session's page rows, laid-out pages first in
// ordinal order.
func (r *PageDataRepository) ListBySession(ctx context.Context, sessionID string) ([]models.FlowPageData, error) {
	query := fmt.Sprintf(`SELECT %s FROM flow_page_data
        WHERE flow_session_id = $1
        ORDER BY ordinal NULLS LAST, group_id, page_id`, pageDataColumns)
	var pages []models.FlowPageData
	if err := r.db.SelectContext(ctx, &pages, query, sessionID); err != nil {
		return nil, fmt.Errorf("list page data: %w", err)
	}
	return pages, nil
}

// GetByOrdinal returns the laid-out page at the given ordinal.
func (r *PageDataRepository) GetByOrdinal(ctx context.Context, sessionID string, ordinal int) (*models.FlowPageData, error) {
	query := fmt.Sprintf(`SELECT %s FROM flow_page_data
        WHERE flow_session_id = $1 AND ordinal = $2`, pageDataColumns)
	var pd models.FlowPageData
	if err := r.db.GetContext(ctx, &pd, query, sessionID, ordinal); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "page not found")
		}
		return nil, fmt.Errorf("get page data: %w", err)
	}
	return &pd, nil
}

// AdjustLayout reconciles the session's page rows with the flow content
// inside one serializable transaction. The planner is called with the
// current rows and returns every row the session should have afterwards
// (nil ordinals included) plus the laid-out page count; it may run more
// than once if the transaction retries. Returns false without calling the
// planner when the session's layout is already current for revisionKey.
func (r *PageDataRepository) AdjustLayout(
	ctx context.Context,
	sessionID, revisionKey string,
	plan func(existing []models.FlowPageData) ([]models.FlowPageData, int, error),
) (bool, error) {
	adjusted := false
	err := r.runner.Serializable(ctx, func(tx *sqlx.Tx) error {
		adjusted = false

		var currentKey string
		if err := tx.GetContext(ctx, &currentKey,
			"SELECT page_data_revision_key FROM flow_sessions WHERE id = $1", sessionID); err != nil {
			if err == sql.ErrNoRows {
				return appErrors.Clone(appErrors.ErrNotFound, "flow session not found")
			}
			return fmt.Errorf("get revision key: %w", err)
		}
		if currentKey == revisionKey {
			return nil
		}

		query := fmt.Sprintf(`SELECT %s FROM flow_page_data
            WHERE flow_session_id = $1
            ORDER BY ordinal NULLS LAST, group_id, page_id`, pageDataColumns)
		var existing []models.FlowPageData
		if err := tx.SelectContext(ctx, &existing, query, sessionID); err != nil {
			return fmt.Errorf("list page data: %w", err)
		}

		pages, pageCount, err := plan(existing)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		for i := range pages {
			pd := &pages[i]
			if pd.ID == "" {
				pd.ID = uuid.NewString()
			}
			if pd.CreatedAt.IsZero() {
				pd.CreatedAt = now
			}
			const upsert = `INSERT INTO flow_page_data (id, flow_session_id, group_id, page_id,
                    page_type, ordinal, title, data, bookmarked, created_at)
                VALUES (:id, :flow_session_id, :group_id, :page_id,
                    :page_type, :ordinal, :title, :data, :bookmarked, :created_at)
                ON CONFLICT (flow_session_id, group_id, page_id)
                DO UPDATE SET ordinal = EXCLUDED.ordinal, title = EXCLUDED.title`
			if _, err := tx.NamedExecContext(ctx, upsert, pd); err != nil {
				return fmt.Errorf("upsert page data: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE flow_sessions SET page_count = $1, page_data_revision_key = $2 WHERE id = $3`,
			pageCount, revisionKey, sessionID); err != nil {
			return fmt.Errorf("update session layout: %w", err)
		}
		adjusted = true
		return nil
	})
	return adjusted, err
}

// SetBookmarked flips a page's bookmark flag.
func (r *PageDataRepository) SetBookmarked(ctx context.Context, pageDataID string, bookmarked bool) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE flow_page_data SET bookmarked = $1 WHERE id = $2", bookmarked, pageDataID)
	if err != nil {
		return fmt.Errorf("set bookmark: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.Clone(appErrors.ErrNotFound, "page not found")
	}
	return nil
}
