package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

func TestAppendGradeChangeGeneratesID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGradeChangeRepository(db)

	mock.ExpectExec("INSERT INTO grade_changes").WillReturnResult(sqlmock.NewResult(1, 1))

	points := 7.5
	change := &models.GradeChange{
		OpportunityID:   "opp1",
		ParticipationID: "p1",
		State:           models.GradeStateGraded,
		Points:          &points,
		MaxPoints:       10,
	}
	err := repo.Append(context.Background(), change)
	require.NoError(t, err)
	assert.NotEmpty(t, change.ID)
	assert.False(t, change.GradeTime.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListGradeChangesReplayOrder(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGradeChangeRepository(db)

	now := time.Now()
	attempt := "flow-session-s1"
	rows := sqlmock.NewRows([]string{
		"id", "opportunity_id", "participation_id", "state", "attempt_id",
		"points", "max_points", "comment", "due_time", "grade_time", "flow_session_id",
	}).
		AddRow("gc1", "opp1", "p1", "graded", attempt, 5.0, 10.0, nil, nil, now, "s1").
		AddRow("gc2", "opp1", "p1", "graded", attempt, 8.0, 10.0, nil, nil, now.Add(time.Hour), "s1")
	mock.ExpectQuery(`SELECT .+ FROM grade_changes\s+WHERE opportunity_id = \$1 AND participation_id = \$2\s+ORDER BY grade_time, id`).
		WithArgs("opp1", "p1").
		WillReturnRows(rows)

	changes, err := repo.List(context.Background(), "opp1", "p1")
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "gc1", changes[0].ID)
	assert.Equal(t, models.GradeStateGraded, changes[1].State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastGradedNone(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGradeChangeRepository(db)

	mock.ExpectQuery("SELECT .+ FROM grade_changes").
		WithArgs("opp1", "p1", string(models.GradeStateGraded), "flow-session-s1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	change, err := repo.LastGraded(context.Background(), "opp1", "p1", "flow-session-s1", "s1")
	require.NoError(t, err)
	assert.Nil(t, change)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOpportunityNotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewOpportunityRepository(db)

	mock.ExpectQuery("SELECT .+ FROM grading_opportunities WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
