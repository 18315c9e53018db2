package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/models"
)

func TestListActiveExceptionsOrder(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewExceptionRepository(db)

	now := time.Now()
	rule := json.RawMessage(`{"credit_percent": 110}`)
	rows := sqlmock.NewRows([]string{
		"id", "participation_id", "flow_id", "kind", "rule", "active", "expiration", "creation_time", "comment",
	}).
		AddRow("e1", "p1", "quiz-1", "grading", []byte(rule), true, nil, now.Add(-2*time.Hour), nil).
		AddRow("e2", "p1", "quiz-1", "grading", []byte(rule), true, nil, now.Add(-time.Hour), nil)
	mock.ExpectQuery("SELECT .+ FROM flow_rule_exceptions").
		WithArgs("p1", "quiz-1", models.RuleKindGrading, sqlmock.AnyArg()).
		WillReturnRows(rows)

	exceptions, err := repo.ListActive(context.Background(), "p1", "quiz-1", models.RuleKindGrading, now)
	require.NoError(t, err)
	require.Len(t, exceptions, 2)
	assert.Equal(t, "e1", exceptions[0].ID)
	assert.Equal(t, "e2", exceptions[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendGradeChange(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewGradeChangeRepository(db)

	mock.ExpectExec("INSERT INTO grade_changes").WillReturnResult(sqlmock.NewResult(1, 1))

	points := 7.5
	attempt := "flow-session-s1"
	change := &models.GradeChange{
		OpportunityID:   "o1",
		ParticipationID: "p1",
		State:           models.GradeStateGraded,
		AttemptID:       &attempt,
		Points:          &points,
		MaxPoints:       10,
	}
	err := repo.Append(context.Background(), change)
	require.NoError(t, err)
	assert.NotEmpty(t, change.ID)
	assert.False(t, change.GradeTime.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
