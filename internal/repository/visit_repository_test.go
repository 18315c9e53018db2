package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/models"
)

func TestCreateVisitGeneratesID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewVisitRepository(db)

	mock.ExpectExec("INSERT INTO flow_page_visits").WillReturnResult(sqlmock.NewResult(1, 1))

	visit := &models.FlowPageVisit{
		FlowSessionID: "s1",
		PageDataID:    "pd1",
	}
	err := repo.CreateVisit(context.Background(), visit)
	require.NoError(t, err)
	assert.NotEmpty(t, visit.ID)
	assert.False(t, visit.VisitTime.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMostRecentAnswerVisitSubmittedOnly(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewVisitRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "flow_session_id", "page_data_id", "visit_time", "answer", "is_submitted", "is_synthetic",
	}).AddRow("v1", "s1", "pd1", now, []byte(`{"answer":"x"}`), true, false)
	mock.ExpectQuery(`SELECT .+ FROM flow_page_visits\s+WHERE page_data_id = \$1 AND answer IS NOT NULL AND is_submitted`).
		WithArgs("pd1").
		WillReturnRows(rows)

	visit, err := repo.MostRecentAnswerVisit(context.Background(), "pd1", true)
	require.NoError(t, err)
	require.NotNil(t, visit)
	assert.True(t, visit.IsSubmitted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMostRecentAnswerVisitNone(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewVisitRepository(db)

	mock.ExpectQuery("SELECT .+ FROM flow_page_visits").
		WithArgs("pd1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	visit, err := repo.MostRecentAnswerVisit(context.Background(), "pd1", false)
	require.NoError(t, err)
	assert.Nil(t, visit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnswerVisitsBySessionPairsGrades(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewVisitRepository(db)

	now := time.Now()
	visitRows := sqlmock.NewRows([]string{
		"id", "flow_session_id", "page_data_id", "visit_time", "answer", "is_submitted", "is_synthetic",
	}).AddRow("v1", "s1", "pd1", now, []byte(`{"answer":"x"}`), true, false)
	mock.ExpectQuery("SELECT DISTINCT ON \\(v.page_data_id\\)").
		WithArgs("s1").
		WillReturnRows(visitRows)

	correctness := 1.0
	gradeRows := sqlmock.NewRows([]string{
		"id", "visit_id", "grade_time", "grade_data", "max_points", "correctness", "feedback",
	}).AddRow("g1", "v1", now, nil, 5.0, correctness, nil)
	mock.ExpectQuery("SELECT .+ FROM flow_page_visit_grades").
		WithArgs("v1").
		WillReturnRows(gradeRows)

	visits, err := repo.AnswerVisitsBySession(context.Background(), "s1", false)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	av := visits["pd1"]
	assert.Equal(t, "v1", av.Visit.ID)
	require.NotNil(t, av.Grade)
	assert.Equal(t, 5.0, av.Grade.MaxPoints)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAnswerVisitsBySessionScansSyntheticNullAnswer(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewVisitRepository(db)

	now := time.Now()
	visitRows := sqlmock.NewRows([]string{
		"id", "flow_session_id", "page_data_id", "visit_time", "answer", "is_submitted", "is_synthetic",
	}).AddRow("v1", "s1", "pd1", now, nil, true, true)
	mock.ExpectQuery("SELECT DISTINCT ON \\(v.page_data_id\\)").
		WithArgs("s1").
		WillReturnRows(visitRows)

	correctness := 0.0
	gradeRows := sqlmock.NewRows([]string{
		"id", "visit_id", "grade_time", "grade_data", "max_points", "correctness", "feedback",
	}).AddRow("g1", "v1", now, nil, 1.0, correctness, "No answer provided.")
	mock.ExpectQuery("SELECT .+ FROM flow_page_visit_grades").
		WithArgs("v1").
		WillReturnRows(gradeRows)

	visits, err := repo.AnswerVisitsBySession(context.Background(), "s1", false)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	av := visits["pd1"]
	assert.Nil(t, av.Visit.Answer)
	assert.True(t, av.Visit.IsSynthetic)
	require.NotNil(t, av.Grade)
	assert.Nil(t, av.Grade.GradeData)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSubmitted(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewVisitRepository(db)

	mock.ExpectExec("UPDATE flow_page_visits SET is_submitted = TRUE WHERE id = \\$1").
		WithArgs("v1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkSubmitted(context.Background(), "v1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastActivityEmpty(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewVisitRepository(db)

	mock.ExpectQuery("SELECT visit_time FROM flow_page_visits").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"visit_time"}))

	last, err := repo.LastActivity(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.NoError(t, mock.ExpectationsWereMet())
}
