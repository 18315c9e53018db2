package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/page"
)

type gradedPageFixture struct {
	id          string
	optional    bool
	gradable    bool
	maxPoints   float64
	correctness *float64
	answered    bool
	ungraded    bool
}

func buildGradeInfoInputs(fixtures []gradedPageFixture) ([]models.FlowPageData, []page.Page, map[string]models.AnswerVisit) {
	pages := make([]models.FlowPageData, len(fixtures))
	pageObjs := make([]page.Page, len(fixtures))
	visits := make(map[string]models.AnswerVisit)

	for i, f := range fixtures {
		ord := i
		pages[i] = models.FlowPageData{ID: f.id, Ordinal: &ord}
		pageObjs[i] = &gradeInfoPage{optional: f.optional, gradable: f.gradable}
		if !f.answered {
			continue
		}
		av := models.AnswerVisit{Visit: models.FlowPageVisit{PageDataID: f.id, IsSubmitted: true}}
		if !f.ungraded {
			av.Grade = &models.FlowPageVisitGrade{
				MaxPoints:   f.maxPoints,
				Correctness: f.correctness,
			}
		}
		visits[f.id] = av
	}
	return pages, pageObjs, visits
}

type gradeInfoPage struct {
	optional bool
	gradable bool
}

func (p *gradeInfoPage) Type() string                               { return "Stub" }
func (p *gradeInfoPage) Title(page.Context, json.RawMessage) string { return "stub" }
func (p *gradeInfoPage) ExpectsAnswer() bool                        { return true }
func (p *gradeInfoPage) IsAnswerGradable() bool                     { return p.gradable }
func (p *gradeInfoPage) IsOptional() bool                           { return p.optional }
func (p *gradeInfoPage) InitializePageData(page.Context) (json.RawMessage, error) {
	return nil, nil
}
func (p *gradeInfoPage) MaxPoints(json.RawMessage) float64 { return 1 }
func (p *gradeInfoPage) Grade(_ page.Context, _, _ json.RawMessage) (*page.Feedback, error) {
	return &page.Feedback{}, nil
}

func TestGatherGradeInfoAllGraded(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 10, correctness: floatPtr(1), answered: true},
		{id: "p2", gradable: true, maxPoints: 10, correctness: floatPtr(0.5), answered: true},
		{id: "p3", gradable: true, maxPoints: 10, correctness: floatPtr(0), answered: true},
	})

	info := gatherGradeInfo(&models.GradingRule{}, pages, pageObjs, visits)
	require.NotNil(t, info.Points)
	assert.Equal(t, 15.0, *info.Points)
	assert.Equal(t, 15.0, info.ProvisionalPoints)
	assert.Equal(t, 30.0, info.MaxPoints)
	assert.Equal(t, 30.0, info.MaxReachablePoints)
	assert.Equal(t, 1, info.FullyCorrectCount)
	assert.Equal(t, 1, info.PartiallyCorrectCount)
	assert.Equal(t, 1, info.IncorrectCount)
	assert.Equal(t, 0, info.UnknownCount)
}

func TestGatherGradeInfoUnknownCorrectnessBlocksPoints(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 10, correctness: floatPtr(1), answered: true},
		{id: "p2", gradable: true, maxPoints: 10, correctness: nil, answered: true},
	})

	info := gatherGradeInfo(&models.GradingRule{}, pages, pageObjs, visits)
	assert.Nil(t, info.Points)
	assert.Equal(t, 10.0, info.ProvisionalPoints)
	assert.Equal(t, 20.0, info.MaxPoints)
	// Only judged pages count toward the reachable total.
	assert.Equal(t, 10.0, info.MaxReachablePoints)
	assert.Equal(t, 1, info.UnknownCount)
}

func TestGatherGradeInfoUngradedVisitBlocksPoints(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 10, correctness: floatPtr(1), answered: true},
		{id: "p2", gradable: true, answered: true, ungraded: true},
	})

	info := gatherGradeInfo(&models.GradingRule{}, pages, pageObjs, visits)
	assert.Nil(t, info.Points)
	assert.Equal(t, 1, info.UnknownCount)
	assert.Equal(t, 10.0, info.MaxPoints)
}

func TestGatherGradeInfoSkipsUnansweredAndUngradablePages(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 10, correctness: floatPtr(1), answered: true},
		{id: "p2", gradable: true},
		{id: "p3", gradable: false, answered: true},
	})

	info := gatherGradeInfo(&models.GradingRule{}, pages, pageObjs, visits)
	require.NotNil(t, info.Points)
	assert.Equal(t, 10.0, *info.Points)
	assert.Equal(t, 10.0, info.MaxPoints)
	assert.Equal(t, 0, info.UnknownCount)
}

func TestGatherGradeInfoOptionalPagesOnlyFeedCounters(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 10, correctness: floatPtr(1), answered: true},
		{id: "p2", gradable: true, optional: true, maxPoints: 5, correctness: floatPtr(1), answered: true},
		{id: "p3", gradable: true, optional: true, maxPoints: 5, correctness: floatPtr(0.4), answered: true},
		{id: "p4", gradable: true, optional: true, maxPoints: 5, correctness: nil, answered: true},
	})

	info := gatherGradeInfo(&models.GradingRule{}, pages, pageObjs, visits)
	require.NotNil(t, info.Points)
	assert.Equal(t, 10.0, *info.Points)
	assert.Equal(t, 10.0, info.MaxPoints)
	assert.Equal(t, 1, info.OptionalFullyCorrectCount)
	assert.Equal(t, 1, info.OptionalPartiallyCorrectCount)
	assert.Equal(t, 1, info.OptionalUnknownCount)
	assert.Equal(t, 0, info.OptionalIncorrectCount)
}

func TestGatherGradeInfoBonusPoints(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 10, correctness: floatPtr(0.5), answered: true},
	})

	rule := &models.GradingRule{BonusPoints: 3}
	info := gatherGradeInfo(rule, pages, pageObjs, visits)
	require.NotNil(t, info.Points)
	assert.Equal(t, 8.0, *info.Points)
	assert.Equal(t, 13.0, info.MaxPoints)
	assert.Equal(t, 13.0, info.MaxReachablePoints)
}

func TestGatherGradeInfoMaxPointsOverride(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 10, correctness: floatPtr(1), answered: true},
	})

	rule := &models.GradingRule{MaxPoints: floatPtr(20)}
	info := gatherGradeInfo(rule, pages, pageObjs, visits)
	assert.Equal(t, 20.0, info.MaxPoints)
	require.NotNil(t, info.Points)
	assert.Equal(t, 10.0, *info.Points)
}

func TestGatherGradeInfoEnforcedCapClampsEverything(t *testing.T) {
	pages, pageObjs, visits := buildGradeInfoInputs([]gradedPageFixture{
		{id: "p1", gradable: true, maxPoints: 40, correctness: floatPtr(1), answered: true},
		{id: "p2", gradable: true, maxPoints: 40, correctness: floatPtr(1), answered: true},
	})

	rule := &models.GradingRule{MaxPointsEnforcedCap: floatPtr(50)}
	info := gatherGradeInfo(rule, pages, pageObjs, visits)
	require.NotNil(t, info.Points)
	assert.Equal(t, 50.0, *info.Points)
	assert.Equal(t, 50.0, info.ProvisionalPoints)
	assert.Equal(t, 50.0, info.MaxReachablePoints)
	// The nominal total is not capped, only the achievable ones.
	assert.Equal(t, 80.0, info.MaxPoints)
}
