package service

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/content"
	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/page"
)

type stubPage struct {
	title   string
	expects bool
}

func (p *stubPage) Type() string                             { return "Stub" }
func (p *stubPage) Title(page.Context, json.RawMessage) string { return p.title }
func (p *stubPage) ExpectsAnswer() bool                      { return p.expects }
func (p *stubPage) IsAnswerGradable() bool                   { return p.expects }
func (p *stubPage) IsOptional() bool                         { return false }
func (p *stubPage) InitializePageData(page.Context) (json.RawMessage, error) {
	return nil, nil
}
func (p *stubPage) MaxPoints(json.RawMessage) float64 { return 1 }
func (p *stubPage) Grade(_ page.Context, _, answer json.RawMessage) (*page.Feedback, error) {
	c := 0.0
	if answer != nil {
		c = 1.0
	}
	return &page.Feedback{Correctness: &c}, nil
}

type stubInstantiator struct{}

func (stubInstantiator) Instantiate(_ string, desc content.PageDesc) (page.Page, error) {
	return &stubPage{title: "Title " + desc.ID, expects: true}, nil
}

func layoutContext() page.Context {
	return page.Context{
		Course:  &models.Course{ID: "course-1"},
		Session: &models.FlowSession{ID: "session-1"},
	}
}

func pagesOf(ids ...string) []content.PageDesc {
	out := make([]content.PageDesc, len(ids))
	for i, id := range ids {
		out[i] = content.PageDesc{ID: id, Type: "Stub"}
	}
	return out
}

func intPtr(v int) *int { return &v }

func TestPlanLayoutDeclaredOrder(t *testing.T) {
	desc := &content.FlowDesc{Groups: []content.PageGroupDesc{
		{ID: "intro", Pages: pagesOf("welcome")},
		{ID: "quiz", Pages: pagesOf("q1", "q2", "q3")},
	}}

	rows, count, err := planLayout(desc, stubInstantiator{}, layoutContext(), rand.New(rand.NewSource(1)), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	require.Len(t, rows, 4)
	for i, row := range rows {
		require.NotNil(t, row.Ordinal)
		assert.Equal(t, i, *row.Ordinal)
	}
	assert.Equal(t, "welcome", rows[0].PageID)
	assert.Equal(t, "q1", rows[1].PageID)
	assert.Equal(t, "Title q1", rows[1].Title)
}

func TestPlanLayoutShuffleRespectsBudget(t *testing.T) {
	desc := &content.FlowDesc{Groups: []content.PageGroupDesc{
		{ID: "quiz", Shuffle: true, MaxPageCount: intPtr(2), Pages: pagesOf("q1", "q2", "q3", "q4")},
	}}

	rows, count, err := planLayout(desc, stubInstantiator{}, layoutContext(), rand.New(rand.NewSource(7)), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	laidOut := 0
	for _, row := range rows {
		if row.Ordinal != nil {
			laidOut++
		}
	}
	assert.Equal(t, 2, laidOut)
}

func TestPlanLayoutIdempotent(t *testing.T) {
	desc := &content.FlowDesc{Groups: []content.PageGroupDesc{
		{ID: "quiz", Shuffle: true, MaxPageCount: intPtr(2), Pages: pagesOf("q1", "q2", "q3", "q4")},
		{ID: "outro", Pages: pagesOf("bye")},
	}}

	first, firstCount, err := planLayout(desc, stubInstantiator{}, layoutContext(), rand.New(rand.NewSource(3)), nil)
	require.NoError(t, err)

	// A different rng must not disturb an established layout.
	second, secondCount, err := planLayout(desc, stubInstantiator{}, layoutContext(), rand.New(rand.NewSource(99)), first)
	require.NoError(t, err)
	assert.Equal(t, firstCount, secondCount)

	firstByPage := make(map[string]*int)
	for _, row := range first {
		firstByPage[row.GroupID+"/"+row.PageID] = row.Ordinal
	}
	for _, row := range second {
		want, ok := firstByPage[row.GroupID+"/"+row.PageID]
		require.True(t, ok)
		if want == nil {
			assert.Nil(t, row.Ordinal)
		} else {
			require.NotNil(t, row.Ordinal)
			assert.Equal(t, *want, *row.Ordinal)
		}
	}
}

func TestPlanLayoutDropsRemovedPages(t *testing.T) {
	desc := &content.FlowDesc{Groups: []content.PageGroupDesc{
		{ID: "quiz", Pages: pagesOf("q1", "q3")},
	}}
	existing := []models.FlowPageData{
		{FlowSessionID: "session-1", GroupID: "quiz", PageID: "q1", PageType: "Stub", Ordinal: intPtr(0)},
		{FlowSessionID: "session-1", GroupID: "quiz", PageID: "q2", PageType: "Stub", Ordinal: intPtr(1)},
	}

	rows, count, err := planLayout(desc, stubInstantiator{}, layoutContext(), rand.New(rand.NewSource(1)), existing)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	byPage := make(map[string]*int)
	for _, row := range rows {
		byPage[row.PageID] = row.Ordinal
	}
	require.NotNil(t, byPage["q1"])
	assert.Equal(t, 0, *byPage["q1"])
	require.NotNil(t, byPage["q3"])
	assert.Equal(t, 1, *byPage["q3"])
	// The removed page's row survives without an ordinal.
	ord, kept := byPage["q2"]
	require.True(t, kept)
	assert.Nil(t, ord)
}

func TestPlanLayoutRevivesShuffledOutRows(t *testing.T) {
	desc := &content.FlowDesc{Groups: []content.PageGroupDesc{
		{ID: "quiz", Shuffle: true, MaxPageCount: intPtr(1), Pages: pagesOf("q1")},
	}}
	stale := models.RawJSON(`{"seed":42}`)
	existing := []models.FlowPageData{
		{FlowSessionID: "session-1", GroupID: "quiz", PageID: "q1", PageType: "Stub", Data: stale},
	}

	rows, count, err := planLayout(desc, stubInstantiator{}, layoutContext(), rand.New(rand.NewSource(1)), existing)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Ordinal)
	// The revived row keeps its frozen page data.
	assert.Equal(t, stale, rows[0].Data)
}
