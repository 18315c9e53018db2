package content

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

const quizYAML = `
title: Quiz 1
rules:
  grade_identifier: quiz_1
  grade_aggregation_strategy: max_grade
  start:
    - if_before: end week 2
      may_start_new_session: true
  access:
    - permissions: [view, submit_answer, end_session]
  grading:
    - due: end week 2
      credit_percent: 100
groups:
  - id: intro
    pages:
      - id: welcome
        type: Page
        content: "# Welcome"
  - id: quiz
    shuffle: true
    max_page_count: 2
    pages:
      - id: q1
        type: TextQuestion
        prompt: "2 + 2?"
        answers: ["4"]
      - id: q2
        type: ChoiceQuestion
        choices: ["~CORRECT~yes", "no"]
`

func parseQuiz(t *testing.T) *FlowDesc {
	t.Helper()
	desc, err := ParseFlowDesc([]byte(quizYAML))
	require.NoError(t, err)
	return desc
}

func TestParseFlowDesc(t *testing.T) {
	desc := parseQuiz(t)

	assert.Equal(t, "Quiz 1", desc.Title)
	require.NotNil(t, desc.Rules)
	require.NotNil(t, desc.Rules.GradeIdentifier)
	assert.Equal(t, "quiz_1", *desc.Rules.GradeIdentifier)
	require.Len(t, desc.Groups, 2)

	quiz := desc.Groups[1]
	assert.True(t, quiz.Shuffle)
	require.NotNil(t, quiz.MaxPageCount)
	assert.Equal(t, 2, *quiz.MaxPageCount)
	require.Len(t, quiz.Pages, 2)

	// Authored fields beyond identity pass through undecoded.
	assert.Equal(t, "TextQuestion", quiz.Pages[0].Type)
	assert.Equal(t, "2 + 2?", quiz.Pages[0].Attrs["prompt"])
}

func TestParseFlowDescRejectsBadYAML(t *testing.T) {
	_, err := ParseFlowDesc([]byte("groups: [\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestFindPage(t *testing.T) {
	desc := parseQuiz(t)

	p, ok := desc.FindPage("quiz", "q2")
	require.True(t, ok)
	assert.Equal(t, "ChoiceQuestion", p.Type)

	_, ok = desc.FindPage("quiz", "missing")
	assert.False(t, ok)
	_, ok = desc.FindPage("missing", "q1")
	assert.False(t, ok)
}

func TestValidateFlowDescAcceptsWellFormed(t *testing.T) {
	course := testCourse("2024-01-01")
	require.NoError(t, ValidateFlowDesc(course, parseQuiz(t)))
}

func TestValidateFlowDescStructure(t *testing.T) {
	course := testCourse("2024-01-01")
	mutate := func(f func(*FlowDesc)) *FlowDesc {
		desc := parseQuiz(t)
		f(desc)
		return desc
	}

	cases := []struct {
		name string
		desc *FlowDesc
	}{
		{"no groups", mutate(func(d *FlowDesc) { d.Groups = nil })},
		{"group without id", mutate(func(d *FlowDesc) { d.Groups[0].ID = "" })},
		{"duplicate group id", mutate(func(d *FlowDesc) { d.Groups[1].ID = "intro" })},
		{"empty group", mutate(func(d *FlowDesc) { d.Groups[0].Pages = nil })},
		{"page without id", mutate(func(d *FlowDesc) { d.Groups[0].Pages[0].ID = "" })},
		{"page without type", mutate(func(d *FlowDesc) { d.Groups[0].Pages[0].Type = "" })},
		{"duplicate page id", mutate(func(d *FlowDesc) { d.Groups[1].Pages[1].ID = "q1" })},
		{"zero max_page_count", mutate(func(d *FlowDesc) { zero := 0; d.Groups[1].MaxPageCount = &zero })},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFlowDesc(course, tc.desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, appErrors.ErrValidation)
		})
	}
}

func TestValidateFlowDescRules(t *testing.T) {
	course := testCourse("2024-01-01")
	mutate := func(f func(*FlowRulesDesc)) *FlowDesc {
		desc := parseQuiz(t)
		f(desc.Rules)
		return desc
	}

	cases := []struct {
		name string
		desc *FlowDesc
	}{
		{"bad aggregation strategy", mutate(func(r *FlowRulesDesc) {
			s := models.AggregationStrategy("median_grade")
			r.GradeAggregationStrategy = &s
		})},
		{"bad start date spec", mutate(func(r *FlowRulesDesc) {
			spec := "whenever"
			r.Start[0].IfBefore = &spec
		})},
		{"bad expiration mode", mutate(func(r *FlowRulesDesc) {
			m := models.ExpirationMode("vanish")
			r.Start[0].DefaultExpirationMode = &m
		})},
		{"unknown permission", mutate(func(r *FlowRulesDesc) {
			r.Access[0].Permissions = append(r.Access[0].Permissions, "teleport")
		})},
		{"bad due spec", mutate(func(r *FlowRulesDesc) {
			due := "start week 0"
			r.Grading[0].Due = &due
		})},
		{"negative credit percent", mutate(func(r *FlowRulesDesc) {
			pct := -10.0
			r.Grading[0].CreditPercent = &pct
		})},
		{"grade without identifier", mutate(func(r *FlowRulesDesc) {
			r.GradeIdentifier = nil
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFlowDesc(course, tc.desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, appErrors.ErrValidation)
		})
	}
}

func TestValidateFlowDescAcceptsDeprecatedPermissions(t *testing.T) {
	course := testCourse("2024-01-01")
	desc := parseQuiz(t)
	desc.Rules.Access[0].Permissions = []string{"view", "modify", "see_answer"}
	require.NoError(t, ValidateFlowDesc(course, desc))
}

func TestDecodeRuleBlobs(t *testing.T) {
	start, err := DecodeStartRule(json.RawMessage(`{"may_start_new_session": false, "tag_session": "retake"}`))
	require.NoError(t, err)
	require.NotNil(t, start.MayStartNewSession)
	assert.False(t, *start.MayStartNewSession)
	require.NotNil(t, start.TagSession)
	assert.Equal(t, "retake", *start.TagSession)

	access, err := DecodeAccessRule(json.RawMessage(`{"permissions": ["view"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"view"}, access.Permissions)

	grading, err := DecodeGradingRule(json.RawMessage(`{"credit_percent": 50}`))
	require.NoError(t, err)
	require.NotNil(t, grading.CreditPercent)
	assert.Equal(t, 50.0, *grading.CreditPercent)

	_, err = DecodeStartRule(json.RawMessage(`{"may_start_new_session": "yes"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}
