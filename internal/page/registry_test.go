package page

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/content"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

func mustInstantiate(t *testing.T, desc content.PageDesc) Page {
	t.Helper()
	p, err := NewRegistry().Instantiate("grp", desc)
	require.NoError(t, err)
	return p
}

func textDesc(answers ...any) content.PageDesc {
	return content.PageDesc{
		ID:   "q1",
		Type: "TextQuestion",
		Attrs: map[string]any{
			"title":   "Question 1",
			"prompt":  "What is the answer?",
			"answers": answers,
		},
	}
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	_, err := NewRegistry().Instantiate("grp", content.PageDesc{ID: "p1", Type: "Hologram"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestRegistryWrapsFactoryErrors(t *testing.T) {
	_, err := NewRegistry().Instantiate("grp", content.PageDesc{ID: "p1", Type: "Page"})
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestRegistryCustomFactory(t *testing.T) {
	r := NewRegistry()
	r.Register("Survey", newSurveyTextQuestion)

	p, err := r.Instantiate("grp", content.PageDesc{ID: "s1", Type: "Survey"})
	require.NoError(t, err)
	assert.True(t, p.ExpectsAnswer())
	assert.False(t, p.IsAnswerGradable())
}

func TestStaticPage(t *testing.T) {
	p := mustInstantiate(t, content.PageDesc{
		ID:   "intro",
		Type: "Page",
		Attrs: map[string]any{
			"title":   "Welcome",
			"content": "# Hello",
		},
	})

	assert.Equal(t, "Welcome", p.Title(Context{}, nil))
	assert.False(t, p.ExpectsAnswer())
	assert.Equal(t, 0.0, p.MaxPoints(nil))

	fb, err := p.Grade(Context{}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, fb)
}

func TestStaticPageTitleFallsBackToID(t *testing.T) {
	p := mustInstantiate(t, content.PageDesc{
		ID:    "intro",
		Type:  "Page",
		Attrs: map[string]any{"content": "# Hello"},
	})
	assert.Equal(t, "intro", p.Title(Context{}, nil))
}

func TestTextQuestionMatchesCaseInsensitively(t *testing.T) {
	p := mustInstantiate(t, textDesc("Grand Rapids", "grand rapids, mi"))

	fb, err := p.Grade(Context{}, nil, json.RawMessage(`{"answer":"  GRAND RAPIDS "}`))
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 1.0, *fb.Correctness)

	fb, err = p.Grade(Context{}, nil, json.RawMessage(`{"answer":"Lansing"}`))
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 0.0, *fb.Correctness)
}

func TestTextQuestionNilAnswerScoresZero(t *testing.T) {
	p := mustInstantiate(t, textDesc("42"))

	fb, err := p.Grade(Context{}, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 0.0, *fb.Correctness)
	assert.Equal(t, "No answer provided.", fb.Message)
}

func TestTextQuestionValueFlowsIntoMaxPoints(t *testing.T) {
	desc := textDesc("42")
	desc.Attrs["value"] = 2.5
	p := mustInstantiate(t, desc)
	assert.Equal(t, 2.5, p.MaxPoints(nil))

	assert.Equal(t, 1.0, mustInstantiate(t, textDesc("42")).MaxPoints(nil))
}

func TestTextQuestionRequiresAnswers(t *testing.T) {
	_, err := NewRegistry().Instantiate("grp", content.PageDesc{
		ID:    "q1",
		Type:  "TextQuestion",
		Attrs: map[string]any{"prompt": "?"},
	})
	require.Error(t, err)
}

func TestSurveyTextQuestionIsUngraded(t *testing.T) {
	p := mustInstantiate(t, content.PageDesc{
		ID:    "feedback",
		Type:  "SurveyTextQuestion",
		Attrs: map[string]any{"prompt": "Thoughts?"},
	})

	assert.True(t, p.ExpectsAnswer())
	assert.False(t, p.IsAnswerGradable())
	assert.True(t, p.IsOptional())
	assert.Equal(t, 0.0, p.MaxPoints(nil))
}

func choiceDesc(shuffle bool) content.PageDesc {
	return content.PageDesc{
		ID:   "c1",
		Type: "ChoiceQuestion",
		Attrs: map[string]any{
			"prompt":  "Pick one",
			"shuffle": shuffle,
			"choices": []any{"wrong a", "~CORRECT~right", "wrong b"},
		},
	}
}

func TestChoiceQuestionGradesAgainstPermutation(t *testing.T) {
	p := mustInstantiate(t, choiceDesc(false))

	// Page data presents the choices in reverse; index 1 still points at
	// the authored correct choice, index 0 does not.
	data := json.RawMessage(`{"permutation":[2,1,0]}`)
	fb, err := p.Grade(Context{}, data, json.RawMessage(`{"choice":1}`))
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 1.0, *fb.Correctness)

	fb, err = p.Grade(Context{}, data, json.RawMessage(`{"choice":0}`))
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 0.0, *fb.Correctness)
}

func TestChoiceQuestionIdentityWithoutPageData(t *testing.T) {
	p := mustInstantiate(t, choiceDesc(false))

	fb, err := p.Grade(Context{}, nil, json.RawMessage(`{"choice":1}`))
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 1.0, *fb.Correctness)
}

func TestChoiceQuestionRejectsBadAnswers(t *testing.T) {
	p := mustInstantiate(t, choiceDesc(false))

	fb, err := p.Grade(Context{}, nil, json.RawMessage(`{"choice":7}`))
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 0.0, *fb.Correctness)
	assert.Equal(t, "Choice out of range.", fb.Message)

	fb, err = p.Grade(Context{}, nil, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotNil(t, fb.Correctness)
	assert.Equal(t, 0.0, *fb.Correctness)
	assert.Equal(t, "No choice selected.", fb.Message)
}

func TestChoiceQuestionFrozenPermutation(t *testing.T) {
	p := mustInstantiate(t, choiceDesc(true))

	data, err := p.InitializePageData(Context{})
	require.NoError(t, err)

	var pd struct {
		Permutation []int `json:"permutation"`
	}
	require.NoError(t, json.Unmarshal(data, &pd))
	require.Len(t, pd.Permutation, 3)
	seen := make(map[int]bool)
	for _, idx := range pd.Permutation {
		assert.False(t, seen[idx])
		seen[idx] = true
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, 3)
	}
}

func TestChoiceQuestionRequiresCorrectChoice(t *testing.T) {
	_, err := NewRegistry().Instantiate("grp", content.PageDesc{
		ID:   "c1",
		Type: "ChoiceQuestion",
		Attrs: map[string]any{
			"choices": []any{"a", "b"},
		},
	})
	require.Error(t, err)
}
