package page

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/inducer/relate-sub000/internal/content"
)

// correctMarker tags correct choices in authored content.
const correctMarker = "~CORRECT~"

type choiceQuestionAttrs struct {
	Title          string   `yaml:"title"`
	Prompt         string   `yaml:"prompt"`
	Value          *float64 `yaml:"value"`
	Optional       bool     `yaml:"is_optional_page"`
	ShuffleChoices bool     `yaml:"shuffle"`
	Choices        []string `yaml:"choices"`
}

// choicePageData freezes the per-session presentation order of the choices.
type choicePageData struct {
	Permutation []int `json:"permutation"`
}

// choiceAnswer is the submitted payload: an index into the presented order.
type choiceAnswer struct {
	Choice *int `json:"choice"`
}

// choiceQuestion presents authored choices, optionally in a per-session
// shuffled order frozen into the page data.
type choiceQuestion struct {
	id      string
	attrs   choiceQuestionAttrs
	correct map[int]struct{}
}

func newChoiceQuestion(_ string, desc content.PageDesc) (Page, error) {
	var attrs choiceQuestionAttrs
	if err := decodeAttrs(desc, &attrs); err != nil {
		return nil, err
	}
	if len(attrs.Choices) == 0 {
		return nil, fmt.Errorf("page %s has no choices", desc.ID)
	}
	correct := make(map[int]struct{})
	for i, choice := range attrs.Choices {
		if strings.HasPrefix(choice, correctMarker) {
			correct[i] = struct{}{}
		}
	}
	if len(correct) == 0 {
		return nil, fmt.Errorf("page %s has no correct choice", desc.ID)
	}
	return &choiceQuestion{id: desc.ID, attrs: attrs, correct: correct}, nil
}

func (p *choiceQuestion) Type() string { return "ChoiceQuestion" }

func (p *choiceQuestion) Title(Context, json.RawMessage) string {
	if p.attrs.Title != "" {
		return p.attrs.Title
	}
	return p.id
}

func (p *choiceQuestion) ExpectsAnswer() bool    { return true }
func (p *choiceQuestion) IsAnswerGradable() bool { return true }
func (p *choiceQuestion) IsOptional() bool       { return p.attrs.Optional }

func (p *choiceQuestion) InitializePageData(Context) (json.RawMessage, error) {
	perm := make([]int, len(p.attrs.Choices))
	for i := range perm {
		perm[i] = i
	}
	if p.attrs.ShuffleChoices {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		rng.Shuffle(len(perm), func(i, j int) {
			perm[i], perm[j] = perm[j], perm[i]
		})
	}
	return json.Marshal(choicePageData{Permutation: perm})
}

func (p *choiceQuestion) MaxPoints(json.RawMessage) float64 {
	if p.attrs.Value != nil {
		return *p.attrs.Value
	}
	return 1
}

func (p *choiceQuestion) Grade(_ Context, data json.RawMessage, answer json.RawMessage) (*Feedback, error) {
	zero := 0.0
	if answer == nil {
		return &Feedback{Correctness: &zero, Message: "No answer provided."}, nil
	}
	var submitted choiceAnswer
	if err := json.Unmarshal(answer, &submitted); err != nil {
		return nil, fmt.Errorf("malformed answer payload: %w", err)
	}
	if submitted.Choice == nil {
		return &Feedback{Correctness: &zero, Message: "No choice selected."}, nil
	}

	perm := make([]int, len(p.attrs.Choices))
	for i := range perm {
		perm[i] = i
	}
	if data != nil {
		var pd choicePageData
		if err := json.Unmarshal(data, &pd); err != nil {
			return nil, fmt.Errorf("malformed page data: %w", err)
		}
		if len(pd.Permutation) == len(perm) {
			perm = pd.Permutation
		}
	}

	idx := *submitted.Choice
	if idx < 0 || idx >= len(perm) {
		return &Feedback{Correctness: &zero, Message: "Choice out of range."}, nil
	}
	if _, ok := p.correct[perm[idx]]; ok {
		one := 1.0
		return &Feedback{Correctness: &one}, nil
	}
	return &Feedback{Correctness: &zero}, nil
}
