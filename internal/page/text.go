package page

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/inducer/relate-sub000/internal/content"
)

type textQuestionAttrs struct {
	Title    string   `yaml:"title"`
	Prompt   string   `yaml:"prompt"`
	Value    *float64 `yaml:"value"`
	Optional bool     `yaml:"is_optional_page"`
	Answers  []string `yaml:"answers"`
}

// textAnswer is the submitted payload for text pages.
type textAnswer struct {
	Answer string `json:"answer"`
}

// textQuestion matches a free-text answer against a list of accepted
// strings, compared case-insensitively with surrounding whitespace stripped.
type textQuestion struct {
	id    string
	attrs textQuestionAttrs
}

func newTextQuestion(_ string, desc content.PageDesc) (Page, error) {
	var attrs textQuestionAttrs
	if err := decodeAttrs(desc, &attrs); err != nil {
		return nil, err
	}
	if len(attrs.Answers) == 0 {
		return nil, fmt.Errorf("page %s accepts no answers", desc.ID)
	}
	return &textQuestion{id: desc.ID, attrs: attrs}, nil
}

func (p *textQuestion) Type() string { return "TextQuestion" }

func (p *textQuestion) Title(Context, json.RawMessage) string {
	if p.attrs.Title != "" {
		return p.attrs.Title
	}
	return p.id
}

func (p *textQuestion) ExpectsAnswer() bool    { return true }
func (p *textQuestion) IsAnswerGradable() bool { return true }
func (p *textQuestion) IsOptional() bool       { return p.attrs.Optional }

func (p *textQuestion) InitializePageData(Context) (json.RawMessage, error) {
	return nil, nil
}

func (p *textQuestion) MaxPoints(json.RawMessage) float64 {
	if p.attrs.Value != nil {
		return *p.attrs.Value
	}
	return 1
}

func (p *textQuestion) Grade(_ Context, _ json.RawMessage, answer json.RawMessage) (*Feedback, error) {
	zero := 0.0
	if answer == nil {
		return &Feedback{Correctness: &zero, Message: "No answer provided."}, nil
	}
	var submitted textAnswer
	if err := json.Unmarshal(answer, &submitted); err != nil {
		return nil, fmt.Errorf("malformed answer payload: %w", err)
	}
	normalized := strings.ToLower(strings.TrimSpace(submitted.Answer))
	for _, accepted := range p.attrs.Answers {
		if normalized == strings.ToLower(strings.TrimSpace(accepted)) {
			one := 1.0
			return &Feedback{Correctness: &one}, nil
		}
	}
	return &Feedback{Correctness: &zero}, nil
}

// surveyTextQuestion collects a free-text response without grading it.
type surveyTextQuestion struct {
	id    string
	attrs textQuestionAttrs
}

func newSurveyTextQuestion(_ string, desc content.PageDesc) (Page, error) {
	var attrs textQuestionAttrs
	if err := decodeAttrs(desc, &attrs); err != nil {
		return nil, err
	}
	return &surveyTextQuestion{id: desc.ID, attrs: attrs}, nil
}

func (p *surveyTextQuestion) Type() string { return "SurveyTextQuestion" }

func (p *surveyTextQuestion) Title(Context, json.RawMessage) string {
	if p.attrs.Title != "" {
		return p.attrs.Title
	}
	return p.id
}

func (p *surveyTextQuestion) ExpectsAnswer() bool    { return true }
func (p *surveyTextQuestion) IsAnswerGradable() bool { return false }
func (p *surveyTextQuestion) IsOptional() bool       { return true }

func (p *surveyTextQuestion) InitializePageData(Context) (json.RawMessage, error) {
	return nil, nil
}

func (p *surveyTextQuestion) MaxPoints(json.RawMessage) float64 { return 0 }

func (p *surveyTextQuestion) Grade(Context, json.RawMessage, json.RawMessage) (*Feedback, error) {
	return nil, nil
}
