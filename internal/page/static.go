package page

import (
	"encoding/json"
	"fmt"

	"github.com/inducer/relate-sub000/internal/content"
)

type staticPageAttrs struct {
	Title   string `yaml:"title"`
	Content string `yaml:"content"`
}

// staticPage shows authored markup and solicits no answer.
type staticPage struct {
	id    string
	attrs staticPageAttrs
}

func newStaticPage(_ string, desc content.PageDesc) (Page, error) {
	var attrs staticPageAttrs
	if err := decodeAttrs(desc, &attrs); err != nil {
		return nil, err
	}
	if attrs.Content == "" {
		return nil, fmt.Errorf("page %s has no content", desc.ID)
	}
	return &staticPage{id: desc.ID, attrs: attrs}, nil
}

func (p *staticPage) Type() string { return "Page" }

func (p *staticPage) Title(Context, json.RawMessage) string {
	if p.attrs.Title != "" {
		return p.attrs.Title
	}
	return p.id
}

func (p *staticPage) ExpectsAnswer() bool    { return false }
func (p *staticPage) IsAnswerGradable() bool { return false }
func (p *staticPage) IsOptional() bool       { return false }

func (p *staticPage) InitializePageData(Context) (json.RawMessage, error) {
	return nil, nil
}

func (p *staticPage) MaxPoints(json.RawMessage) float64 { return 0 }

func (p *staticPage) Grade(Context, json.RawMessage, json.RawMessage) (*Feedback, error) {
	return nil, nil
}
