package page

import (
	"encoding/json"

	"github.com/inducer/relate-sub000/internal/content"
	"github.com/inducer/relate-sub000/internal/models"
)

// Context carries the course and session a page is being evaluated in.
type Context struct {
	Course  *models.Course
	Session *models.FlowSession
}

// Feedback is the outcome of grading one answer against one page.
type Feedback struct {
	// Correctness is in [0, 1], or nil when the grader cannot judge the
	// answer (human grading pending, broken grading code).
	Correctness *float64
	Message     string
	// GradeData is grader-specific detail persisted alongside the grade.
	GradeData json.RawMessage
}

// Page is the engine-facing behavior of one instantiated flow page. The
// content subsystem owns the concrete page types; the engine only consumes
// this surface.
type Page interface {
	Type() string
	Title(ctx Context, data json.RawMessage) string

	// ExpectsAnswer reports whether the page solicits an answer at all.
	// Pages that do not never contribute to grading.
	ExpectsAnswer() bool
	// IsAnswerGradable reports whether answers can be graded automatically.
	IsAnswerGradable() bool
	// IsOptional reports whether the page is excluded from the required
	// point total. Optional pages only feed the fully/partially correct
	// counters.
	IsOptional() bool

	// InitializePageData produces the per-session page data blob, for
	// example a frozen shuffle order of answer choices.
	InitializePageData(ctx Context) (json.RawMessage, error)

	MaxPoints(data json.RawMessage) float64

	// Grade evaluates an answer. A nil answer means the page was never
	// answered; graders report zero correctness for those.
	Grade(ctx Context, data, answer json.RawMessage) (*Feedback, error)
}

// Instantiator turns page descriptors into live pages.
type Instantiator interface {
	Instantiate(groupID string, desc content.PageDesc) (Page, error)
}
