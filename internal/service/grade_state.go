package service

import (
	"sort"
	"time"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

// GradeState is the derived current state of one (opportunity, participant)
// pair, replayed from the grade change log.
type GradeState struct {
	State            *models.GradeChangeState `json:"state,omitempty"`
	DueTime          *time.Time               `json:"due_time,omitempty"`
	LastGradedTime   *time.Time               `json:"last_graded_time,omitempty"`
	LastReportTime   *time.Time               `json:"last_report_time,omitempty"`
	ValidPercentages []float64                `json:"valid_percentages"`

	// Changes echoes the consumed stream with IsSuperseded derived.
	Changes []models.GradeChange `json:"changes,omitempty"`
}

// gradeStateMachine replays an ordered grade change stream. Graded events
// sharing an attempt ID supersede one another; unavailable and exempt wipe
// the tally and are terminal; do_over wipes the tally silently.
type gradeStateMachine struct {
	state            *models.GradeChangeState
	dueTime          *time.Time
	lastGradedTime   *time.Time
	lastReportTime   *time.Time
	validPercentages []float64

	attemptChanges map[string]int // attempt ID -> index into changes
	attemptOrder   []string
	changes        []models.GradeChange
}

func newGradeStateMachine(opportunityDue *time.Time) *gradeStateMachine {
	return &gradeStateMachine{
		dueTime:        opportunityDue,
		attemptChanges: make(map[string]int),
	}
}

func (m *gradeStateMachine) clearGrades() {
	m.state = nil
	m.validPercentages = nil
	m.attemptChanges = make(map[string]int)
	m.attemptOrder = nil
}

func (m *gradeStateMachine) consume(changes []models.GradeChange) (*GradeState, error) {
	for _, change := range changes {
		change.IsSuperseded = false
		m.changes = append(m.changes, change)
		idx := len(m.changes) - 1

		switch change.State {
		case models.GradeStateGraded:
			if m.state != nil && *m.state == models.GradeStateUnavailable {
				return nil, appErrors.Clone(appErrors.ErrConflict,
					"cannot accept grade once opportunity has been marked unavailable")
			}
			if m.state != nil && *m.state == models.GradeStateExempt {
				return nil, appErrors.Clone(appErrors.ErrConflict,
					"cannot accept grade once opportunity has been marked exempt")
			}
			graded := models.GradeStateGraded
			m.state = &graded
			if change.AttemptID != nil {
				if prev, ok := m.attemptChanges[*change.AttemptID]; ok {
					m.changes[prev].IsSuperseded = true
				} else {
					m.attemptOrder = append(m.attemptOrder, *change.AttemptID)
				}
				m.attemptChanges[*change.AttemptID] = idx
			} else if p := change.Percentage(); p != nil {
				m.validPercentages = append(m.validPercentages, *p)
			}
			t := change.GradeTime
			m.lastGradedTime = &t

		case models.GradeStateUnavailable:
			m.clearGrades()
			unavailable := models.GradeStateUnavailable
			m.state = &unavailable

		case models.GradeStateExempt:
			m.clearGrades()
			exempt := models.GradeStateExempt
			m.state = &exempt

		case models.GradeStateDoOver:
			m.clearGrades()

		case models.GradeStateReportSent:
			t := change.GradeTime
			m.lastReportTime = &t

		case models.GradeStateExtension:
			m.dueTime = change.DueTime

		case models.GradeStateRetrieved:
			// No state effect, retained for audit only.

		default:
			return nil, appErrors.Clone(appErrors.ErrValidation,
				"invalid grade change state "+string(change.State))
		}
	}

	// Surviving per-attempt changes contribute their percentages in
	// grade-time order after the attempt-less ones.
	surviving := make([]int, 0, len(m.attemptChanges))
	for _, attemptID := range m.attemptOrder {
		surviving = append(surviving, m.attemptChanges[attemptID])
	}
	sort.Slice(surviving, func(i, j int) bool {
		a, b := m.changes[surviving[i]], m.changes[surviving[j]]
		if a.GradeTime.Equal(b.GradeTime) {
			return surviving[i] < surviving[j]
		}
		return a.GradeTime.Before(b.GradeTime)
	})
	for _, idx := range surviving {
		if p := m.changes[idx].Percentage(); p != nil {
			m.validPercentages = append(m.validPercentages, *p)
		}
	}

	return &GradeState{
		State:            m.state,
		DueTime:          m.dueTime,
		LastGradedTime:   m.lastGradedTime,
		LastReportTime:   m.lastReportTime,
		ValidPercentages: m.validPercentages,
		Changes:          m.changes,
	}, nil
}

// Percentage aggregates the valid attempt percentages under the given
// strategy, or nil when no attempt produced one.
func (s *GradeState) Percentage(strategy models.AggregationStrategy) *float64 {
	if len(s.ValidPercentages) == 0 {
		return nil
	}
	var result float64
	switch strategy {
	case models.AggregateMaxGrade:
		result = s.ValidPercentages[0]
		for _, p := range s.ValidPercentages[1:] {
			if p > result {
				result = p
			}
		}
	case models.AggregateMinGrade:
		result = s.ValidPercentages[0]
		for _, p := range s.ValidPercentages[1:] {
			if p < result {
				result = p
			}
		}
	case models.AggregateAvgGrade:
		for _, p := range s.ValidPercentages {
			result += p
		}
		result /= float64(len(s.ValidPercentages))
	case models.AggregateUseEarliest:
		result = s.ValidPercentages[0]
	case models.AggregateUseLatest:
		result = s.ValidPercentages[len(s.ValidPercentages)-1]
	default:
		return nil
	}
	return &result
}
