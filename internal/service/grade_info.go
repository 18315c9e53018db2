package service

import (
	"github.com/inducer/relate-sub000/internal/models"
	"github.com/inducer/relate-sub000/internal/page"
)

// GradeInfo tallies points and page outcomes for one session.
//
// Points stays nil while any required gradable page has unknown
// correctness: a session cannot claim a final score while a contributing
// page is ungraded. ProvisionalPoints assumes unknown pages score zero.
type GradeInfo struct {
	Points             *float64 `json:"points,omitempty"`
	ProvisionalPoints  float64  `json:"provisional_points"`
	MaxPoints          float64  `json:"max_points"`
	MaxReachablePoints float64  `json:"max_reachable_points"`

	FullyCorrectCount     int `json:"fully_correct_count"`
	PartiallyCorrectCount int `json:"partially_correct_count"`
	IncorrectCount        int `json:"incorrect_count"`
	UnknownCount          int `json:"unknown_count"`

	OptionalFullyCorrectCount     int `json:"optional_fully_correct_count"`
	OptionalPartiallyCorrectCount int `json:"optional_partially_correct_count"`
	OptionalIncorrectCount        int `json:"optional_incorrect_count"`
	OptionalUnknownCount          int `json:"optional_unknown_count"`
}

// gatherGradeInfo walks the laid-out pages in ordinal order and tallies
// their most recent grades under the given grading rule. pages must be the
// laid-out rows only; visits maps page data IDs to each page's current
// answer visit and grade.
func gatherGradeInfo(
	rule *models.GradingRule,
	pages []models.FlowPageData,
	pageObjs []page.Page,
	visits map[string]models.AnswerVisit,
) GradeInfo {
	bonus := rule.BonusPoints
	points := &bonus
	info := GradeInfo{
		ProvisionalPoints:  bonus,
		MaxPoints:          bonus,
		MaxReachablePoints: bonus,
	}

	for i := range pages {
		pd := &pages[i]
		p := pageObjs[i]

		av, answered := visits[pd.ID]
		if !answered {
			continue
		}
		if !p.IsAnswerGradable() {
			continue
		}
		grade := av.Grade

		if p.IsOptional() {
			if grade == nil || grade.Correctness == nil {
				info.OptionalUnknownCount++
				continue
			}
			switch *grade.Correctness {
			case 1:
				info.OptionalFullyCorrectCount++
			case 0:
				info.OptionalIncorrectCount++
			default:
				info.OptionalPartiallyCorrectCount++
			}
			continue
		}

		if grade == nil {
			info.UnknownCount++
			points = nil
			continue
		}

		info.MaxPoints += grade.MaxPoints
		if grade.Correctness == nil {
			info.UnknownCount++
			points = nil
			continue
		}

		info.MaxReachablePoints += grade.MaxPoints
		pagePoints := grade.MaxPoints * *grade.Correctness
		if points != nil {
			*points += pagePoints
		}
		info.ProvisionalPoints += pagePoints

		if grade.MaxPoints > 0 {
			switch *grade.Correctness {
			case 1:
				info.FullyCorrectCount++
			case 0:
				info.IncorrectCount++
			default:
				info.PartiallyCorrectCount++
			}
		}
	}

	if rule.MaxPoints != nil {
		info.MaxPoints = *rule.MaxPoints
	}
	if rule.MaxPointsEnforcedCap != nil {
		limit := *rule.MaxPointsEnforcedCap
		if info.MaxReachablePoints > limit {
			info.MaxReachablePoints = limit
		}
		if points != nil && *points > limit {
			*points = limit
		}
		if info.ProvisionalPoints > limit {
			info.ProvisionalPoints = limit
		}
	}

	info.Points = points
	return info
}
