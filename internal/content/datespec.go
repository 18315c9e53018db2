package content

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

// Date specs are either an absolute ISO date (2024-01-05) or a course-week
// anchor ("start week 3", "end week 3", 1-based, weeks starting on the
// Monday on or before the course start date). Either form may carry trailing
// modifiers: an "@ HH:MM" time-of-day and any number of "+/- N unit" offsets.
var (
	absoluteDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	weekSpecRe     = regexp.MustCompile(`^(start|end)\s+week\s+(\d+)$`)
	timeOfDayRe    = regexp.MustCompile(`^(.*?)\s*@\s*([0-2]?[0-9]):([0-5][0-9])$`)
	offsetRe       = regexp.MustCompile(`^(.*?)\s*([+-])\s*(\d+)\s*(week|day|hour|minute)s?$`)
)

// ParseDateSpec resolves a date spec against a course. The result is in UTC.
func ParseDateSpec(course *models.Course, spec string) (time.Time, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return time.Time{}, appErrors.Clone(appErrors.ErrInvalidDateSpec, "empty date spec")
	}

	var offset time.Duration
	var hour, minute = -1, -1

	// Peel trailing modifiers. The time-of-day marker may appear at most
	// once and sets the clock on the base date; offsets are added on top
	// regardless of written order.
	for {
		if m := offsetRe.FindStringSubmatch(spec); m != nil {
			n, _ := strconv.Atoi(m[3])
			var unit time.Duration
			switch m[4] {
			case "week":
				unit = 7 * 24 * time.Hour
			case "day":
				unit = 24 * time.Hour
			case "hour":
				unit = time.Hour
			case "minute":
				unit = time.Minute
			}
			d := time.Duration(n) * unit
			if m[2] == "-" {
				d = -d
			}
			offset += d
			spec = m[1]
			continue
		}
		if m := timeOfDayRe.FindStringSubmatch(spec); m != nil {
			if hour >= 0 {
				return time.Time{}, appErrors.Clone(appErrors.ErrInvalidDateSpec, "duplicate time of day in date spec")
			}
			h, _ := strconv.Atoi(m[2])
			if h > 23 {
				return time.Time{}, appErrors.Clone(appErrors.ErrInvalidDateSpec,
					fmt.Sprintf("hour out of range in date spec %q", spec))
			}
			hour = h
			minute, _ = strconv.Atoi(m[3])
			spec = m[1]
			continue
		}
		break
	}
	spec = strings.TrimSpace(spec)

	base, err := parseBase(course, spec)
	if err != nil {
		return time.Time{}, err
	}
	if hour >= 0 {
		base = time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, time.UTC)
	}
	return base.Add(offset), nil
}

func parseBase(course *models.Course, spec string) (time.Time, error) {
	if absoluteDateRe.MatchString(spec) {
		t, err := time.ParseInLocation("2006-01-02", spec, time.UTC)
		if err != nil {
			return time.Time{}, appErrors.WrapAs(err, appErrors.ErrInvalidDateSpec,
				fmt.Sprintf("invalid date %q", spec))
		}
		return t, nil
	}

	if m := weekSpecRe.FindStringSubmatch(spec); m != nil {
		if course == nil {
			return time.Time{}, appErrors.Clone(appErrors.ErrInvalidDateSpec,
				"course-relative date spec resolved without a course")
		}
		week, _ := strconv.Atoi(m[2])
		if week < 1 {
			return time.Time{}, appErrors.Clone(appErrors.ErrInvalidDateSpec,
				fmt.Sprintf("week number must be at least 1 in %q", spec))
		}
		weekStart := courseWeekOrigin(course).AddDate(0, 0, (week-1)*7)
		if m[1] == "end" {
			return weekStart.AddDate(0, 0, 7), nil
		}
		return weekStart, nil
	}

	return time.Time{}, appErrors.Clone(appErrors.ErrInvalidDateSpec,
		fmt.Sprintf("unrecognized date spec %q", spec))
}

// courseWeekOrigin is the Monday on or before the course start date, at
// midnight UTC. Week 1 begins there.
func courseWeekOrigin(course *models.Course) time.Time {
	start := course.StartDate.UTC()
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	back := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -back)
}
