package content

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inducer/relate-sub000/internal/models"
	appErrors "github.com/inducer/relate-sub000/pkg/errors"
)

func testCourse(start string) *models.Course {
	startDate, _ := time.Parse("2006-01-02", start)
	return &models.Course{ID: "course-1", Identifier: "cs101", StartDate: startDate}
}

func TestParseDateSpecAbsolute(t *testing.T) {
	got, err := ParseDateSpec(nil, "2024-01-05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), got)
}

func TestParseDateSpecWeeks(t *testing.T) {
	// 2024-01-03 is a Wednesday; week 1 begins Monday 2024-01-01.
	course := testCourse("2024-01-03")

	got, err := ParseDateSpec(course, "start week 1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseDateSpec(course, "end week 1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseDateSpec(course, "start week 3")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), got)
}

func TestParseDateSpecModifiers(t *testing.T) {
	course := testCourse("2024-01-01")

	got, err := ParseDateSpec(course, "start week 1 @ 23:59")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC), got)

	got, err = ParseDateSpec(course, "end week 2 - 1 day @ 17:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 14, 17, 0, 0, 0, time.UTC), got)

	got, err = ParseDateSpec(course, "2024-01-05 + 2 hours + 30 minutes")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 5, 2, 30, 0, 0, time.UTC), got)

	got, err = ParseDateSpec(course, "2024-01-05 + 1 week")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC), got)
}

func TestParseDateSpecErrors(t *testing.T) {
	course := testCourse("2024-01-01")

	cases := []struct {
		name string
		spec string
	}{
		{"empty", ""},
		{"garbage", "sometime soon"},
		{"week zero", "start week 0"},
		{"hour out of range", "2024-01-05 @ 25:00"},
		{"duplicate time of day", "2024-01-05 @ 10:00 @ 11:00"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDateSpec(course, tc.spec)
			require.Error(t, err)
			assert.True(t, errors.Is(err, appErrors.ErrInvalidDateSpec))
		})
	}
}

func TestParseDateSpecWeekWithoutCourse(t *testing.T) {
	_, err := ParseDateSpec(nil, "start week 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidDateSpec))
}
