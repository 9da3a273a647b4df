package analytics

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/white/activity-engine/internal/models"
)

var refNow = time.Date(2026, time.May, 14, 15, 30, 0, 0, time.UTC)

func act(id string, outcome models.Outcome, status models.ActivityStatus, created time.Time) *models.Activity {
	return &models.Activity{
		ID:        id,
		UserID:    "u1",
		Type:      models.ActivityTypeCall,
		Channel:   models.ChannelCall,
		Subject:   "subject " + id,
		Outcome:   outcome,
		Status:    status,
		CreatedBy: "u1",
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestEngagementScore_Weights(t *testing.T) {
	tests := []struct {
		name       string
		activities []*models.Activity
		want       int
	}{
		{"empty", nil, 0},
		{"positive completed", []*models.Activity{act("a", models.OutcomePositive, models.StatusCompleted, refNow)}, 12},
		{"neutral planned", []*models.Activity{act("a", models.OutcomeNeutral, models.StatusPlanned, refNow)}, 5},
		{"pending completed", []*models.Activity{act("a", models.OutcomePending, models.StatusCompleted, refNow)}, 2},
		{"mixed", []*models.Activity{
			act("a", models.OutcomePositive, models.StatusCompleted, refNow),
			act("b", models.OutcomeNegative, models.StatusCompleted, refNow),
			act("c", models.OutcomeNeutral, models.StatusPlanned, refNow),
		}, 12 - 3 + 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EngagementScore(tt.activities))
		})
	}
}

func TestEngagementScore_NeverNegative(t *testing.T) {
	var activities []*models.Activity
	for i := 0; i < 50; i++ {
		activities = append(activities, act(fmt.Sprintf("n%d", i), models.OutcomeNegative, models.StatusPlanned, refNow))
		require.GreaterOrEqual(t, EngagementScore(activities), 0)
	}
	assert.Equal(t, 0, EngagementScore(activities))
}

func TestEngagementScore_MonotonicOnPositiveCompleted(t *testing.T) {
	outcomes := []models.Outcome{models.OutcomeNegative, models.OutcomeNeutral, models.OutcomePositive, models.OutcomePending}
	var activities []*models.Activity
	for i := 0; i < 20; i++ {
		activities = append(activities, act(fmt.Sprintf("x%d", i), outcomes[i%len(outcomes)], models.StatusPlanned, refNow))
		before := EngagementScore(activities)
		extended := append(append([]*models.Activity{}, activities...),
			act("extra", models.OutcomePositive, models.StatusCompleted, refNow))
		assert.GreaterOrEqual(t, EngagementScore(extended), before)
	}
}

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		period models.Period
		want   time.Time
	}{
		{models.PeriodDay, time.Date(2026, time.May, 14, 0, 0, 0, 0, time.UTC)},
		{models.PeriodWeek, refNow.AddDate(0, 0, -7)},
		{models.PeriodMonth, time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)},
		{models.PeriodQuarter, time.Date(2026, time.April, 1, 0, 0, 0, 0, time.UTC)},
		{models.PeriodYear, time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)},
		{"fortnight", refNow.Add(-30 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(string(tt.period), func(t *testing.T) {
			assert.True(t, tt.want.Equal(PeriodStart(tt.period, refNow)), "got %v", PeriodStart(tt.period, refNow))
		})
	}
}

func TestPeriodStart_QuarterBoundaries(t *testing.T) {
	for month, want := range map[time.Month]time.Month{
		time.January: time.January, time.March: time.January,
		time.April: time.April, time.September: time.July,
		time.October: time.October, time.December: time.October,
	} {
		now := time.Date(2026, month, 15, 9, 0, 0, 0, time.UTC)
		assert.Equal(t, want, PeriodStart(models.PeriodQuarter, now).Month(), "month %s", month)
	}
}

func TestCompute_EmptyIsZeroed(t *testing.T) {
	report := Compute("u1", nil, models.PeriodWeek, refNow)

	assert.Equal(t, 0, report.TotalActivities)
	assert.Zero(t, report.CompletionRate)
	assert.Zero(t, report.AverageResponseTime)
	assert.Zero(t, report.EngagementScore)
	assert.Empty(t, report.Trends)
	assert.Empty(t, report.Insights)
	assert.Empty(t, report.TopPerformers)
}

func TestCompute_SingleCompletedPositiveCall(t *testing.T) {
	a := act("a1", models.OutcomePositive, models.StatusCompleted, refNow.Add(-time.Minute))

	report := Compute("u1", []*models.Activity{a}, models.PeriodDay, refNow)

	assert.Equal(t, 1, report.TotalActivities)
	assert.Equal(t, 100.0, report.CompletionRate)
	assert.Equal(t, 12, report.EngagementScore)
	assert.Equal(t, 1, report.ActivitiesByType[models.ActivityTypeCall])
	assert.Equal(t, 1, report.ActivitiesByUser["u1"])
	require.Len(t, report.TopPerformers, 1)
	assert.Equal(t, "u1", report.TopPerformers[0].UserID)
}

func TestCompute_FiltersByPeriodAndGroups(t *testing.T) {
	old := act("old", models.OutcomePositive, models.StatusCompleted, refNow.AddDate(0, 0, -20))
	a := act("a", models.OutcomePositive, models.StatusCompleted, refNow.Add(-2*time.Hour))
	b := act("b", models.OutcomeNegative, models.StatusPlanned, refNow.AddDate(0, 0, -2))
	b.Type = models.ActivityTypeEmail
	b.Channel = models.ChannelEmail
	b.CreatedBy = "u2"

	report := Compute("u1", []*models.Activity{old, a, b}, models.PeriodWeek, refNow)

	assert.Equal(t, 2, report.TotalActivities)
	assert.Equal(t, 50.0, report.CompletionRate)
	assert.Equal(t, map[models.ActivityType]int{models.ActivityTypeCall: 1, models.ActivityTypeEmail: 1}, report.ActivitiesByType)
	assert.Equal(t, map[models.Channel]int{models.ChannelCall: 1, models.ChannelEmail: 1}, report.ActivitiesByChannel)
	assert.Equal(t, map[models.Outcome]int{models.OutcomePositive: 1, models.OutcomeNegative: 1}, report.ActivitiesByOutcome)
	assert.Equal(t, map[string]int{"u1": 1, "u2": 1}, report.ActivitiesByUser)
	require.Len(t, report.Trends, 2)
	assert.Less(t, report.Trends[0].Date, report.Trends[1].Date)
	assert.Equal(t, 1, report.Trends[1].Outcomes[models.OutcomePositive])
}

func TestCompute_AverageResponseTime(t *testing.T) {
	scheduled := refNow.Add(-10 * time.Hour)
	completed := refNow.Add(-4 * time.Hour)
	a := act("a", models.OutcomePositive, models.StatusCompleted, refNow.Add(-11*time.Hour))
	a.ScheduledAt = &scheduled
	a.CompletedAt = &completed
	b := act("b", models.OutcomeNeutral, models.StatusCompleted, refNow.Add(-time.Hour))
	b.CompletedAt = &completed

	report := Compute("u1", []*models.Activity{a, b}, models.PeriodWeek, refNow)

	assert.InDelta(t, 6.0, report.AverageResponseTime, 1e-9)
}

func TestCompute_CompletionRateBounds(t *testing.T) {
	statuses := []models.ActivityStatus{models.StatusCompleted, models.StatusPlanned, models.StatusCancelled}
	var activities []*models.Activity
	for i := 0; i < 30; i++ {
		activities = append(activities, act(fmt.Sprintf("c%d", i), models.OutcomeNeutral, statuses[i%len(statuses)], refNow.Add(-time.Duration(i)*time.Hour)))
		report := Compute("u1", activities, models.PeriodMonth, refNow)
		assert.GreaterOrEqual(t, report.CompletionRate, 0.0)
		assert.LessOrEqual(t, report.CompletionRate, 100.0)
	}
}

func TestCompute_Idempotent(t *testing.T) {
	var activities []*models.Activity
	for i := 0; i < 12; i++ {
		a := act(fmt.Sprintf("i%d", i), models.OutcomePositive, models.StatusCompleted, refNow.Add(-time.Duration(i)*7*time.Hour))
		a.CreatedBy = fmt.Sprintf("user-%d", i%4)
		activities = append(activities, a)
	}

	first := Compute("u1", activities, models.PeriodWeek, refNow)
	second := Compute("u1", activities, models.PeriodWeek, refNow)

	assert.Equal(t, first, second)
}

func TestInsights_Rules(t *testing.T) {
	var activities []*models.Activity
	for i := 0; i < 5; i++ {
		activities = append(activities, act(fmt.Sprintf("p%d", i), models.OutcomeNegative, models.StatusCompleted, refNow.Add(-time.Hour)))
	}

	report := Compute("u1", activities, models.PeriodDay, refNow)

	types := map[string]int{}
	for _, in := range report.Insights {
		types[in.Type]++
		assert.NotEmpty(t, in.Insight)
		assert.NotEmpty(t, in.Impact)
	}
	// completion 100% (positive), score 0 (negative), all negative (negative), single channel (neutral)
	assert.Equal(t, 1, types[models.InsightPositive])
	assert.Equal(t, 2, types[models.InsightNegative])
	assert.Equal(t, 1, types[models.InsightNeutral])
}
