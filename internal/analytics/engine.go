// Package analytics derives engagement scores, grouped tallies, trends and
// rule-based insights from activity sets. Every function here is pure: the
// same input and clock yield the same output, so results are safe to cache.
package analytics

import (
	"sort"
	"time"

	"github.com/white/activity-engine/internal/models"
)

// Score weights applied per activity
const (
	positiveWeight  = 10
	neutralWeight   = 5
	negativeWeight  = -5
	completedWeight = 2
)

// defaultWindow is used for unrecognized periods
const defaultWindow = 30 * 24 * time.Hour

// EngagementScore sums outcome and completion weights over the activities.
// The result is floored at zero.
func EngagementScore(activities []*models.Activity) int {
	score := 0
	for _, a := range activities {
		score += activityWeight(a)
	}
	if score < 0 {
		return 0
	}
	return score
}

func activityWeight(a *models.Activity) int {
	w := 0
	switch a.Outcome {
	case models.OutcomePositive:
		w += positiveWeight
	case models.OutcomeNeutral:
		w += neutralWeight
	case models.OutcomeNegative:
		w += negativeWeight
	}
	if a.Status == models.StatusCompleted {
		w += completedWeight
	}
	return w
}

// PeriodStart resolves the start of the reporting window ending at now
func PeriodStart(period models.Period, now time.Time) time.Time {
	y, m, d := now.Date()
	loc := now.Location()
	switch period {
	case models.PeriodDay:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case models.PeriodWeek:
		return now.AddDate(0, 0, -7)
	case models.PeriodMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case models.PeriodQuarter:
		qm := time.Month((int(m)-1)/3*3 + 1)
		return time.Date(y, qm, 1, 0, 0, 0, 0, loc)
	case models.PeriodYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
	default:
		return now.Add(-defaultWindow)
	}
}

// CompletionRate is the completed share of activities as a percentage
func CompletionRate(activities []*models.Activity) float64 {
	if len(activities) == 0 {
		return 0
	}
	completed := 0
	for _, a := range activities {
		if a.Status == models.StatusCompleted {
			completed++
		}
	}
	return float64(completed) / float64(len(activities)) * 100
}

// AverageResponseTime is the mean hours between scheduling and completion,
// over activities that carry both timestamps
func AverageResponseTime(activities []*models.Activity) float64 {
	var total float64
	n := 0
	for _, a := range activities {
		if a.ScheduledAt == nil || a.CompletedAt == nil {
			continue
		}
		total += a.CompletedAt.Sub(*a.ScheduledAt).Hours()
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Compute builds the analytics report for userID over period. Activities
// created before the period start are ignored. The input slice is not
// modified.
func Compute(userID string, activities []*models.Activity, period models.Period, now time.Time) *models.ActivityAnalytics {
	start := PeriodStart(period, now)

	inPeriod := make([]*models.Activity, 0, len(activities))
	for _, a := range activities {
		if a == nil || a.CreatedAt.Before(start) {
			continue
		}
		inPeriod = append(inPeriod, a)
	}

	report := &models.ActivityAnalytics{
		UserID:              userID,
		Period:              period,
		PeriodStart:         start,
		GeneratedAt:         now,
		TotalActivities:     len(inPeriod),
		ActivitiesByType:    make(map[models.ActivityType]int),
		ActivitiesByChannel: make(map[models.Channel]int),
		ActivitiesByOutcome: make(map[models.Outcome]int),
		ActivitiesByUser:    make(map[string]int),
		Trends:              []models.TrendPoint{},
		TopPerformers:       []models.Performer{},
		Insights:            []models.Insight{},
	}

	performers := make(map[string]*models.Performer)
	for _, a := range inPeriod {
		report.ActivitiesByType[a.Type]++
		if a.Channel != "" {
			report.ActivitiesByChannel[a.Channel]++
		}
		if a.Outcome != "" {
			report.ActivitiesByOutcome[a.Outcome]++
		}
		report.ActivitiesByUser[a.CreatedBy]++

		p, ok := performers[a.CreatedBy]
		if !ok {
			p = &models.Performer{UserID: a.CreatedBy}
			performers[a.CreatedBy] = p
		}
		p.Activities++
		p.EngagementScore += activityWeight(a)
		if a.Status == models.StatusCompleted {
			p.Completed++
		}
		if a.Outcome == models.OutcomePositive {
			p.Positive++
		}
	}

	report.AverageResponseTime = AverageResponseTime(inPeriod)
	report.CompletionRate = CompletionRate(inPeriod)
	report.EngagementScore = EngagementScore(inPeriod)
	report.Trends = Trends(inPeriod)
	report.TopPerformers = topPerformers(performers, 5)
	report.Insights = Insights(report)

	return report
}

// Trends buckets activities by calendar day (UTC), ascending by date
func Trends(activities []*models.Activity) []models.TrendPoint {
	buckets := make(map[string]*models.TrendPoint)
	for _, a := range activities {
		date := a.CreatedAt.UTC().Format(time.DateOnly)
		b, ok := buckets[date]
		if !ok {
			b = &models.TrendPoint{Date: date, Outcomes: make(map[models.Outcome]int)}
			buckets[date] = b
		}
		b.Count++
		if a.Outcome != "" {
			b.Outcomes[a.Outcome]++
		}
	}

	trends := make([]models.TrendPoint, 0, len(buckets))
	for _, b := range buckets {
		trends = append(trends, *b)
	}
	sort.Slice(trends, func(i, j int) bool {
		return trends[i].Date < trends[j].Date
	})
	return trends
}

func topPerformers(performers map[string]*models.Performer, limit int) []models.Performer {
	list := make([]models.Performer, 0, len(performers))
	for _, p := range performers {
		if p.EngagementScore < 0 {
			p.EngagementScore = 0
		}
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].EngagementScore != list[j].EngagementScore {
			return list[i].EngagementScore > list[j].EngagementScore
		}
		if list[i].Activities != list[j].Activities {
			return list[i].Activities > list[j].Activities
		}
		return list[i].UserID < list[j].UserID
	})
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}
