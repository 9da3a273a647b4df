package analytics

import (
	"fmt"
	"sort"

	"github.com/white/activity-engine/internal/models"
)

// Insight thresholds
const (
	highCompletionRate   = 80.0
	lowEngagementScore   = 50
	negativeShareLimit   = 0.30
	slowResponseHours    = 48.0
	dominantChannelShare = 0.70
)

// Insights applies the rule set to a computed report. An empty report
// yields no insights.
func Insights(report *models.ActivityAnalytics) []models.Insight {
	insights := []models.Insight{}
	if report.TotalActivities == 0 {
		return insights
	}

	if report.CompletionRate > highCompletionRate {
		insights = append(insights, models.Insight{
			Insight:        fmt.Sprintf("High completion rate of %.1f%%", report.CompletionRate),
			Type:           models.InsightPositive,
			Impact:         models.ImpactHigh,
			Recommendation: "Keep the current follow-through cadence",
		})
	}

	if report.EngagementScore < lowEngagementScore {
		insights = append(insights, models.Insight{
			Insight:        fmt.Sprintf("Engagement score of %d is below target", report.EngagementScore),
			Type:           models.InsightNegative,
			Impact:         models.ImpactMedium,
			Recommendation: "Increase personalized outreach and schedule more two-way conversations",
		})
	}

	negative := report.ActivitiesByOutcome[models.OutcomeNegative]
	if float64(negative)/float64(report.TotalActivities) > negativeShareLimit {
		insights = append(insights, models.Insight{
			Insight:        fmt.Sprintf("%d of %d interactions ended negatively", negative, report.TotalActivities),
			Type:           models.InsightNegative,
			Impact:         models.ImpactHigh,
			Recommendation: "Review recent negative interactions for common objections",
		})
	}

	if report.AverageResponseTime > slowResponseHours {
		insights = append(insights, models.Insight{
			Insight:        fmt.Sprintf("Average response time is %.1f hours", report.AverageResponseTime),
			Type:           models.InsightNegative,
			Impact:         models.ImpactMedium,
			Recommendation: "Shorten the gap between scheduling and completing activities",
		})
	}

	if channel, count := dominantChannel(report.ActivitiesByChannel); channel != "" &&
		float64(count)/float64(report.TotalActivities) > dominantChannelShare {
		insights = append(insights, models.Insight{
			Insight:        fmt.Sprintf("Most interactions happen over %s", channel),
			Type:           models.InsightNeutral,
			Impact:         models.ImpactLow,
			Recommendation: "Diversify outreach across additional channels",
		})
	}

	return insights
}

// dominantChannel returns the most used channel, ties broken by name
func dominantChannel(byChannel map[models.Channel]int) (models.Channel, int) {
	channels := make([]models.Channel, 0, len(byChannel))
	for c := range byChannel {
		channels = append(channels, c)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	var best models.Channel
	bestCount := 0
	for _, c := range channels {
		if byChannel[c] > bestCount {
			best, bestCount = c, byChannel[c]
		}
	}
	return best, bestCount
}
