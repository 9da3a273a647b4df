package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/white/activity-engine/internal/models"
)

const (
	trendWindow         = 3
	trendThreshold      = 10
	followUpAfter       = 7 * 24 * time.Hour
	inactiveRiskAfter   = 14 * 24 * time.Hour
	negativeRiskShare   = 0.30
	meetingSuggestAfter = 3
)

var milestoneTypes = map[models.ActivityType]bool{
	models.ActivityTypeDemo:     true,
	models.ActivityTypeProposal: true,
	models.ActivityTypeContract: true,
	models.ActivityTypeMeeting:  true,
}

// SortChronological returns a copy of activities ordered by creation time,
// ties broken by id
func SortChronological(activities []*models.Activity) []*models.Activity {
	sorted := make([]*models.Activity, 0, len(activities))
	for _, a := range activities {
		if a != nil {
			sorted = append(sorted, a)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// BuildTimeline derives the interaction timeline for a contact. The input
// order does not matter.
func BuildTimeline(contactID string, activities []*models.Activity, now time.Time) *models.InteractionTimeline {
	sorted := SortChronological(activities)

	timeline := &models.InteractionTimeline{
		ContactID:            contactID,
		Activities:           sorted,
		Milestones:           Milestones(sorted),
		EngagementScore:      EngagementScore(sorted),
		EngagementTrend:      Trend(sorted),
		NextSuggestedActions: []models.SuggestedAction{},
		RiskFactors:          []models.RiskFactor{},
	}
	if n := len(sorted); n > 0 {
		last := sorted[n-1].CreatedAt
		timeline.LastActivityAt = &last
	}

	timeline.NextSuggestedActions = suggestActions(sorted, now)
	timeline.RiskFactors = riskFactors(sorted, timeline.EngagementTrend, now)

	return timeline
}

// Milestones extracts milestones from chronologically sorted activities
func Milestones(sorted []*models.Activity) []models.Milestone {
	milestones := []models.Milestone{}
	for i, a := range sorted {
		if i == 0 {
			milestones = append(milestones, models.Milestone{
				Date:        a.CreatedAt,
				Title:       "First Contact",
				Type:        a.Type,
				Description: a.Subject,
				Impact:      models.InsightPositive,
				ActivityID:  a.ID,
			})
			continue
		}
		if !milestoneTypes[a.Type] {
			continue
		}
		milestones = append(milestones, models.Milestone{
			Date:        a.CreatedAt,
			Title:       milestoneTitle(a.Type),
			Type:        a.Type,
			Description: a.Subject,
			Impact:      outcomeImpact(a.Outcome),
			ActivityID:  a.ID,
		})
	}
	return milestones
}

func milestoneTitle(t models.ActivityType) string {
	switch t {
	case models.ActivityTypeDemo:
		return "Product Demo"
	case models.ActivityTypeProposal:
		return "Proposal Sent"
	case models.ActivityTypeContract:
		return "Contract"
	default:
		return "Meeting Held"
	}
}

func outcomeImpact(o models.Outcome) string {
	switch o {
	case models.OutcomePositive:
		return models.InsightPositive
	case models.OutcomeNegative:
		return models.InsightNegative
	default:
		return models.InsightNeutral
	}
}

// Trend compares the score of the latest three activities with the three
// before them. Fewer than four activities is always stable.
func Trend(sorted []*models.Activity) models.EngagementTrend {
	n := len(sorted)
	if n < trendWindow+1 {
		return models.TrendStable
	}
	recent := sorted[n-trendWindow:]
	previous := sorted[max(0, n-2*trendWindow) : n-trendWindow]

	diff := EngagementScore(recent) - EngagementScore(previous)
	switch {
	case diff > trendThreshold:
		return models.TrendIncreasing
	case diff < -trendThreshold:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}

func suggestActions(sorted []*models.Activity, now time.Time) []models.SuggestedAction {
	actions := []models.SuggestedAction{}
	if len(sorted) == 0 {
		return append(actions, models.SuggestedAction{
			Action:          "Reach out to establish first contact",
			Priority:        models.PriorityMedium,
			Reason:          "No interactions recorded for this contact",
			ExpectedOutcome: "Open a conversation and qualify interest",
		})
	}

	last := sorted[len(sorted)-1]
	if since := now.Sub(last.CreatedAt); since > followUpAfter {
		actions = append(actions, models.SuggestedAction{
			Action:          "Schedule follow-up call",
			Priority:        models.PriorityHigh,
			Reason:          fmt.Sprintf("Last interaction was %d days ago", int(since.Hours()/24)),
			ExpectedOutcome: "Re-engage the contact before interest fades",
		})
	}

	switch {
	case last.Type == models.ActivityTypeDemo && last.Outcome == models.OutcomePositive:
		actions = append(actions, models.SuggestedAction{
			Action:          "Send proposal",
			Priority:        models.PriorityHigh,
			Reason:          "The latest demo went well",
			ExpectedOutcome: "Move the opportunity to negotiation",
		})
	case last.Type == models.ActivityTypeProposal &&
		(last.Outcome == models.OutcomePositive || last.Outcome == models.OutcomePending):
		actions = append(actions, models.SuggestedAction{
			Action:          "Follow up on proposal",
			Priority:        models.PriorityMedium,
			Reason:          "A proposal is awaiting a decision",
			ExpectedOutcome: "Address open questions and secure commitment",
		})
	}

	overdue := 0
	hasMeeting := false
	for _, a := range sorted {
		if a.Status == models.StatusPlanned && a.ScheduledAt != nil && a.ScheduledAt.Before(now) {
			overdue++
		}
		if a.Type == models.ActivityTypeMeeting || a.Type == models.ActivityTypeDemo {
			hasMeeting = true
		}
	}
	if overdue > 0 {
		actions = append(actions, models.SuggestedAction{
			Action:          "Complete overdue activities",
			Priority:        models.PriorityMedium,
			Reason:          fmt.Sprintf("%d planned activities are past their scheduled time", overdue),
			ExpectedOutcome: "Keep commitments made to the contact",
		})
	}
	if !hasMeeting && len(sorted) >= meetingSuggestAfter {
		actions = append(actions, models.SuggestedAction{
			Action:          "Schedule a discovery meeting",
			Priority:        models.PriorityLow,
			Reason:          "Several touchpoints without a live conversation",
			ExpectedOutcome: "Understand needs in depth",
		})
	}

	return actions
}

func riskFactors(sorted []*models.Activity, trend models.EngagementTrend, now time.Time) []models.RiskFactor {
	risks := []models.RiskFactor{}
	if len(sorted) == 0 {
		return risks
	}

	last := sorted[len(sorted)-1]
	if since := now.Sub(last.CreatedAt); since >= inactiveRiskAfter {
		risks = append(risks, models.RiskFactor{
			Factor:      "No recent activity",
			Severity:    models.SeverityHigh,
			Description: fmt.Sprintf("No interaction in the last %d days", int(since.Hours()/24)),
			Mitigation:  "Reach out with a relevant update or offer",
		})
	}

	negative := 0
	for _, a := range sorted {
		if a.Outcome == models.OutcomeNegative {
			negative++
		}
	}
	if float64(negative)/float64(len(sorted)) > negativeRiskShare {
		risks = append(risks, models.RiskFactor{
			Factor:      "High negative interaction rate",
			Severity:    models.SeverityMedium,
			Description: fmt.Sprintf("%d of %d interactions were negative", negative, len(sorted)),
			Mitigation:  "Escalate to a senior representative and address concerns directly",
		})
	}

	if trend == models.TrendDecreasing {
		risks = append(risks, models.RiskFactor{
			Factor:      "Declining engagement",
			Severity:    models.SeverityMedium,
			Description: "Recent interactions scored lower than earlier ones",
			Mitigation:  "Change approach or channel for the next touchpoint",
		})
	}

	cancelled := 0
	for _, a := range sorted[max(0, len(sorted)-trendWindow):] {
		if a.Status == models.StatusCancelled || a.Status == models.StatusRescheduled {
			cancelled++
		}
	}
	if cancelled >= 2 {
		risks = append(risks, models.RiskFactor{
			Factor:      "Repeated cancellations",
			Severity:    models.SeverityLow,
			Description: "Recent activities were cancelled or rescheduled",
			Mitigation:  "Confirm availability before booking the next activity",
		})
	}

	return risks
}
