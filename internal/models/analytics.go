package models

import (
	"strings"
	"time"
)

// Period names an analytics reporting window
type Period string

const (
	PeriodDay     Period = "day"
	PeriodWeek    Period = "week"
	PeriodMonth   Period = "month"
	PeriodQuarter Period = "quarter"
	PeriodYear    Period = "year"
)

// KnownPeriods lists the named periods, used for cache invalidation
var KnownPeriods = []Period{PeriodDay, PeriodWeek, PeriodMonth, PeriodQuarter, PeriodYear}

// ParsePeriod normalizes a period string. Unknown values are returned as-is
// and resolve to a trailing 30-day window.
func ParsePeriod(s string) Period {
	return Period(strings.ToLower(strings.TrimSpace(s)))
}

// Insight statement types and impacts
const (
	InsightPositive = "positive"
	InsightNegative = "negative"
	InsightNeutral  = "neutral"

	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"
)

// Insight is a rule-derived statement about an activity set
type Insight struct {
	Insight        string `json:"insight"`
	Type           string `json:"type"`
	Impact         string `json:"impact"`
	Recommendation string `json:"recommendation,omitempty"`
}

// TrendPoint is one calendar-day bucket of activity
type TrendPoint struct {
	Date     string          `json:"date"`
	Count    int             `json:"count"`
	Outcomes map[Outcome]int `json:"outcomes"`
}

// Performer summarizes one user's activity within a period
type Performer struct {
	UserID          string `json:"userId"`
	Activities      int    `json:"activities"`
	Completed       int    `json:"completed"`
	Positive        int    `json:"positive"`
	EngagementScore int    `json:"engagementScore"`
}

// ActivityAnalytics is the derived report for a (user, period) pair
type ActivityAnalytics struct {
	UserID              string               `json:"userId"`
	Period              Period               `json:"period"`
	PeriodStart         time.Time            `json:"periodStart"`
	GeneratedAt         time.Time            `json:"generatedAt"`
	TotalActivities     int                  `json:"totalActivities"`
	ActivitiesByType    map[ActivityType]int `json:"activitiesByType"`
	ActivitiesByChannel map[Channel]int      `json:"activitiesByChannel"`
	ActivitiesByOutcome map[Outcome]int      `json:"activitiesByOutcome"`
	ActivitiesByUser    map[string]int       `json:"activitiesByUser"`
	AverageResponseTime float64              `json:"averageResponseTime"`
	CompletionRate      float64              `json:"completionRate"`
	EngagementScore     int                  `json:"engagementScore"`
	Trends              []TrendPoint         `json:"trends"`
	TopPerformers       []Performer          `json:"topPerformers"`
	Insights            []Insight            `json:"insights"`
}

// Engagement trend classifications
type EngagementTrend string

const (
	TrendIncreasing EngagementTrend = "increasing"
	TrendDecreasing EngagementTrend = "decreasing"
	TrendStable     EngagementTrend = "stable"
)

// Milestone is a notable point in a contact's history
type Milestone struct {
	Date        time.Time    `json:"date"`
	Title       string       `json:"title"`
	Type        ActivityType `json:"type"`
	Description string       `json:"description,omitempty"`
	Impact      string       `json:"impact"`
	ActivityID  string       `json:"activityId"`
}

// SuggestedAction is a recommended next step for a contact
type SuggestedAction struct {
	Action          string   `json:"action"`
	Priority        Priority `json:"priority"`
	Reason          string   `json:"reason"`
	ExpectedOutcome string   `json:"expectedOutcome"`
}

// Risk severities
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// RiskFactor flags a threat to the relationship with a contact
type RiskFactor struct {
	Factor      string `json:"factor"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
	Mitigation  string `json:"mitigation,omitempty"`
}

// InteractionTimeline is the derived per-contact view
type InteractionTimeline struct {
	ContactID            string            `json:"contactId"`
	Activities           []*Activity       `json:"activities"`
	Milestones           []Milestone       `json:"milestones"`
	EngagementScore      int               `json:"engagementScore"`
	EngagementTrend      EngagementTrend   `json:"engagementTrend"`
	LastActivityAt       *time.Time        `json:"lastActivityAt,omitempty"`
	NextSuggestedActions []SuggestedAction `json:"nextSuggestedActions"`
	RiskFactors          []RiskFactor      `json:"riskFactors"`
	Insights             []string          `json:"insights,omitempty"`
}

// DeadLetter records a post-processing job that could not be completed
type DeadLetter struct {
	ID         string    `bson:"_id" json:"id"`
	JobKind    string    `bson:"job_kind" json:"jobKind"`
	ActivityID string    `bson:"activity_id,omitempty" json:"activityId,omitempty"`
	Payload    string    `bson:"payload" json:"payload"`
	Attempts   int       `bson:"attempts" json:"attempts"`
	Reason     string    `bson:"reason" json:"reason"`
	LastError  string    `bson:"last_error,omitempty" json:"lastError,omitempty"`
	FailedAt   time.Time `bson:"failed_at" json:"failedAt"`
}
