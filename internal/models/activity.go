package models

import (
	"time"
)

// ActivityType classifies a recorded customer interaction
type ActivityType string

const (
	ActivityTypeCall              ActivityType = "call"
	ActivityTypeEmail             ActivityType = "email"
	ActivityTypeMeeting           ActivityType = "meeting"
	ActivityTypeDemo              ActivityType = "demo"
	ActivityTypeProposal          ActivityType = "proposal"
	ActivityTypeContract          ActivityType = "contract"
	ActivityTypeNote              ActivityType = "note"
	ActivityTypeTask              ActivityType = "task"
	ActivityTypeWebsiteVisit      ActivityType = "website_visit"
	ActivityTypeEmailOpen         ActivityType = "email_open"
	ActivityTypeEmailClick        ActivityType = "email_click"
	ActivityTypeFormSubmit        ActivityType = "form_submit"
	ActivityTypeSupportTicket     ActivityType = "support_ticket"
	ActivityTypeSocialInteraction ActivityType = "social_interaction"
)

var validActivityTypes = map[ActivityType]bool{
	ActivityTypeCall:              true,
	ActivityTypeEmail:             true,
	ActivityTypeMeeting:           true,
	ActivityTypeDemo:              true,
	ActivityTypeProposal:          true,
	ActivityTypeContract:          true,
	ActivityTypeNote:              true,
	ActivityTypeTask:              true,
	ActivityTypeWebsiteVisit:      true,
	ActivityTypeEmailOpen:         true,
	ActivityTypeEmailClick:        true,
	ActivityTypeFormSubmit:        true,
	ActivityTypeSupportTicket:     true,
	ActivityTypeSocialInteraction: true,
}

// Valid reports whether t is a known activity type
func (t ActivityType) Valid() bool {
	return validActivityTypes[t]
}

// Outcome is the result of an interaction
type Outcome string

const (
	OutcomePositive Outcome = "positive"
	OutcomeNeutral  Outcome = "neutral"
	OutcomeNegative Outcome = "negative"
	OutcomePending  Outcome = "pending"
)

// Valid reports whether o is a known outcome
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePositive, OutcomeNeutral, OutcomeNegative, OutcomePending:
		return true
	}
	return false
}

// ActivityStatus is the workflow state of an activity
type ActivityStatus string

const (
	StatusPlanned     ActivityStatus = "planned"
	StatusInProgress  ActivityStatus = "in_progress"
	StatusCompleted   ActivityStatus = "completed"
	StatusCancelled   ActivityStatus = "cancelled"
	StatusRescheduled ActivityStatus = "rescheduled"
)

// Valid reports whether s is a known status
func (s ActivityStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusInProgress, StatusCompleted, StatusCancelled, StatusRescheduled:
		return true
	}
	return false
}

// Priority of an activity
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Direction of an interaction relative to the organisation
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// Channel over which an interaction happened
type Channel string

const (
	ChannelCall    Channel = "call"
	ChannelEmail   Channel = "email"
	ChannelMeeting Channel = "meeting"
	ChannelChat    Channel = "chat"
	ChannelSocial  Channel = "social"
	ChannelWebsite Channel = "website"
	ChannelMobile  Channel = "mobile"
	ChannelOther   Channel = "other"
)

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	switch c {
	case ChannelCall, ChannelEmail, ChannelMeeting, ChannelChat, ChannelSocial,
		ChannelWebsite, ChannelMobile, ChannelOther:
		return true
	}
	return false
}

// SourceSequence marks activities created by a sequence step
const SourceSequence = "sequence"

// Participant is a person taking part in an activity
type Participant struct {
	Name       string `bson:"name" json:"name"`
	Email      string `bson:"email,omitempty" json:"email,omitempty"`
	Role       string `bson:"role,omitempty" json:"role,omitempty"`
	IsInternal bool   `bson:"is_internal" json:"isInternal"`
}

// Attachment is a file linked to an activity
type Attachment struct {
	Name       string `bson:"name" json:"name"`
	Type       string `bson:"type,omitempty" json:"type,omitempty"`
	Size       int64  `bson:"size,omitempty" json:"size,omitempty"`
	URL        string `bson:"url,omitempty" json:"url,omitempty"`
	UploadedBy string `bson:"uploaded_by,omitempty" json:"uploadedBy,omitempty"`
}

// ActivityMetadata records where an activity came from
type ActivityMetadata struct {
	Source      string `bson:"source,omitempty" json:"source,omitempty"`
	Campaign    string `bson:"campaign,omitempty" json:"campaign,omitempty"`
	SequenceID  string `bson:"sequence_id,omitempty" json:"sequenceId,omitempty"`
	Device      string `bson:"device,omitempty" json:"device,omitempty"`
	Browser     string `bson:"browser,omitempty" json:"browser,omitempty"`
	Location    string `bson:"location,omitempty" json:"location,omitempty"`
	IPAddress   string `bson:"ip_address,omitempty" json:"ipAddress,omitempty"`
	ReferrerURL string `bson:"referrer_url,omitempty" json:"referrerUrl,omitempty"`
}

// Activity represents a single recorded customer interaction
type Activity struct {
	ID           string           `bson:"_id,omitempty" json:"id"`
	UserID       string           `bson:"user_id" json:"userId"`
	ContactID    string           `bson:"contact_id,omitempty" json:"contactId,omitempty"`
	DealID       string           `bson:"deal_id,omitempty" json:"dealId,omitempty"`
	LeadID       string           `bson:"lead_id,omitempty" json:"leadId,omitempty"`
	Type         ActivityType     `bson:"type" json:"type"`
	Subtype      string           `bson:"subtype,omitempty" json:"subtype,omitempty"`
	Subject      string           `bson:"subject" json:"subject"`
	Description  string           `bson:"description,omitempty" json:"description,omitempty"`
	Outcome      Outcome          `bson:"outcome" json:"outcome"`
	Status       ActivityStatus   `bson:"status" json:"status"`
	Priority     Priority         `bson:"priority" json:"priority"`
	Direction    Direction        `bson:"direction,omitempty" json:"direction,omitempty"`
	Channel      Channel          `bson:"channel,omitempty" json:"channel,omitempty"`
	ScheduledAt  *time.Time       `bson:"scheduled_at,omitempty" json:"scheduledAt,omitempty"`
	StartedAt    *time.Time       `bson:"started_at,omitempty" json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `bson:"completed_at,omitempty" json:"completedAt,omitempty"`
	Participants []Participant    `bson:"participants,omitempty" json:"participants,omitempty"`
	Attachments  []Attachment     `bson:"attachments,omitempty" json:"attachments,omitempty"`
	Tags         []string         `bson:"tags,omitempty" json:"tags,omitempty"`
	CustomFields map[string]any   `bson:"custom_fields,omitempty" json:"customFields,omitempty"`
	Metadata     ActivityMetadata `bson:"metadata" json:"metadata"`
	CreatedBy    string           `bson:"created_by" json:"createdBy"`
	AssignedTo   string           `bson:"assigned_to,omitempty" json:"assignedTo,omitempty"`
	CreatedAt    time.Time        `bson:"created_at" json:"createdAt"`
	UpdatedAt    time.Time        `bson:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy of the activity
func (a *Activity) Clone() *Activity {
	if a == nil {
		return nil
	}
	c := *a
	c.ScheduledAt = cloneTime(a.ScheduledAt)
	c.StartedAt = cloneTime(a.StartedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	if a.Participants != nil {
		c.Participants = append([]Participant(nil), a.Participants...)
	}
	if a.Attachments != nil {
		c.Attachments = append([]Attachment(nil), a.Attachments...)
	}
	if a.Tags != nil {
		c.Tags = append([]string(nil), a.Tags...)
	}
	if a.CustomFields != nil {
		c.CustomFields = make(map[string]any, len(a.CustomFields))
		for k, v := range a.CustomFields {
			c.CustomFields[k] = v
		}
	}
	return &c
}

// HasTag reports whether the activity carries the given tag
func (a *Activity) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// FromSequence reports whether a sequence step created the activity
func (a *Activity) FromSequence() bool {
	return a.Metadata.Source == SourceSequence
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ActivityInput carries the caller-supplied fields for logging an activity
type ActivityInput struct {
	ContactID    string           `json:"contactId,omitempty"`
	DealID       string           `json:"dealId,omitempty"`
	LeadID       string           `json:"leadId,omitempty"`
	Type         ActivityType     `json:"type"`
	Subtype      string           `json:"subtype,omitempty"`
	Subject      string           `json:"subject"`
	Description  string           `json:"description,omitempty"`
	Outcome      Outcome          `json:"outcome,omitempty"`
	Status       ActivityStatus   `json:"status,omitempty"`
	Priority     Priority         `json:"priority,omitempty"`
	Direction    Direction        `json:"direction,omitempty"`
	Channel      Channel          `json:"channel,omitempty"`
	ScheduledAt  *time.Time       `json:"scheduledAt,omitempty"`
	StartedAt    *time.Time       `json:"startedAt,omitempty"`
	CompletedAt  *time.Time       `json:"completedAt,omitempty"`
	Participants []Participant    `json:"participants,omitempty"`
	Attachments  []Attachment     `json:"attachments,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	CustomFields map[string]any   `json:"customFields,omitempty"`
	Metadata     ActivityMetadata `json:"metadata"`
	CreatedBy    string           `json:"createdBy"`
	AssignedTo   string           `json:"assignedTo,omitempty"`
}

// ActivityPatch carries a partial update. Nil fields are left untouched.
type ActivityPatch struct {
	Subject      *string         `json:"subject,omitempty"`
	Description  *string         `json:"description,omitempty"`
	Subtype      *string         `json:"subtype,omitempty"`
	Outcome      *Outcome        `json:"outcome,omitempty"`
	Status       *ActivityStatus `json:"status,omitempty"`
	Priority     *Priority       `json:"priority,omitempty"`
	Direction    *Direction      `json:"direction,omitempty"`
	Channel      *Channel        `json:"channel,omitempty"`
	ContactID    *string         `json:"contactId,omitempty"`
	DealID       *string         `json:"dealId,omitempty"`
	LeadID       *string         `json:"leadId,omitempty"`
	AssignedTo   *string         `json:"assignedTo,omitempty"`
	ScheduledAt  *time.Time      `json:"scheduledAt,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Participants []Participant   `json:"participants,omitempty"`
	Attachments  []Attachment    `json:"attachments,omitempty"`
	CustomFields map[string]any  `json:"customFields,omitempty"`
}

// ActivityFilter narrows activity queries. Zero values are ignored.
type ActivityFilter struct {
	UserID    string         `json:"userId,omitempty"`
	ContactID string         `json:"contactId,omitempty"`
	DealID    string         `json:"dealId,omitempty"`
	LeadID    string         `json:"leadId,omitempty"`
	Types     []ActivityType `json:"types,omitempty"`
	Status    ActivityStatus `json:"status,omitempty"`
	Outcome   Outcome        `json:"outcome,omitempty"`
	Since     *time.Time     `json:"since,omitempty"`
	Until     *time.Time     `json:"until,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

// Matches reports whether the activity satisfies every set filter field
func (f ActivityFilter) Matches(a *Activity) bool {
	if f.UserID != "" && a.UserID != f.UserID {
		return false
	}
	if f.ContactID != "" && a.ContactID != f.ContactID {
		return false
	}
	if f.DealID != "" && a.DealID != f.DealID {
		return false
	}
	if f.LeadID != "" && a.LeadID != f.LeadID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if a.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Outcome != "" && a.Outcome != f.Outcome {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && a.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}
