package entity

import "time"

// Urgency grades how far the triggering behavior deviates from the
// trader's own baseline.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Nudge is a coaching message pushed to a session when a behavioral rule
// transitions from clean to violated.
type Nudge struct {
	ID        string       `json:"id"`
	Category  RuleCategory `json:"category"`
	Urgency   Urgency      `json:"urgency"`
	Title     string       `json:"title"`
	Message   string       `json:"message"`
	Trigger   string       `json:"trigger"`
	CreatedAt time.Time    `json:"created_at"`
}

// Celebration is the positive counterpart of a nudge, emitted when the
// discipline score crosses above the celebration threshold.
type Celebration struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
