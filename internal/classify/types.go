package classify

import "github.com/teemow/inboxrank/internal/mail"

// Category is the single category the rule cascade picks for a message.
type Category string

const (
	CategoryWork       Category = "Work"
	CategoryPromotions Category = "Promotions"
	CategoryFinance    Category = "Finance"
	CategoryPersonal   Category = "Personal"
)

// MessageType separates automated notifications from everything else.
type MessageType string

const (
	TypeNotification MessageType = "Notification"
	TypeGeneral      MessageType = "General"
)

// RiskLevel buckets a risk score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// AnnotatedMessage is a RawMessage plus everything the pipeline derived
// from it. It encodes to a flat JSON object.
type AnnotatedMessage struct {
	mail.RawMessage

	PriorityScore      int         `json:"priority_score"`
	Category           Category    `json:"category"`
	CategoryConfidence float64     `json:"category_confidence"`
	Summary            string      `json:"summary"`
	Urgent             bool        `json:"urgent"`
	Type               MessageType `json:"type"`
	RiskScore          int         `json:"risk_score"`
	RiskLevel          RiskLevel   `json:"risk_level"`
}

// CountByCategory tallies msgs per category.
func CountByCategory(msgs []AnnotatedMessage) map[Category]int {
	counts := make(map[Category]int)
	for _, m := range msgs {
		counts[m.Category]++
	}
	return counts
}
