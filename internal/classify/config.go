package classify

import (
	"errors"
	"fmt"
	"slices"
)

// Field names the part of a message a Rule inspects.
type Field string

const (
	FieldSender  Field = "sender"
	FieldSubject Field = "subject"
	FieldBody    Field = "body"
)

// Rule assigns Category when Field contains any of Keywords, ignoring case.
type Rule struct {
	Category   Category `json:"category"`
	Field      Field    `json:"field"`
	Keywords   []string `json:"keywords"`
	Confidence float64  `json:"confidence"`
}

// Config drives the pipeline. Rules are evaluated in order and the first
// match wins; a message no rule matches gets Fallback.
type Config struct {
	Rules              []Rule   `json:"rules"`
	Fallback           Category `json:"fallback"`
	FallbackConfidence float64  `json:"fallback_confidence"`

	// SummaryLength is the number of characters kept before the ellipsis.
	SummaryLength int `json:"summary_length"`

	// NotificationKeywords mark a subject as TypeNotification.
	NotificationKeywords []string `json:"notification_keywords"`

	// A message is urgent when its priority exceeds UrgentPriority or its
	// body contains one of UrgentKeywords.
	UrgentPriority int      `json:"urgent_priority"`
	UrgentKeywords []string `json:"urgent_keywords"`

	// Risk scores above HighRisk are RiskHigh, above MediumRisk RiskMedium.
	HighRisk   int `json:"high_risk"`
	MediumRisk int `json:"medium_risk"`

	Risk RiskStrategy `json:"-"`
}

// DefaultSeed seeds the default FixedSeed risk strategy.
const DefaultSeed = 42

// DefaultConfig returns the stock rule cascade.
func DefaultConfig() Config {
	return Config{
		Rules: []Rule{
			{Category: CategoryWork, Field: FieldSender, Keywords: []string{"hr@", "recruit", "hiring", "careers"}, Confidence: 0.92},
			{Category: CategoryPromotions, Field: FieldSubject, Keywords: []string{"offer", "deal", "discount", "sale"}, Confidence: 0.88},
			{Category: CategoryFinance, Field: FieldSubject, Keywords: []string{"alert", "invoice", "payment", "transaction"}, Confidence: 0.90},
		},
		Fallback:             CategoryPersonal,
		FallbackConfidence:   0.75,
		SummaryLength:        150,
		NotificationKeywords: []string{"alert"},
		UrgentPriority:       75,
		UrgentKeywords:       []string{"urgent"},
		HighRisk:             70,
		MediumRisk:           40,
		Risk:                 FixedSeed{Seed: DefaultSeed},
	}
}

// Validate checks the configuration for values the pipeline cannot use.
func (c Config) Validate() error {
	for i, r := range c.Rules {
		if r.Category == "" {
			return fmt.Errorf("rule %d: category is required", i)
		}
		switch r.Field {
		case FieldSender, FieldSubject, FieldBody:
		default:
			return fmt.Errorf("rule %d: unknown field %q", i, r.Field)
		}
		if len(r.Keywords) == 0 {
			return fmt.Errorf("rule %d: at least one keyword is required", i)
		}
		if slices.Contains(r.Keywords, "") {
			return fmt.Errorf("rule %d: empty keyword matches everything", i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return fmt.Errorf("rule %d: confidence %v outside [0,1]", i, r.Confidence)
		}
	}
	if c.Fallback == "" {
		return errors.New("fallback category is required")
	}
	if c.FallbackConfidence < 0 || c.FallbackConfidence > 1 {
		return fmt.Errorf("fallback confidence %v outside [0,1]", c.FallbackConfidence)
	}
	if c.SummaryLength <= 0 {
		return errors.New("summary length must be positive")
	}
	if c.MediumRisk > c.HighRisk {
		return fmt.Errorf("medium risk threshold %d above high risk threshold %d", c.MediumRisk, c.HighRisk)
	}
	return nil
}
