package classify

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teemow/inboxrank/internal/mail"
)

var now = time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)

func newPipeline(cfg Config) *Pipeline {
	return New(cfg, WithNowFunc(func() time.Time { return now }))
}

func rfc5322(t time.Time) string {
	return t.Format(time.RFC1123Z)
}

func ids(msgs []AnnotatedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestRecencyWindow(t *testing.T) {
	tests := []struct {
		name string
		date string
		kept bool
	}{
		{name: "recent", date: rfc5322(now.Add(-time.Hour)), kept: true},
		{name: "exactly at the boundary", date: rfc5322(now.Add(-24 * time.Hour)), kept: true},
		{name: "just past the boundary", date: rfc5322(now.Add(-24*time.Hour - time.Second)), kept: false},
		{name: "other zone", date: now.Add(-23 * time.Hour).In(time.FixedZone("PDT", -7*3600)).Format(time.RFC1123Z), kept: true},
		{name: "fallback layout recent", date: "2025-10-15T01:00:00", kept: true},
		{name: "fallback layout old", date: "2025-10-13T01:00:00", kept: false},
		{name: "future", date: rfc5322(now.Add(48 * time.Hour)), kept: true},
		{name: "unparseable", date: "sometime last week", kept: true},
		{name: "empty", date: "", kept: true},
	}

	p := newPipeline(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := p.Classify([]mail.RawMessage{{ID: "m", Date: tt.date}}, 24*time.Hour, 0)
			if tt.kept {
				assert.Len(t, out, 1)
			} else {
				assert.Empty(t, out)
			}
		})
	}
}

func TestZeroWindowKeepsEverything(t *testing.T) {
	p := newPipeline(DefaultConfig())
	out := p.Classify([]mail.RawMessage{{ID: "old", Date: rfc5322(now.AddDate(-1, 0, 0))}}, 0, 0)
	assert.Len(t, out, 1)
}

func TestPriority(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
		want    int
	}{
		{name: "empty", want: 10},
		{name: "short", subject: "ab", body: "cde", want: 15},
		{name: "folds past 100", subject: strings.Repeat("x", 95), want: 100},
		{name: "wraps at 100", body: strings.Repeat("x", 120), want: 30},
		{name: "counts characters not bytes", subject: "héllo", want: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, priority(mail.RawMessage{Subject: tt.subject, Body: tt.body}))
		})
	}
}

func TestCategoryCascade(t *testing.T) {
	tests := []struct {
		name       string
		from       string
		subject    string
		want       Category
		confidence float64
	}{
		{name: "sender rule wins over subject", from: "hr@example.com", subject: "50% off sale", want: CategoryWork, confidence: 0.92},
		{name: "recruiter", from: "Jane <jane@Recruiting.io>", subject: "Hello", want: CategoryWork, confidence: 0.92},
		{name: "promotion", from: "shop@example.com", subject: "Big DEAL today", want: CategoryPromotions, confidence: 0.88},
		{name: "promotion before finance", from: "bank@example.com", subject: "Payment offer", want: CategoryPromotions, confidence: 0.88},
		{name: "finance", from: "bank@example.com", subject: "Your invoice", want: CategoryFinance, confidence: 0.90},
		{name: "fallback", from: "mom@example.com", subject: "Dinner?", want: CategoryPersonal, confidence: 0.75},
	}

	p := newPipeline(DefaultConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := p.Classify([]mail.RawMessage{{ID: "m", From: tt.from, Subject: tt.subject}}, 0, 0)
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, out[0].Category)
			assert.InDelta(t, tt.confidence, out[0].CategoryConfidence, 1e-9)
		})
	}
}

func TestCustomRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = []Rule{{Category: "Travel", Field: FieldBody, Keywords: []string{"boarding pass"}, Confidence: 0.6}}
	cfg.Fallback = "Other"
	cfg.FallbackConfidence = 0.1
	require.NoError(t, cfg.Validate())

	p := newPipeline(cfg)
	out := p.Classify([]mail.RawMessage{
		{ID: "a", From: "hr@example.com", Body: "Your Boarding Pass is ready"},
		{ID: "b", From: "hr@example.com"},
	}, 0, 0)
	require.Len(t, out, 2)
	assert.Equal(t, Category("Travel"), out[0].Category)
	assert.Equal(t, Category("Other"), out[1].Category)
}

func TestSummary(t *testing.T) {
	long := strings.Repeat("a", 200)
	exact := strings.Repeat("b", 150)
	wide := strings.Repeat("ü", 151)

	assert.Equal(t, strings.Repeat("a", 150)+"...", summarize(long, 150))
	assert.Equal(t, exact, summarize(exact, 150))
	assert.Equal(t, strings.Repeat("ü", 150)+"...", summarize(wide, 150))
	assert.Empty(t, summarize("", 150))
}

func TestTypeAndUrgency(t *testing.T) {
	p := newPipeline(DefaultConfig())
	out := p.Classify([]mail.RawMessage{
		{ID: "alert", Subject: "Security ALERT"},
		{ID: "urgent", Subject: "hi", Body: "This is Urgent"},
		{ID: "long", Subject: strings.Repeat("x", 70)},
		{ID: "plain", Subject: "hi", Body: "nothing here"},
	}, 0, 0)
	require.Len(t, out, 4)

	assert.Equal(t, TypeNotification, out[0].Type)
	assert.Equal(t, CategoryFinance, out[0].Category)
	assert.Equal(t, TypeGeneral, out[1].Type)

	assert.True(t, out[1].Urgent, "urgent keyword in body")
	assert.Equal(t, 80, out[2].PriorityScore)
	assert.True(t, out[2].Urgent, "priority above 75")
	assert.False(t, out[3].Urgent)
}

func TestDeterministicOutput(t *testing.T) {
	msgs := []mail.RawMessage{
		{ID: "1", From: "hr@example.com", Subject: "Interview", Body: "Tomorrow at 10", Date: rfc5322(now.Add(-time.Hour))},
		{ID: "2", From: "shop@example.com", Subject: "Sale", Body: strings.Repeat("cheap ", 40), Date: "2025-10-15T08:00:00"},
		{ID: "3", From: "friend@example.com", Subject: "Hey", Body: "urgent: call me", Date: "garbage"},
	}

	first, err := json.Marshal(newPipeline(DefaultConfig()).Classify(msgs, 24*time.Hour, 0))
	require.NoError(t, err)
	second, err := json.Marshal(newPipeline(DefaultConfig()).Classify(msgs, 24*time.Hour, 0))
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestPreservesInputOrder(t *testing.T) {
	p := newPipeline(DefaultConfig())
	out := p.Classify([]mail.RawMessage{
		{ID: "c", Subject: "short"},
		{ID: "a", Subject: strings.Repeat("x", 80)},
		{ID: "b", Subject: "mid length subject"},
	}, 0, 0)
	assert.Equal(t, []string{"c", "a", "b"}, ids(out))
}

func TestTopN(t *testing.T) {
	msgs := []mail.RawMessage{
		{ID: "low", Subject: "a"},
		{ID: "high", Subject: strings.Repeat("x", 80)},
		{ID: "tie1", Subject: strings.Repeat("x", 40)},
		{ID: "tie2", Subject: strings.Repeat("y", 40)},
		{ID: "old", Subject: strings.Repeat("z", 85), Date: rfc5322(now.AddDate(0, 0, -3))},
	}
	p := newPipeline(DefaultConfig())

	assert.Equal(t, []string{"high", "tie1", "tie2"}, ids(p.Classify(msgs, 24*time.Hour, 3)))
	assert.Equal(t, []string{"high", "tie1", "tie2", "low"}, ids(p.Classify(msgs, 24*time.Hour, 10)))
	assert.Equal(t, []string{"low", "high", "tie1", "tie2"}, ids(p.Classify(msgs, 24*time.Hour, 0)))
}

func TestJSONShape(t *testing.T) {
	p := newPipeline(DefaultConfig())
	out := p.Classify([]mail.RawMessage{{ID: "m1", From: "a@b", To: "me", Subject: "s", Body: "b", Date: "d"}}, 0, 0)

	raw, err := json.Marshal(out[0])
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, k := range []string{
		"id", "from", "to", "subject", "body", "date", "priority_score", "category",
		"category_confidence", "summary", "urgent", "type", "risk_score", "risk_level",
	} {
		assert.Contains(t, fields, k)
	}
	assert.Len(t, fields, 14)
}

func TestEmptyInput(t *testing.T) {
	p := newPipeline(DefaultConfig())
	out := p.Classify(nil, 24*time.Hour, 3)
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

type stubScorer struct {
	score int
	err   error
}

func (s stubScorer) ScoreRisk(mail.RawMessage) (int, error) { return s.score, s.err }

func TestRiskStrategies(t *testing.T) {
	msg := mail.RawMessage{ID: "m", From: "a@example.com", Subject: "Hello", Body: "World"}
	hashed := int(contentHash(msg) % 101)

	tests := []struct {
		name     string
		strategy RiskStrategy
		want     int
	}{
		{name: "content hash", strategy: ContentHash{}, want: hashed},
		{name: "external model", strategy: ExternalModel{Scorer: stubScorer{score: 55}}, want: 55},
		{name: "external model clamps high", strategy: ExternalModel{Scorer: stubScorer{score: 250}}, want: 100},
		{name: "external model clamps low", strategy: ExternalModel{Scorer: stubScorer{score: -3}}, want: 0},
		{name: "external model error falls back", strategy: ExternalModel{Scorer: stubScorer{err: errors.New("model down")}}, want: hashed},
		{name: "external model without scorer falls back", strategy: ExternalModel{}, want: hashed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Risk = tt.strategy
			out := newPipeline(cfg).Classify([]mail.RawMessage{msg}, 0, 0)
			require.Len(t, out, 1)
			assert.Equal(t, tt.want, out[0].RiskScore)
		})
	}
}

func TestFixedSeedIsReproducible(t *testing.T) {
	msg := mail.RawMessage{From: "a@example.com", Subject: "Hello", Body: "World"}

	a, _ := FixedSeed{Seed: 42}.riskScore(msg)
	b, _ := FixedSeed{Seed: 42}.riskScore(msg)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.LessOrEqual(t, a, 100)

	// ID is not content.
	msg.ID = "other"
	c, _ := FixedSeed{Seed: 42}.riskScore(msg)
	assert.Equal(t, a, c)
}

func TestDefaultRiskStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Risk = nil
	msg := mail.RawMessage{Subject: "x"}

	want, _ := FixedSeed{Seed: DefaultSeed}.riskScore(msg)
	out := newPipeline(cfg).Classify([]mail.RawMessage{msg}, 0, 0)
	assert.Equal(t, want, out[0].RiskScore)
}

func TestRiskLevel(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskLow},
		{40, RiskLow},
		{41, RiskMedium},
		{70, RiskMedium},
		{71, RiskHigh},
		{100, RiskHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.riskLevel(tt.score), "score %d", tt.score)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "rule without category", mutate: func(c *Config) { c.Rules[0].Category = "" }, wantErr: "category is required"},
		{name: "unknown field", mutate: func(c *Config) { c.Rules[1].Field = "cc" }, wantErr: "unknown field"},
		{name: "no keywords", mutate: func(c *Config) { c.Rules[2].Keywords = nil }, wantErr: "keyword"},
		{name: "empty keyword", mutate: func(c *Config) { c.Rules[0].Keywords = []string{""} }, wantErr: "empty keyword"},
		{name: "confidence above one", mutate: func(c *Config) { c.Rules[0].Confidence = 1.5 }, wantErr: "outside"},
		{name: "no fallback", mutate: func(c *Config) { c.Fallback = "" }, wantErr: "fallback"},
		{name: "zero summary", mutate: func(c *Config) { c.SummaryLength = 0 }, wantErr: "summary"},
		{name: "thresholds inverted", mutate: func(c *Config) { c.MediumRisk = 90 }, wantErr: "threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCountByCategory(t *testing.T) {
	counts := CountByCategory([]AnnotatedMessage{
		{Category: CategoryWork}, {Category: CategoryWork}, {Category: CategoryPersonal},
	})
	assert.Equal(t, map[Category]int{CategoryWork: 2, CategoryPersonal: 1}, counts)
}
