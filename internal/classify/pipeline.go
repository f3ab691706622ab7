package classify

import (
	"cmp"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/teemow/inboxrank/internal/logging"
	"github.com/teemow/inboxrank/internal/mail"
)

const (
	minPriority = 10
	maxPriority = 100
	ellipsis    = "..."
)

// Pipeline classifies messages according to a Config.
type Pipeline struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNowFunc sets the clock the recency window is measured against.
func WithNowFunc(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithLogger sets the logger used to report risk model fallbacks.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// New creates a Pipeline. cfg must be valid; see Config.Validate.
func New(cfg Config, options ...Option) *Pipeline {
	p := &Pipeline{cfg: cfg, now: time.Now}
	for _, opt := range options {
		opt(p)
	}
	if p.cfg.Risk == nil {
		p.cfg.Risk = FixedSeed{Seed: DefaultSeed}
	}
	p.logger = logging.WithComponent(p.logger, "classify")
	return p
}

// Classify annotates msgs.
//
// Messages dated more than window before now are dropped; a message exactly
// window old is kept. A non-positive window keeps everything.
//
// With topN <= 0 the surviving messages are returned in input order. With
// topN > 0 they are sorted by priority, highest first, ties keeping input
// order, and cut to topN.
func (p *Pipeline) Classify(msgs []mail.RawMessage, window time.Duration, topN int) []AnnotatedMessage {
	now := p.now()
	out := make([]AnnotatedMessage, 0, len(msgs))
	for _, m := range msgs {
		if window > 0 && p.stale(m, now, window) {
			continue
		}
		out = append(out, p.annotate(m))
	}

	if topN > 0 {
		slices.SortStableFunc(out, func(a, b AnnotatedMessage) int {
			return cmp.Compare(b.PriorityScore, a.PriorityScore)
		})
		if len(out) > topN {
			out = out[:topN]
		}
	}
	return out
}

func (p *Pipeline) stale(m mail.RawMessage, now time.Time, window time.Duration) bool {
	date, ok := parseDate(m.Date)
	if !ok {
		return false
	}
	return now.Sub(date) > window
}

func (p *Pipeline) annotate(m mail.RawMessage) AnnotatedMessage {
	a := AnnotatedMessage{RawMessage: m}
	a.PriorityScore = priority(m)
	a.Category, a.CategoryConfidence = p.categorize(m)
	a.Summary = summarize(m.Body, p.cfg.SummaryLength)

	a.Type = TypeGeneral
	if containsAny(m.Subject, p.cfg.NotificationKeywords) {
		a.Type = TypeNotification
	}

	a.RiskScore = p.risk(m)
	a.RiskLevel = p.cfg.riskLevel(a.RiskScore)
	a.Urgent = a.PriorityScore > p.cfg.UrgentPriority || containsAny(m.Body, p.cfg.UrgentKeywords)
	return a
}

// priority folds the content length into [10, 100].
func priority(m mail.RawMessage) int {
	n := utf8.RuneCountInString(m.Content())
	return min(n%100+minPriority, maxPriority)
}

func (p *Pipeline) categorize(m mail.RawMessage) (Category, float64) {
	for _, r := range p.cfg.Rules {
		if containsAny(field(m, r.Field), r.Keywords) {
			return r.Category, r.Confidence
		}
	}
	return p.cfg.Fallback, p.cfg.FallbackConfidence
}

func (p *Pipeline) risk(m mail.RawMessage) int {
	score, err := p.cfg.Risk.riskScore(m)
	if err != nil {
		p.logger.Debug("Risk model failed, using content hash", logging.MessageID(m.ID), logging.Err(err))
		score, _ = ContentHash{}.riskScore(m)
	}
	return score
}

func field(m mail.RawMessage, f Field) string {
	switch f {
	case FieldSender:
		return m.From
	case FieldSubject:
		return m.Subject
	case FieldBody:
		return m.Body
	}
	return ""
}

func containsAny(s string, keywords []string) bool {
	s = strings.ToLower(s)
	for _, k := range keywords {
		if strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// summarize keeps the first n characters of body.
func summarize(body string, n int) string {
	if utf8.RuneCountInString(body) <= n {
		return body
	}
	i := 0
	for pos := range body {
		if i == n {
			return body[:pos] + ellipsis
		}
		i++
	}
	return body
}
