package classify

import (
	"errors"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"

	"github.com/teemow/inboxrank/internal/mail"
)

// maxRisk is the top of the risk scale.
const maxRisk = 100

// RiskStrategy scores how risky a message is on a 0-100 scale. It is one of
// FixedSeed, ContentHash or ExternalModel.
type RiskStrategy interface {
	riskScore(m mail.RawMessage) (int, error)
}

// RiskScorer is an external risk model.
type RiskScorer interface {
	ScoreRisk(m mail.RawMessage) (int, error)
}

// FixedSeed draws the score from a PCG generator seeded with Seed and a hash
// of the message content, so the same message always gets the same score.
type FixedSeed struct {
	Seed uint64
}

func (s FixedSeed) riskScore(m mail.RawMessage) (int, error) {
	r := rand.New(rand.NewPCG(s.Seed, contentHash(m)))
	return r.IntN(maxRisk + 1), nil
}

// ContentHash uses the content hash modulo 101.
type ContentHash struct{}

func (ContentHash) riskScore(m mail.RawMessage) (int, error) {
	return int(contentHash(m) % (maxRisk + 1)), nil
}

// ExternalModel delegates to Scorer. Scores are clamped to 0-100; when the
// scorer fails the pipeline falls back to ContentHash.
type ExternalModel struct {
	Scorer RiskScorer
}

var errNoScorer = errors.New("external risk model has no scorer")

func (e ExternalModel) riskScore(m mail.RawMessage) (int, error) {
	if e.Scorer == nil {
		return 0, errNoScorer
	}
	score, err := e.Scorer.ScoreRisk(m)
	if err != nil {
		return 0, err
	}
	return min(max(score, 0), maxRisk), nil
}

// contentHash hashes the fields a reader sees, NUL separated.
func contentHash(m mail.RawMessage) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(m.From)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(m.Subject)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(m.Body)
	return d.Sum64()
}

func (c Config) riskLevel(score int) RiskLevel {
	switch {
	case score > c.HighRisk:
		return RiskHigh
	case score > c.MediumRisk:
		return RiskMedium
	default:
		return RiskLow
	}
}
