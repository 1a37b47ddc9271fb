package quality

import (
	"math"
	"time"
)

// ScoreInput carries the signals behind a context-budget score.
type ScoreInput struct {
	// Relevance is the caller's similarity signal in [0,1] (cosine score
	// for vector rows, 1 for direct lookups).
	Relevance  float64
	Confidence float64
	// LastTouched is the most recent of last_accessed, last_reinforced and
	// created_at.
	LastTouched time.Time
	AccessCount int
	// MaxAccessCount is the highest access count in the candidate set,
	// normalizing the frequency factor.
	MaxAccessCount int
}

// Score ranks a retrieved memory for inclusion in a context budget:
// relevance x confidence x recency boost x frequency factor. Recency decays
// on a 30-day half-life-ish curve; frequency is log-normalized against the
// busiest memory in the set.
func Score(in ScoreInput, now time.Time) float64 {
	days := now.Sub(in.LastTouched).Hours() / 24
	if days < 0 {
		days = 0
	}
	recencyBoost := 1 + 0.5*math.Exp(-days/30)

	frequency := 1.0
	if in.MaxAccessCount > 0 {
		frequency = math.Log(float64(in.AccessCount)+1) / math.Log(float64(in.MaxAccessCount)+1)
	}

	return in.Relevance * in.Confidence * recencyBoost * frequency
}
