package engine

import (
	"math"
	"time"

	"github.com/lazypower/compound/internal/model"
)

// DecayParams are the tunables of the decay model.
type DecayParams struct {
	Base               float64
	HalfLifeDays       float64
	MaxBoost           float64
	BoostScale         float64
	AccessHalfLifeDays float64
}

// DefaultDecayParams returns the stock decay constants.
func DefaultDecayParams() DecayParams {
	return DecayParams{
		Base:               1.0,
		HalfLifeDays:       30,
		MaxBoost:           0.3,
		BoostScale:         5,
		AccessHalfLifeDays: 14,
	}
}

const day = 24 * time.Hour

// Decay computes an entry's relevance at now:
//   - Time decay from indexed_at: base * exp(-lambda * age_days),
//     lambda = ln2 / half-life (default 30 days)
//   - Usage boost: max_boost * (1 - exp(-access_count/boost_scale)), itself
//     fading with days since last access (default 14-day half-life)
//   - Result clamped to [0, 1]
//
// The entry is not modified.
func Decay(e *model.Entry, now time.Time, p DecayParams) float64 {
	age := daysBetween(e.IndexedAt, now)
	score := p.Base * math.Exp(-lambda(p.HalfLifeDays)*age)

	if e.AccessCount > 0 && p.MaxBoost > 0 {
		scale := p.BoostScale
		if scale <= 0 {
			scale = 1
		}
		boost := p.MaxBoost * (1 - math.Exp(-float64(e.AccessCount)/scale))
		if e.LastAccessedAt != nil {
			since := daysBetween(*e.LastAccessedAt, now)
			boost *= math.Exp(-lambda(p.AccessHalfLifeDays) * since)
		}
		score += boost
	}
	return clamp01(score)
}

// RefreshDecay stamps RelevanceDecay on each entry as of now.
func RefreshDecay(entries []model.Entry, now time.Time, p DecayParams) {
	for i := range entries {
		entries[i].RelevanceDecay = Decay(&entries[i], now, p)
	}
}

func lambda(halfLifeDays float64) float64 {
	if halfLifeDays <= 0 {
		return 0
	}
	return math.Ln2 / halfLifeDays
}

// daysBetween returns fractional days from then to now, never negative.
func daysBetween(then, now time.Time) float64 {
	d := now.Sub(then)
	if d < 0 {
		return 0
	}
	return float64(d) / float64(day)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
