package profile

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// Scores holds the computed behavioral scores for a profile. Engagement is
// on a 0-100 scale; the predictive scores are probabilities.
type Scores struct {
	Engagement            float64 `json:"engagement"`
	ChurnRisk             float64 `json:"churn_risk"`
	EnrollmentProbability float64 `json:"enrollment_probability"`
}

// Validate enforces the score ranges.
func (s Scores) Validate() error {
	if s.Engagement < 0 || s.Engagement > 100 {
		return errors.NewValidationError("SCORE_OUT_OF_RANGE", "engagement must be in [0,100]")
	}
	if s.ChurnRisk < 0 || s.ChurnRisk > 1 {
		return errors.NewValidationError("SCORE_OUT_OF_RANGE", "churn_risk must be in [0,1]")
	}
	if s.EnrollmentProbability < 0 || s.EnrollmentProbability > 1 {
		return errors.NewValidationError("SCORE_OUT_OF_RANGE", "enrollment_probability must be in [0,1]")
	}
	return nil
}

const (
	engagementHalfLifeDays = 14.0
	recencyWeight          = 0.55
	frequencyWeight        = 0.45
	perEventFrequency      = 2.5
)

// EngagementScore blends exponential recency decay (14-day half-life) with a
// capped event-frequency score and rounds half-to-even to two decimals.
// Full recency is lastInteraction == now, the value RecalculateEngagement
// passes for a profile updated in the same instant; a future lastInteraction
// clamps to full recency rather than overshooting.
func EngagementScore(totalEvents int64, lastInteraction, now time.Time) float64 {
	daysAgo := now.Sub(lastInteraction).Seconds() / 86400.0
	if daysAgo < 0 {
		daysAgo = 0
	}
	recency := 100.0 * math.Exp(-0.693*daysAgo/engagementHalfLifeDays)
	frequency := math.Min(100.0, float64(totalEvents)*perEventFrequency)
	raw := recencyWeight*recency + frequencyWeight*frequency
	rounded, _ := decimal.NewFromFloat(raw).RoundBank(2).Float64()
	return rounded
}

// engagementBands maps engagement ranges to segment names. Ranges are
// half-open [low, high); a perfect 100.0 falls outside every band.
var engagementBands = []struct {
	name string
	low  float64
	high float64
}{
	{"highly_engaged", 70, 100},
	{"moderately_engaged", 40, 70},
	{"at_risk", 15, 40},
	{"dormant", 0, 15},
}

// SegmentsForEngagement returns the sorted engagement-band segment names
// whose range contains score.
func SegmentsForEngagement(score float64) []string {
	segments := make([]string, 0, 1)
	for _, band := range engagementBands {
		if band.low <= score && score < band.high {
			segments = append(segments, band.name)
		}
	}
	sort.Strings(segments)
	return segments
}
