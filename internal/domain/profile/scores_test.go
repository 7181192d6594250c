package profile_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
)

func TestEngagementScore(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("fresh interaction with capped frequency scores exactly 100", func(t *testing.T) {
		// recency = 100, frequency = min(100, 40*2.5) = 100
		score := profile.EngagementScore(40, now, now)
		assert.Equal(t, 100.0, score)
	})

	t.Run("fresh interaction with single event", func(t *testing.T) {
		// recency = 100, frequency = 2.5, blend = 55 + 1.125
		score := profile.EngagementScore(1, now, now)
		assert.InDelta(t, 56.13, score, 0.015)
	})

	t.Run("zero events scores pure recency weight", func(t *testing.T) {
		score := profile.EngagementScore(0, now, now)
		assert.InDelta(t, 55.0, score, 0.001)
	})

	t.Run("recency halves after fourteen days", func(t *testing.T) {
		// recency = 100*exp(-0.693) ≈ 50.007, frequency = 4*2.5 = 10
		score := profile.EngagementScore(4, now.Add(-14*24*time.Hour), now)
		assert.InDelta(t, 32.0, score, 0.05)
	})

	t.Run("future interaction clamps days to zero", func(t *testing.T) {
		future := profile.EngagementScore(10, now.Add(time.Hour), now)
		present := profile.EngagementScore(10, now, now)
		assert.Equal(t, present, future)
	})

	t.Run("score decays monotonically with age", func(t *testing.T) {
		prev := 101.0
		for days := 0; days <= 90; days += 7 {
			score := profile.EngagementScore(10, now.Add(-time.Duration(days)*24*time.Hour), now)
			assert.Less(t, score, prev, "score at %d days", days)
			assert.GreaterOrEqual(t, score, 0.0)
			prev = score
		}
	})

	t.Run("rounded to two decimals", func(t *testing.T) {
		score := profile.EngagementScore(3, now.Add(-36*time.Hour), now)
		cents := score * 100
		assert.InDelta(t, cents, float64(int64(cents+0.5)), 1e-6)
	})
}

func TestSegmentsForEngagement(t *testing.T) {
	tests := []struct {
		score float64
		want  []string
	}{
		{score: 85, want: []string{"highly_engaged"}},
		{score: 70, want: []string{"highly_engaged"}},
		{score: 99.99, want: []string{"highly_engaged"}},
		{score: 69.99, want: []string{"moderately_engaged"}},
		{score: 40, want: []string{"moderately_engaged"}},
		{score: 39.99, want: []string{"at_risk"}},
		{score: 15, want: []string{"at_risk"}},
		{score: 14.99, want: []string{"dormant"}},
		{score: 0, want: []string{"dormant"}},
		// Bands are half-open; a perfect score matches none.
		{score: 100, want: []string{}},
		{score: -1, want: []string{}},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			assert.Equal(t, tt.want, profile.SegmentsForEngagement(tt.score))
		})
	}
}

func TestScores_Validate(t *testing.T) {
	tests := []struct {
		name    string
		scores  profile.Scores
		wantErr bool
	}{
		{name: "zero value valid", scores: profile.Scores{}},
		{name: "all in range", scores: profile.Scores{Engagement: 56.12, ChurnRisk: 0.3, EnrollmentProbability: 0.9}},
		{name: "engagement at upper bound", scores: profile.Scores{Engagement: 100}},
		{name: "engagement above range", scores: profile.Scores{Engagement: 100.01}, wantErr: true},
		{name: "engagement below range", scores: profile.Scores{Engagement: -0.01}, wantErr: true},
		{name: "churn risk above range", scores: profile.Scores{ChurnRisk: 1.5}, wantErr: true},
		{name: "enrollment probability above range", scores: profile.Scores{EnrollmentProbability: 2}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.scores.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
