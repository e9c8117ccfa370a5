package service

import (
	"math"
	"testing"
)

func TestFinalScore(t *testing.T) {
	testCases := []struct {
		name       string
		similarity float32
		rating     float64
		want       float64
	}{
		{name: "perfect match, top rating", similarity: 1, rating: 5, want: 1},
		{name: "perfect match, no rating", similarity: 1, rating: 0, want: 0.7},
		{name: "no match, top rating", similarity: 0, rating: 5, want: 0.3},
		{name: "mid match, mid rating", similarity: 0.8, rating: 2.5, want: 0.71},
		{name: "rating clamped above scale", similarity: 0, rating: 9, want: 0.3},
		{name: "negative rating clamped", similarity: 0.5, rating: -1, want: 0.35},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := FinalScore(tc.similarity, tc.rating)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("FinalScore(%f, %f) = %f, want %f", tc.similarity, tc.rating, got, tc.want)
			}
		})
	}
}

// TestFinalScoreMonotonic verifies the score rises with similarity at fixed
// rating and with rating at fixed similarity.
func TestFinalScoreMonotonic(t *testing.T) {
	prev := -1.0
	for sim := float32(0); sim <= 1.0; sim += 0.1 {
		got := FinalScore(sim, 3)
		if got <= prev {
			t.Fatalf("score not increasing with similarity: %f at sim=%f", got, sim)
		}
		prev = got
	}

	prev = -1.0
	for rating := 0.0; rating <= 5.0; rating += 0.5 {
		got := FinalScore(0.85, rating)
		if got <= prev {
			t.Fatalf("score not increasing with rating: %f at rating=%f", got, rating)
		}
		prev = got
	}
}
