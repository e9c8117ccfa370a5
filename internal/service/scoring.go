package service

// Scoring weights for ranking vector hits. Similarity dominates so a
// well-rated but loosely related project cannot outrank a near-duplicate.
const (
	similarityWeight = 0.7
	ratingWeight     = 0.3
	maxRating        = 5.0
)

// FinalScore combines vector similarity with a user rating into a single
// ranking value. The rating is normalized from its 0-5 scale; a missing
// rating contributes zero rather than penalizing the hit below unrated
// peers with equal similarity.
func FinalScore(similarity float32, userRating float64) float64 {
	if userRating < 0 {
		userRating = 0
	}
	if userRating > maxRating {
		userRating = maxRating
	}
	return similarityWeight*float64(similarity) + ratingWeight*(userRating/maxRating)
}
