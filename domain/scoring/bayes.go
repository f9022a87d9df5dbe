package scoring

import (
	"context"
	"time"
)

// BayesianAverageScorer scores each note as the posterior mean of its
// helpful ratio under a global prior. Notes with no ratings score the
// neutral 0.5.
type BayesianAverageScorer struct {
	// PriorStrength is the weight of the global prior in pseudo-ratings.
	PriorStrength float64
}

// NewBayesianAverageScorer creates the stub scorer with the default prior.
func NewBayesianAverageScorer() *BayesianAverageScorer {
	return &BayesianAverageScorer{PriorStrength: 5}
}

// Score implements Scorer.
func (s *BayesianAverageScorer) Score(_ context.Context, input ScoreInput) (ScoreOutput, error) {
	helpful := make(map[string]int, len(input.Notes))
	total := make(map[string]int, len(input.Notes))

	globalHelpful := 0
	for _, r := range input.Ratings {
		total[r.NoteID]++
		if r.Helpful {
			helpful[r.NoteID]++
			globalHelpful++
		}
	}

	prior := 0.5
	if len(input.Ratings) > 0 {
		prior = float64(globalHelpful) / float64(len(input.Ratings))
	}

	k := s.PriorStrength
	if k <= 0 {
		k = 5
	}

	scores := make([]NoteScore, 0, len(input.Notes))
	for _, n := range input.Notes {
		t := total[n.ID]
		score := 0.5
		if t > 0 {
			score = (float64(helpful[n.ID]) + k*prior) / (float64(t) + k)
		}
		scores = append(scores, NoteScore{
			NoteID:      n.ID,
			Score:       score,
			RatingCount: t,
		})
	}

	return ScoreOutput{
		Scores: scores,
		Tier:   input.Tier,
		Metadata: ScoreMetadata{
			Source:   "bayes",
			ScoredAt: time.Now().UTC(),
		},
	}, nil
}
