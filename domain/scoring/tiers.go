// Package scoring adapts note helpfulness scoring: tier selection by note
// volume, a pure-Go Bayesian fallback scorer, and the external
// matrix-factorization engine behind a circuit breaker.
package scoring

// Tier is the scoring tier selected by a server's total note count.
type Tier string

const (
	TierMinimal      Tier = "MINIMAL"
	TierLimited      Tier = "LIMITED"
	TierBasic        Tier = "BASIC"
	TierIntermediate Tier = "INTERMEDIATE"
	TierAdvanced     Tier = "ADVANCED"
	TierFull         Tier = "FULL"
)

// TierConfig carries the scorer parameters for a tier.
type TierConfig struct {
	Algorithm string  `json:"algorithm"`
	Factors   int     `json:"factors"`
	Epochs    int     `json:"epochs"`
	Intercept float64 `json:"intercept"`
	Slope     float64 `json:"slope"`
}

// tierBoundaries lists the lower bound of each tier above MINIMAL, ascending.
var tierBoundaries = []struct {
	min  int
	tier Tier
}{
	{200, TierLimited},
	{1000, TierBasic},
	{5000, TierIntermediate},
	{10000, TierAdvanced},
	{50000, TierFull},
}

var tierConfigs = map[Tier]TierConfig{
	TierMinimal:      {Algorithm: "bayes", Intercept: -0.30, Slope: 1.0},
	TierLimited:      {Algorithm: "mf", Factors: 5, Epochs: 50, Intercept: -0.30, Slope: 1.0},
	TierBasic:        {Algorithm: "mf", Factors: 10, Epochs: 100, Intercept: -0.30, Slope: 1.0},
	TierIntermediate: {Algorithm: "mf", Factors: 15, Epochs: 150, Intercept: -0.32, Slope: 1.05},
	TierAdvanced:     {Algorithm: "mf", Factors: 20, Epochs: 200, Intercept: -0.33, Slope: 1.1},
	TierFull:         {Algorithm: "mf", Factors: 25, Epochs: 250, Intercept: -0.35, Slope: 1.15},
}

// TierFor maps a total note count to its tier. Boundary counts land in the
// higher tier (200 notes is LIMITED, not MINIMAL).
func TierFor(noteCount int) Tier {
	tier := TierMinimal
	for _, b := range tierBoundaries {
		if noteCount >= b.min {
			tier = b.tier
		}
	}
	return tier
}

// ConfigFor returns the scorer parameters for a tier.
func ConfigFor(tier Tier) TierConfig {
	return tierConfigs[tier]
}

// NextThreshold returns the note count at which the tier changes, or 0 when
// already FULL.
func NextThreshold(noteCount int) int {
	for _, b := range tierBoundaries {
		if noteCount < b.min {
			return b.min
		}
	}
	return 0
}

// CheckTransition reports whether a note-count change crossed the batch
// scoring threshold: true only when prev was below it and curr is at or
// above it.
func CheckTransition(prev, curr, threshold int) bool {
	return prev < threshold && curr >= threshold
}
