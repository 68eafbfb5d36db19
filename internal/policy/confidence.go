package policy

import "math"

// Confidence scores a recommendation from the best Q-value and the outcomes of similar past
// experiences that took the recommended action. With no training and no evidence it is 0.5.
func Confidence(bestQ float64, successes, failures int) float64 {
	n := float64(successes + failures)
	var consistency, w float64
	if n > 0 {
		consistency = float64(successes-failures) / n
		w = n / (n + 2)
	}
	c := 0.5 + 0.25*math.Tanh(bestQ) + 0.25*w*consistency
	return math.Max(0, math.Min(1, c))
}
