package rag

import (
	"math"

	"github.com/xhad/docqa/internal/models"
)

// Confidence scores an answer from the similarity of its sources. A high
// mean raises it, up to 0.2 is added for corroborating sources and up to
// 0.1 is taken off for spread between scores. The result is in [0, 1] and
// zero when there are no sources.
func Confidence(sources []models.SearchResult) float64 {
	if len(sources) == 0 {
		return 0
	}

	n := float64(len(sources))
	var sum float64
	for _, s := range sources {
		sum += s.Score
	}
	avg := sum / n

	var variance float64
	for _, s := range sources {
		d := s.Score - avg
		variance += d * d
	}
	variance /= n

	confidence := avg*0.7 + math.Min(n/5, 0.2) - math.Min(variance, 0.1)
	return math.Max(0, math.Min(1, confidence))
}
