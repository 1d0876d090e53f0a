package engine

import (
	"github.com/SpiritWalker84/trivia-bot/internal/domain"
)

// shuffleOptions draws a uniform random permutation of the question's options
// and returns the presentation mapping plus the correct option expressed in
// shuffled coordinates. The mapping is persisted with displayed_at so retried
// sends always show the identical order; the template itself is never touched.
func (e *Engine) shuffleOptions(q *domain.Question) (domain.ShuffleMap, string) {
	canonical := make([]string, 0, len(domain.Positions))
	for _, pos := range domain.Positions {
		if _, ok := q.Options[pos]; ok {
			canonical = append(canonical, pos)
		}
	}

	perm := e.randPerm(len(canonical))
	mapping := make(domain.ShuffleMap, len(canonical))
	for i, j := range perm {
		mapping[canonical[i]] = canonical[j]
	}

	correctShuffled := q.Correct
	for pos, orig := range mapping {
		if orig == q.Correct {
			correctShuffled = pos
			break
		}
	}
	return mapping, correctShuffled
}
