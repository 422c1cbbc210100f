package conversation

import (
	"fmt"

	"discussmatch/pkg/domain"
)

// FinalizeScore validates a participant's score and fills in "total" as the
// sum of the other categories when it is missing.
func FinalizeScore(s domain.Score) (domain.Score, error) {
	out := make(domain.Score, len(s)+1)
	sum := 0
	for k, v := range s {
		if k == "" {
			return nil, fmt.Errorf("%w: empty category", ErrInvalidScore)
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: %s is negative", ErrInvalidScore, k)
		}
		out[k] = v
		if k != domain.ScoreTotalKey {
			sum += v
		}
	}
	if _, ok := out[domain.ScoreTotalKey]; !ok {
		out[domain.ScoreTotalKey] = sum
	}
	return out, nil
}
