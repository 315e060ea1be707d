package room

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

// Assigner splits a full room evenly between the two conditions.
type Assigner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewAssigner creates an assigner drawing from rng.
func NewAssigner(rng *rand.Rand) *Assigner {
	return &Assigner{rng: rng}
}

// Assign shuffles ids and gives the first half pressure and the rest delay.
func (a *Assigner) Assign(ids []uuid.UUID) (map[uuid.UUID]models.Condition, error) {
	if len(ids) != GroupSize {
		return nil, fmt.Errorf("need exactly %d members, got %d", GroupSize, len(ids))
	}
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			return nil, fmt.Errorf("duplicate member %s", id)
		}
		seen[id] = struct{}{}
	}

	shuffled := make([]uuid.UUID, len(ids))
	copy(shuffled, ids)

	a.mu.Lock()
	a.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	a.mu.Unlock()

	out := make(map[uuid.UUID]models.Condition, len(shuffled))
	for i, id := range shuffled {
		if i < len(shuffled)/2 {
			out[id] = models.ConditionPressure
		} else {
			out[id] = models.ConditionDelay
		}
	}
	return out, nil
}
