// Package planner computes the quantity and time distribution for splitting a
// parent order into child slices. It is pure: no store access, no clock reads.
package planner

import (
	"fmt"
	"math/rand"
	"time"

	"pulse/pkg/apperrors"
)

// Slice is one planned child: how much to trade and when.
type Slice struct {
	Quantity       int
	SequenceNumber int
	ScheduledAt    time.Time
}

// Planner computes split schedules. The random source is injectable so tests
// can pin the jitter.
type Planner struct {
	rng *rand.Rand
}

// New creates a Planner. A nil rng gets a time-seeded source.
func New(rng *rand.Rand) *Planner {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Planner{rng: rng}
}

// Plan distributes totalQuantity over numSplits slices scheduled across
// [createdAt, createdAt + durationMinutes]. Quantities always sum exactly to
// totalQuantity: the last slice absorbs the remainder. With randomize, all
// but the last slice get a uniform ±20% quantity jitter, and interior slices
// get a ±30%-of-interval time jitter. The first and last scheduled times stay
// pinned to the window ends, and every time is clamped inside the window.
func (p *Planner) Plan(createdAt time.Time, totalQuantity, numSplits, durationMinutes int, randomize bool) ([]Slice, error) {
	if numSplits <= 0 {
		return nil, fmt.Errorf("%w: num_splits must be >= 1, got %d", apperrors.ErrValidation, numSplits)
	}
	if totalQuantity <= 0 {
		return nil, fmt.Errorf("%w: total_quantity must be > 0, got %d", apperrors.ErrValidation, totalQuantity)
	}
	if durationMinutes < 0 {
		return nil, fmt.Errorf("%w: duration_minutes must be >= 0, got %d", apperrors.ErrValidation, durationMinutes)
	}

	createdAt = createdAt.UTC()
	baseQuantity := float64(totalQuantity) / float64(numSplits)

	quantities := make([]int, 0, numSplits)
	if randomize && numSplits > 1 {
		for i := 0; i < numSplits-1; i++ {
			variance := uniform(p.rng, -0.2, 0.2)
			qty := int(baseQuantity * (1 + variance))
			if qty < 0 {
				qty = 0
			}
			quantities = append(quantities, qty)
		}
	} else {
		for i := 0; i < numSplits-1; i++ {
			quantities = append(quantities, int(baseQuantity))
		}
	}
	sum := 0
	for _, q := range quantities {
		sum += q
	}
	// The last slice absorbs the remainder. If jitter overshot the total, pull
	// the deficit back from earlier slices so no quantity goes negative.
	last := totalQuantity - sum
	for i := len(quantities) - 1; i >= 0 && last < 0; i-- {
		take := quantities[i]
		if take > -last {
			take = -last
		}
		quantities[i] -= take
		last += take
	}
	quantities = append(quantities, last)

	windowEnd := createdAt.Add(time.Duration(durationMinutes) * time.Minute)
	var baseIntervalMinutes float64
	if numSplits > 1 {
		baseIntervalMinutes = float64(durationMinutes) / float64(numSplits-1)
	}

	slices := make([]Slice, 0, numSplits)
	for i := 0; i < numSplits; i++ {
		scheduled := createdAt.Add(minutes(float64(i) * baseIntervalMinutes))

		// Only interior slices jitter; the window ends stay fixed.
		if randomize && numSplits > 1 && i > 0 && i < numSplits-1 {
			maxVariance := baseIntervalMinutes * 0.3
			scheduled = scheduled.Add(minutes(uniform(p.rng, -maxVariance, maxVariance)))
		}

		if scheduled.Before(createdAt) {
			scheduled = createdAt
		}
		if scheduled.After(windowEnd) {
			scheduled = windowEnd
		}

		slices = append(slices, Slice{
			Quantity:       quantities[i],
			SequenceNumber: i + 1,
			ScheduledAt:    scheduled,
		})
	}

	return slices, nil
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}
