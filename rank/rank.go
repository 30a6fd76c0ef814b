// Package rank scores competing offers for an intent and selects the best
// one. Selection is a pure function of its inputs: the same offer multiset,
// weights, and reputation readings always produce the same winner.
package rank

import (
	"math"
	"sort"

	"github.com/meshfoundry/gomesh/store"
)

// Weights control the three scoring dimensions. They need not sum to 1.
type Weights struct {
	Reputation float64
	Fee        float64
	Speed      float64
	// TieWindow is the score distance from the best offer within which the
	// stake-age tiebreaker applies.
	TieWindow float64
}

// DefaultWeights returns the standard ranking configuration.
func DefaultWeights() Weights {
	return Weights{Reputation: 0.5, Fee: 0.3, Speed: 0.2, TieWindow: 0.05}
}

// LookupReputation resolves a live reputation for an address. An error (or
// a negative value) means the reading is unusable and the offer's snapshot
// is used instead.
type LookupReputation func(address string) (int64, error)

// Scored is an offer annotated with its ranking inputs.
type Scored struct {
	Offer      store.Offer
	LiveRep    int64
	EtaSeconds float64
	Score      float64
}

// SelectBest ranks offers and returns the winner. ok is false when the
// offer list is empty.
func SelectBest(offers []store.Offer, live LookupReputation, w Weights) (Scored, bool) {
	scored := Score(offers, live, w)
	if len(scored) == 0 {
		return Scored{}, false
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].LiveRep != scored[j].LiveRep {
			return scored[i].LiveRep > scored[j].LiveRep
		}
		return scored[i].Offer.ID < scored[j].Offer.ID
	})

	// Offers scoring within the tie window of the best compete on stake
	// age, then on arrival order.
	best := scored[0].Score
	window := scored[:0:0]
	for _, s := range scored {
		if best-s.Score <= w.TieWindow {
			window = append(window, s)
		}
	}
	sort.SliceStable(window, func(i, j int) bool {
		if window[i].Offer.StakeAge != window[j].Offer.StakeAge {
			return window[i].Offer.StakeAge > window[j].Offer.StakeAge
		}
		if window[i].Offer.CreatedAt != window[j].Offer.CreatedAt {
			return window[i].Offer.CreatedAt < window[j].Offer.CreatedAt
		}
		return window[i].Offer.ID < window[j].Offer.ID
	})
	return window[0], true
}

// Score computes the weighted score for every offer without choosing.
func Score(offers []store.Offer, live LookupReputation, w Weights) []Scored {
	if len(offers) == 0 {
		return nil
	}

	scored := make([]Scored, len(offers))
	for i, o := range offers {
		rep := resolveReputation(o, live)
		scored[i] = Scored{
			Offer:      o,
			LiveRep:    rep,
			EtaSeconds: ParseEtaSeconds(o.Eta),
		}
	}

	// Speed is 1/eta; an unknown or zero eta counts as the fastest in the set.
	maxSpeed := 0.0
	for i := range scored {
		if scored[i].EtaSeconds > 0 {
			speed := 1 / scored[i].EtaSeconds
			if speed > maxSpeed {
				maxSpeed = speed
			}
		}
	}
	if maxSpeed == 0 {
		maxSpeed = 1
	}

	reps := make([]float64, len(scored))
	fees := make([]float64, len(scored))
	speeds := make([]float64, len(scored))
	for i := range scored {
		reps[i] = float64(scored[i].LiveRep)
		fees[i], _ = scored[i].Offer.Fee.Float64()
		if scored[i].EtaSeconds > 0 {
			speeds[i] = 1 / scored[i].EtaSeconds
		} else {
			speeds[i] = maxSpeed
		}
	}

	repNorm := minMaxNormalize(reps)
	feeNorm := minMaxNormalize(fees)
	speedNorm := minMaxNormalize(speeds)

	for i := range scored {
		scored[i].Score = w.Reputation*repNorm[i] +
			w.Fee*(1-feeNorm[i]) +
			w.Speed*speedNorm[i]
	}
	return scored
}

func resolveReputation(o store.Offer, live LookupReputation) int64 {
	if live != nil {
		if rep, err := live(o.FromAddress); err == nil && rep >= 0 {
			return rep
		}
	}
	if o.Reputation != nil {
		return *o.Reputation
	}
	return 0
}

// minMaxNormalize maps values into [0,1]; a constant vector maps to all 1s.
func minMaxNormalize(values []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]float64, len(values))
	if hi == lo {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}
