package bucket

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"
)

// ErrNoEligibleVariants is returned when a variant list is empty or its
// clamped weights sum to zero. The experiment is misconfigured; callers
// should skip it rather than abort sibling experiments.
var ErrNoEligibleVariants = errors.New("no eligible variants for weighted assignment")

// UnitInterval maps an arbitrary string to a uniform value in [0, 1).
//
// The algorithm is part of the public assignment contract: sha256 of the
// input, first 32 bits big-endian, divided by 2^32. Changing either the
// digest or the bit extraction silently reshuffles every persisted
// assignment, so any change here is a breaking change.
func UnitInterval(input string) float64 {
	digest := sha256.Sum256([]byte(input))
	value := binary.BigEndian.Uint32(digest[:4])
	return float64(value) / (1 << 32)
}

// Weighted is a selectable variant. Negative weights are treated as zero.
type Weighted struct {
	VariantID string
	Weight    float64
}

// SelectWeighted deterministically picks one variant proportional to
// weight, keyed by stableKey. The list is sorted by VariantID first so
// the cumulative-sum boundaries do not depend on input ordering. The
// stable key should combine user and experiment identity
// ("{user}:{experiment}") so buckets are uncorrelated across experiments.
func SelectWeighted(stableKey string, variants []Weighted) (Weighted, error) {
	ordered := make([]Weighted, len(variants))
	copy(ordered, variants)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].VariantID < ordered[j].VariantID })

	totalWeight := 0.0
	for _, v := range ordered {
		if v.Weight > 0 {
			totalWeight += v.Weight
		}
	}
	if len(ordered) == 0 || totalWeight <= 0 {
		return Weighted{}, ErrNoEligibleVariants
	}

	point := UnitInterval(stableKey) * totalWeight
	cumulative := 0.0
	for _, v := range ordered {
		if v.Weight > 0 {
			cumulative += v.Weight
		}
		if point < cumulative {
			return v, nil
		}
	}

	// Floating-point edge: point landed on the total. Last variant wins.
	return ordered[len(ordered)-1], nil
}
