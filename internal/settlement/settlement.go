// Package settlement maps an achievement metric and a stake to a payout split.
// All money math is integer: multipliers are percentages and the fee rate is
// in basis points, so every platform computes the same split.
package settlement

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var ErrNoBaseTier = errors.New("rules need a tier with threshold 0")
var ErrInvalidTier = errors.New("invalid tier")
var ErrInvalidFee = errors.New("fee must be between 0 and 10000 bps")
var ErrInvalidStake = errors.New("stake must not be negative")
var ErrOverflow = errors.New("stake too large for multiplier")
var ErrArithmeticInvariant = errors.New("settlement sums do not reconcile")

const (
	pctDenominator = 100
	bpsDenominator = 10_000
)

type Tier struct {
	Min           float64 `yaml:"min"`
	MultiplierPct int64   `yaml:"multiplier_pct"`
}

type Rules struct {
	Tiers  []Tier `yaml:"tiers"`
	FeeBps int64  `yaml:"fee_bps"`
}

// Result is indexed by seat: Payouts[0] is seat 1, Payouts[1] is seat 2.
type Result struct {
	Tier          int
	MultiplierPct int64
	TotalStake    int64
	TotalRewards  int64
	Bonus         int64
	ProtocolFee   int64
	Payouts       [2]int64
}

func (r Rules) Validate() error {
	if r.FeeBps < 0 || r.FeeBps > bpsDenominator {
		return ErrInvalidFee
	}
	base := false
	seen := make(map[float64]bool, len(r.Tiers))
	for _, t := range r.Tiers {
		if t.MultiplierPct <= 0 {
			return fmt.Errorf("%w: multiplier %d%% at threshold %v", ErrInvalidTier, t.MultiplierPct, t.Min)
		}
		if t.Min < 0 || math.IsNaN(t.Min) || math.IsInf(t.Min, 0) {
			return fmt.Errorf("%w: threshold %v", ErrInvalidTier, t.Min)
		}
		if seen[t.Min] {
			return fmt.Errorf("%w: duplicate threshold %v", ErrInvalidTier, t.Min)
		}
		seen[t.Min] = true
		if t.Min == 0 {
			base = true
		}
	}
	if !base {
		return ErrNoBaseTier
	}
	return nil
}

// ascending returns a sorted copy so callers' slices are never reordered.
func (r Rules) ascending() []Tier {
	tiers := append([]Tier(nil), r.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Min < tiers[j].Min })
	return tiers
}

// TierFor returns the index (0 = lowest band) and tier selected for metric.
// Metrics at or below zero, and NaN, land in the lowest band.
func (r Rules) TierFor(metric float64) (int, Tier) {
	tiers := r.ascending()
	if len(tiers) == 0 {
		return 0, Tier{}
	}
	if math.IsNaN(metric) || metric < 0 {
		metric = 0
	}
	for i := len(tiers) - 1; i >= 0; i-- {
		if tiers[i].Min <= metric {
			return i, tiers[i]
		}
	}
	return 0, tiers[0]
}

// Settle computes the payout for a two-seat session where each seat staked
// baseStake. The fee is only taken from the bonus, never from principal, and
// an odd leftover unit goes to seat 1.
func Settle(metric float64, baseStake int64, rules Rules) (Result, error) {
	if err := rules.Validate(); err != nil {
		return Result{}, err
	}
	if baseStake < 0 {
		return Result{}, ErrInvalidStake
	}

	idx, tier := rules.TierFor(metric)

	if baseStake > math.MaxInt64/2 {
		return Result{}, ErrOverflow
	}
	totalStake := 2 * baseStake
	if tier.MultiplierPct > 0 && totalStake > math.MaxInt64/tier.MultiplierPct {
		return Result{}, ErrOverflow
	}
	totalRewards := totalStake * tier.MultiplierPct / pctDenominator

	bonus := totalRewards - totalStake
	var fee int64
	if bonus > 0 {
		if bonus > math.MaxInt64/bpsDenominator {
			return Result{}, ErrOverflow
		}
		fee = bonus * rules.FeeBps / bpsDenominator
	}

	distributable := totalRewards - fee
	half := distributable / 2
	res := Result{
		Tier:          idx,
		MultiplierPct: tier.MultiplierPct,
		TotalStake:    totalStake,
		TotalRewards:  totalRewards,
		Bonus:         bonus,
		ProtocolFee:   fee,
		Payouts:       [2]int64{distributable - half, half},
	}

	if res.Payouts[0]+res.Payouts[1]+res.ProtocolFee != res.TotalRewards {
		return res, fmt.Errorf("%w: %d + %d + %d != %d", ErrArithmeticInvariant,
			res.Payouts[0], res.Payouts[1], res.ProtocolFee, res.TotalRewards)
	}
	return res, nil
}
