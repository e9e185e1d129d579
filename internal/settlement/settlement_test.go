package settlement

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func towerRules() Rules {
	return Rules{
		Tiers: []Tier{
			{Min: 0, MultiplierPct: 100},
			{Min: 100, MultiplierPct: 120},
			{Min: 200, MultiplierPct: 150},
			{Min: 300, MultiplierPct: 200},
		},
		FeeBps: 500,
	}
}

func TestSettle_Tiers(t *testing.T) {
	const stake = 1_000_000

	cases := []struct {
		name       string
		metric     float64
		wantTier   int
		wantMult   int64
		wantReward int64
		wantFee    int64
		wantPay    [2]int64
	}{
		{name: "zero metric returns principal", metric: 0, wantTier: 0, wantMult: 100, wantReward: 2_000_000, wantFee: 0, wantPay: [2]int64{1_000_000, 1_000_000}},
		{name: "just below first band", metric: 99.99, wantTier: 0, wantMult: 100, wantReward: 2_000_000, wantFee: 0, wantPay: [2]int64{1_000_000, 1_000_000}},
		{name: "exact threshold selects band", metric: 100, wantTier: 1, wantMult: 120, wantReward: 2_400_000, wantFee: 20_000, wantPay: [2]int64{1_190_000, 1_190_000}},
		{name: "250 lands in 1.5x", metric: 250, wantTier: 2, wantMult: 150, wantReward: 3_000_000, wantFee: 50_000, wantPay: [2]int64{1_475_000, 1_475_000}},
		{name: "above top band", metric: 10_000, wantTier: 3, wantMult: 200, wantReward: 4_000_000, wantFee: 100_000, wantPay: [2]int64{1_950_000, 1_950_000}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Settle(tc.metric, stake, towerRules())
			require.NoError(t, err)
			assert.Equal(t, tc.wantTier, res.Tier)
			assert.Equal(t, tc.wantMult, res.MultiplierPct)
			assert.Equal(t, int64(2_000_000), res.TotalStake)
			assert.Equal(t, tc.wantReward, res.TotalRewards)
			assert.Equal(t, tc.wantFee, res.ProtocolFee)
			assert.Equal(t, tc.wantPay, res.Payouts)
			assert.Equal(t, res.TotalRewards, res.Payouts[0]+res.Payouts[1]+res.ProtocolFee)
		})
	}
}

func TestSettle_NegativeMetricMatchesZero(t *testing.T) {
	zero, err := Settle(0, 1_000_000, towerRules())
	require.NoError(t, err)

	for _, m := range []float64{-1, -250, math.Inf(-1), math.NaN()} {
		got, err := Settle(m, 1_000_000, towerRules())
		require.NoError(t, err)
		assert.Equal(t, zero, got, "metric %v", m)
	}
}

func TestSettle_IsDeterministic(t *testing.T) {
	a, errA := Settle(275.5, 123_457, towerRules())
	b, errB := Settle(275.5, 123_457, towerRules())
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a, b)
}

func TestSettle_OddLeftoverGoesToSeatOne(t *testing.T) {
	// 2 * 1 * 150% = 3 units, fee rounds down to 0.
	res, err := Settle(250, 1, towerRules())
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.TotalRewards)
	assert.Equal(t, [2]int64{2, 1}, res.Payouts)
}

func TestSettle_FeeNeverTouchesPrincipal(t *testing.T) {
	rules := towerRules()
	rules.Tiers[0].MultiplierPct = 80 // losing band

	res, err := Settle(0, 1_000_000, rules)
	require.NoError(t, err)
	assert.Equal(t, int64(1_600_000), res.TotalRewards)
	assert.Negative(t, res.Bonus)
	assert.Zero(t, res.ProtocolFee)
	assert.Equal(t, [2]int64{800_000, 800_000}, res.Payouts)
}

func TestSettle_DoesNotReorderCallerTiers(t *testing.T) {
	rules := Rules{Tiers: []Tier{{Min: 300, MultiplierPct: 200}, {Min: 0, MultiplierPct: 100}}}
	_, err := Settle(500, 10, rules)
	require.NoError(t, err)
	assert.Equal(t, float64(300), rules.Tiers[0].Min)
}

func TestRules_Validate(t *testing.T) {
	cases := []struct {
		name  string
		rules Rules
		want  error
	}{
		{name: "valid", rules: towerRules()},
		{name: "missing base tier", rules: Rules{Tiers: []Tier{{Min: 10, MultiplierPct: 100}}}, want: ErrNoBaseTier},
		{name: "no tiers", rules: Rules{}, want: ErrNoBaseTier},
		{name: "zero multiplier", rules: Rules{Tiers: []Tier{{Min: 0, MultiplierPct: 0}}}, want: ErrInvalidTier},
		{name: "duplicate threshold", rules: Rules{Tiers: []Tier{{Min: 0, MultiplierPct: 100}, {Min: 0, MultiplierPct: 120}}}, want: ErrInvalidTier},
		{name: "fee above 100%", rules: Rules{Tiers: []Tier{{Min: 0, MultiplierPct: 100}}, FeeBps: 10_001}, want: ErrInvalidFee},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.rules.Validate()
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("want %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSettle_RejectsBadInput(t *testing.T) {
	_, err := Settle(10, -1, towerRules())
	require.ErrorIs(t, err, ErrInvalidStake)

	_, err = Settle(10, math.MaxInt64/2+1, towerRules())
	require.ErrorIs(t, err, ErrOverflow)
}
