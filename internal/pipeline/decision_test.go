package pipeline

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/emperorhan/vault-harvester/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		reward  *big.Int
		paused  bool
		gain    *big.Int
		hours   float64
		cap     float64
		harvest bool
		reason  model.SkipReason
	}{
		{name: "zero reward", reward: big.NewInt(0), gain: big.NewInt(10), hours: 100, cap: 24, reason: model.SkipReasonRewardTooLow},
		{name: "nil reward", gain: big.NewInt(10), reason: model.SkipReasonRewardTooLow},
		{name: "reward gate wins over paused", reward: big.NewInt(0), paused: true, reason: model.SkipReasonRewardTooLow},
		{name: "paused", reward: big.NewInt(1), paused: true, gain: big.NewInt(10), reason: model.SkipReasonPaused},
		{name: "unprofitable and fresh", reward: big.NewInt(1), gain: big.NewInt(-5), hours: 2, cap: 24, reason: model.SkipReasonNotDue},
		{name: "zero gain at cap", reward: big.NewInt(1), gain: big.NewInt(0), hours: 24, cap: 24, reason: model.SkipReasonNotDue},
		{name: "profitable", reward: big.NewInt(1), gain: big.NewInt(1), hours: 0, cap: 24, harvest: true},
		{name: "stale overrides loss", reward: big.NewInt(1), gain: big.NewInt(-1_000), hours: 24.5, cap: 24, harvest: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.reward, tc.paused, tc.gain, tc.hours, tc.cap)
			assert.Equal(t, tc.harvest, d.ShouldHarvest)
			if tc.harvest {
				require.NotNil(t, d.Evidence)
				assert.Empty(t, d.Reason)
				return
			}
			assert.Equal(t, tc.reason, d.Reason)
			assert.Nil(t, d.Evidence)
		})
	}
}

func TestDecide_EvidenceFlags(t *testing.T) {
	gain := big.NewInt(5)
	d := Decide(big.NewInt(10), false, gain, 30, 24)
	require.True(t, d.ShouldHarvest)
	assert.True(t, d.Evidence.Profitable)
	assert.True(t, d.Evidence.Stale)
	assert.Equal(t, 24.0, d.Evidence.StaleCapHours)

	gain.SetInt64(99)
	assert.Equal(t, int64(5), d.Evidence.EstimatedGainWei.Int64(), "evidence must not alias input")
}

func TestDecide_IsTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5_000; i++ {
		reward := big.NewInt(rng.Int63n(5) - 1)
		gain := big.NewInt(rng.Int63n(11) - 5)
		paused := rng.Intn(2) == 0
		hours := float64(rng.Intn(48))
		staleCap := float64(rng.Intn(48))

		d := Decide(reward, paused, gain, hours, staleCap)

		want := reward.Sign() > 0 && !paused && (gain.Sign() > 0 || hours > staleCap)
		assert.Equal(t, want, d.ShouldHarvest)
		if d.ShouldHarvest {
			assert.Empty(t, d.Reason)
		} else {
			assert.Contains(t, []model.SkipReason{model.SkipReasonRewardTooLow, model.SkipReasonPaused, model.SkipReasonNotDue}, d.Reason)
		}
	}
}
