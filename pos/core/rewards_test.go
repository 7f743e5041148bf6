package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/pos/api"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
	"github.com/aurelia-network/aurelia-core/storage/kv"
)

func newRawState(t *testing.T) (*Core, *posState.MutableState) {
	backend := kv.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })

	tx := backend.NewTransaction()
	t.Cleanup(tx.Discard)

	return New(backend), posState.NewMutableState(tx)
}

func TestEpochCloseProducts(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c, st := newRawState(t)
	params := testParams(t)
	val := testAddr(1)

	// A validator with stake 1000 and a 10% commission earns the
	// whole 100 token epoch reward.
	require.NoError(st.SetStakeSnapshot(ctx, 0, val, quantity.NewFromUint64(1000)), "SetStakeSnapshot")
	require.NoError(st.SetRewardAccumulator(ctx, 0, val, fixed.One()), "SetRewardAccumulator")

	var cs api.CommissionSchedule
	rate := mustRatio(t, 1, 10)
	require.NoError(cs.ScheduleChange(&rate, 0, fixed.One()), "ScheduleChange")
	require.NoError(st.SetCommissionSchedule(ctx, val, &cs), "SetCommissionSchedule")

	require.NoError(c.closeEpochRewards(ctx, st, &params, 0, quantity.NewFromUint64(100)), "closeEpochRewards")

	selfProduct, err := st.SelfProductAt(ctx, val, 0)
	require.NoError(err, "SelfProductAt")
	expectedSelf := mustRatio(t, 11, 10)
	require.Zero(selfProduct.Cmp(&expectedSelf), "self stream compounds at the full rate")

	delegProduct, err := st.DelegProductAt(ctx, val, 0)
	require.NoError(err, "DelegProductAt")
	expectedDeleg := mustRatio(t, 109, 100)
	require.Zero(delegProduct.Cmp(&expectedDeleg), "delegation stream compounds post commission")
}

func TestInflationControllerStep(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c, st := newRawState(t)
	val := testAddr(1)

	params := api.DefaultParameters()
	params.MaxInflationRate = mustRatio(t, 1, 10)
	params.EpochsPerYear = 365
	params.ProportionalGain = mustRatio(t, 1, 10)
	params.DerivativeGain = mustRatio(t, 1, 10)
	params.TargetStakedRatio = mustRatio(t, 3, 5)

	// Supply 365000 gives a 100 token per-epoch ceiling; half of it
	// is staked against a 60% target with a 55% previous ratio.
	require.NoError(st.SetTotalSupply(ctx, quantity.NewFromUint64(365000)), "SetTotalSupply")
	require.NoError(st.SetValidator(ctx, &api.Validator{Address: val}), "SetValidator")
	require.NoError(st.SetStakeSnapshot(ctx, 1, val, quantity.NewFromUint64(182500)), "SetStakeSnapshot")
	require.NoError(st.SetInflationState(ctx, &posState.InflationState{
		LastMint:        *quantity.NewFromUint64(10),
		LastStakedRatio: mustRatio(t, 11, 20),
	}), "SetInflationState")

	bc := &blockCtx{state: st}
	minted, err := c.mintInflation(ctx, bc, &params, 1)
	require.NoError(err, "mintInflation")

	// KP = KD = 10, EP = 0.1, ED = 0.05: control signal 0.5 raises
	// the previous mint to 10.5, truncated to 10 whole tokens.
	require.Equal(uint64(10), minted.ToBigInt().Uint64(), "minted per controller step")

	supply, err := st.TotalSupply(ctx)
	require.NoError(err, "TotalSupply")
	require.Equal(uint64(365010), supply.ToBigInt().Uint64(), "supply grown")

	pool, err := st.RewardPool(ctx)
	require.NoError(err, "RewardPool")
	require.Equal(uint64(10), pool.ToBigInt().Uint64(), "pool holds the mint")

	is, err := st.InflationState(ctx)
	require.NoError(err, "InflationState")
	require.Equal(uint64(10), is.LastMint.ToBigInt().Uint64(), "last mint recorded")
	expectedRatio := mustRatio(t, 1, 2)
	require.Zero(is.LastStakedRatio.Cmp(&expectedRatio), "last staked ratio recorded")

	var sawMint bool
	for _, ev := range bc.events {
		if ev.InflationMinted != nil {
			sawMint = true
			require.Equal(uint64(10), ev.InflationMinted.Amount.ToBigInt().Uint64(), "mint event amount")
		}
	}
	require.True(sawMint, "mint event emitted")
}

func TestCubicRateBounds(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	c, st := newRawState(t)
	params := testParams(t)

	// A tiny correlated fraction floors at the per-type minimum rate.
	small := &api.QueuedSlash{
		Validator:        testAddr(1),
		InfractionEpoch:  5,
		Type:             api.InfractionDoubleSign,
		ProcessEpoch:     26,
		VotingPower:      *quantity.NewFromUint64(1),
		TotalVotingPower: *quantity.NewFromUint64(1000),
	}
	require.NoError(st.QueueSlash(ctx, small), "QueueSlash")

	rate, err := c.cubicRate(ctx, st, &params, small)
	require.NoError(err, "cubicRate")
	require.Zero(rate.Cmp(&params.DoubleSignMinSlashRate), "rate floors at the type minimum")

	// A third of the voting power, correlated with the small slash still
	// queued inside the window, saturates the rate at one.
	big := &api.QueuedSlash{
		Validator:        testAddr(2),
		InfractionEpoch:  6,
		Type:             api.InfractionDoubleSign,
		ProcessEpoch:     27,
		VotingPower:      *quantity.NewFromUint64(333),
		TotalVotingPower: *quantity.NewFromUint64(999),
	}
	require.NoError(st.QueueSlash(ctx, big), "QueueSlash")

	rate, err = c.cubicRate(ctx, st, &params, big)
	require.NoError(err, "cubicRate")
	require.Zero(rate.Cmp(fixed.One()), "rate saturates at one")
}
