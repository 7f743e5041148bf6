package core

import (
	"context"
	"math/big"

	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	"github.com/aurelia-network/aurelia-core/pos/metrics"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
)

// mintInflation runs one step of the PD inflation controller and mints
// the resulting tokens into the reward pool inside the escrow account.
func (c *Core) mintInflation(ctx context.Context, bc *blockCtx, params *api.Parameters, newEpoch epochtime.EpochTime) (*quantity.Quantity, error) {
	st := bc.state

	supply, err := st.TotalSupply(ctx)
	if err != nil {
		return nil, err
	}
	if supply.IsZero() {
		return quantity.NewQuantity(), nil
	}

	staked, err := c.totalStaked(ctx, st, newEpoch)
	if err != nil {
		return nil, err
	}

	// Per-epoch inflation ceiling.
	maxYearly, err := params.MaxInflationRate.MulQuantity(supply)
	if err != nil {
		return nil, err
	}
	maxPerEpoch := maxYearly.Clone()
	if err = maxPerEpoch.Quo(quantity.NewFromUint64(params.EpochsPerYear)); err != nil {
		return nil, err
	}
	maxFixed, err := fixed.FromQuantityRatio(maxPerEpoch, quantity.NewFromUint64(1))
	if err != nil {
		return nil, err
	}

	// Controller gains are nominal values scaled by the ceiling.
	kp := params.ProportionalGain.Clone().Mul(maxFixed)
	kd := params.DerivativeGain.Clone().Mul(maxFixed)

	ratio, err := fixed.FromQuantityRatio(staked, supply)
	if err != nil {
		return nil, err
	}

	is, err := st.InflationState(ctx)
	if err != nil {
		return nil, err
	}

	errP := params.TargetStakedRatio.Clone().Sub(ratio)
	errD := is.LastStakedRatio.Clone().Sub(ratio)
	control := kp.Mul(errP).Sub(kd.Mul(errD))

	lastMint, err := fixed.FromQuantityRatio(&is.LastMint, quantity.NewFromUint64(1))
	if err != nil {
		return nil, err
	}
	next := lastMint.Add(control)
	next.Clamp(fixed.Zero(), maxFixed)

	minted, err := next.ToTokens()
	if err != nil {
		return nil, err
	}

	if err = st.SetInflationState(ctx, &posState.InflationState{
		LastMint:        *minted.Clone(),
		LastStakedRatio: *ratio,
	}); err != nil {
		return nil, err
	}

	if minted.IsZero() {
		return minted, nil
	}

	if err = mint(ctx, st, api.EscrowAddress, minted); err != nil {
		return nil, err
	}
	pool, err := st.RewardPool(ctx)
	if err != nil {
		return nil, err
	}
	if err = pool.Add(minted); err != nil {
		return nil, err
	}
	if err = st.SetRewardPool(ctx, pool); err != nil {
		return nil, err
	}

	c.logger.Info("inflation minted",
		"epoch", newEpoch,
		"amount", minted,
	)
	mintedFloat, _ := new(big.Float).SetInt(minted.ToBigInt()).Float64()
	metrics.MintedTokens.Add(mintedFloat)

	bc.emit(&api.Event{InflationMinted: &api.InflationMintedEvent{
		Epoch:  newEpoch,
		Amount: *minted.Clone(),
	}})

	return minted, nil
}

// totalStaked sums the stake of every registered validator at the
// given epoch.
func (c *Core) totalStaked(ctx context.Context, st *posState.MutableState, epoch epochtime.EpochTime) (*quantity.Quantity, error) {
	validators, err := st.Validators(ctx)
	if err != nil {
		return nil, err
	}

	total := quantity.NewQuantity()
	for _, v := range validators {
		stake, err := st.StakeSnapshot(ctx, epoch, v.Address)
		if err != nil {
			return nil, err
		}
		if err = total.Add(stake); err != nil {
			return nil, err
		}
	}
	return total, nil
}
