package core

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
)

// accumulateBlockRewards splits this block's share of the epoch reward
// between the proposer, the signers and the whole consensus set, and
// folds the resulting fractions into the per-validator accumulators.
func (c *Core) accumulateBlockRewards(ctx context.Context, bc *blockCtx, proposer api.Address, signers []api.Address) error {
	st := bc.state

	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	consensus, err := st.ConsensusSet(ctx, current)
	if err != nil {
		return err
	}
	if len(consensus) == 0 {
		return nil
	}

	total, err := st.TotalStakeSnapshot(ctx, current)
	if err != nil {
		return err
	}
	if total.IsZero() {
		return nil
	}

	stakes := make(map[api.Address]*quantity.Quantity, len(consensus))
	for _, m := range consensus {
		stakes[m.Address] = m.Stake.Clone()
	}

	signingStake := quantity.NewQuantity()
	var signersInSet []api.Address
	for _, s := range signers {
		stake, ok := stakes[s]
		if !ok {
			continue
		}
		if err = signingStake.Add(stake); err != nil {
			return err
		}
		signersInSet = append(signersInSet, s)
	}
	if signingStake.IsZero() {
		return nil
	}

	signingFrac, err := fixed.FromQuantityRatio(signingStake, total)
	if err != nil {
		return err
	}

	// Proposer share grows linearly with the signing fraction above
	// the quorum minimum, clamped to the configured band.
	propShare := signingFrac.Clone().Sub(&params.MinSigningFraction)
	propShare.Mul(&params.ProposerRewardSlope)
	propShare.Add(&params.ProposerBaseReward)
	maxShare := fixed.One().Sub(&params.MinSigningFraction)
	maxShare.Mul(&params.ProposerRewardSlope)
	maxShare.Add(&params.ProposerBaseReward)
	propShare.Clamp(&params.ProposerBaseReward, maxShare)

	signerShare := fixed.One().Sub(propShare).Sub(&params.SetRewardShare)

	// Each block contributes one epoch-interval's worth of the epoch
	// reward.
	blockWeight, err := fixed.FromRatio(1, int64(params.EpochBlockInterval))
	if err != nil {
		return err
	}

	addAccum := func(addr api.Address, share *fixed.Fixed) error {
		if share.Sign() <= 0 {
			return nil
		}
		accum, err := st.RewardAccumulator(ctx, current, addr)
		if err != nil {
			return err
		}
		accum.Add(blockWeight.Clone().Mul(share))
		return st.SetRewardAccumulator(ctx, current, addr, accum)
	}

	if _, ok := stakes[proposer]; ok {
		if err = addAccum(proposer, propShare); err != nil {
			return err
		}
	}

	// Set share, pro rata by stake over the whole consensus set.
	for _, m := range consensus {
		frac, err := fixed.FromQuantityRatio(&m.Stake, total)
		if err != nil {
			return err
		}
		if err = addAccum(m.Address, frac.Mul(&params.SetRewardShare)); err != nil {
			return err
		}
	}

	// Signer share, pro rata by stake within the signing set.
	for _, s := range signersInSet {
		frac, err := fixed.FromQuantityRatio(stakes[s], signingStake)
		if err != nil {
			return err
		}
		if err = addAccum(s, frac.Mul(signerShare)); err != nil {
			return err
		}
	}

	return nil
}

// creditFees credits this block's transaction fees directly to the
// proposer out of the fee accumulator account.
func (c *Core) creditFees(ctx context.Context, bc *blockCtx, proposer api.Address, fees *quantity.Quantity) error {
	if fees == nil || fees.IsZero() {
		return nil
	}

	st := bc.state
	acct, err := st.Account(ctx, api.FeeAccumulatorAddress)
	if err != nil {
		return err
	}

	available, err := acct.Balance.SubUpTo(fees)
	if err != nil {
		return err
	}
	if available.IsZero() {
		return nil
	}
	if err = st.SetAccount(ctx, api.FeeAccumulatorAddress, acct); err != nil {
		return err
	}

	proposerAcct, err := st.Account(ctx, proposer)
	if err != nil {
		return err
	}
	if err = proposerAcct.Balance.Add(available); err != nil {
		return err
	}
	return st.SetAccount(ctx, proposer, proposerAcct)
}

// closeEpochRewards converts the accumulated reward fractions of the
// closed epoch into token amounts and extends both rewards-product
// series. Flooring dust stays in the reward pool.
func (c *Core) closeEpochRewards(
	ctx context.Context,
	st *posState.MutableState,
	params *api.Parameters,
	closedEpoch epochtime.EpochTime,
	minted *quantity.Quantity,
) error {
	accums, order, err := st.RewardAccumulators(ctx, closedEpoch)
	if err != nil {
		return err
	}

	for _, addr := range order {
		reward, err := accums[addr].MulQuantity(minted)
		if err != nil {
			return err
		}
		if reward.IsZero() {
			continue
		}

		stake, err := st.StakeSnapshot(ctx, closedEpoch, addr)
		if err != nil {
			return err
		}
		if stake.IsZero() {
			continue
		}

		ratio, err := fixed.FromQuantityRatio(reward, stake)
		if err != nil {
			return err
		}

		cs, err := st.CommissionSchedule(ctx, addr)
		if err != nil {
			return err
		}
		commission := cs.RateAt(closedEpoch)
		if commission == nil {
			commission = fixed.Zero()
		}

		// Self-bond stream compounds at the full reward rate, the
		// delegation stream at the post-commission rate.
		selfProduct, err := productBefore(ctx, st.SelfProductAt, addr, closedEpoch+1)
		if err != nil {
			return err
		}
		selfProduct = selfProduct.Clone().Mul(fixed.One().Add(ratio))
		if err = st.SetSelfProduct(ctx, addr, closedEpoch, selfProduct); err != nil {
			return err
		}

		delegRatio := fixed.One().Sub(commission).Mul(ratio)
		delegProduct, err := productBefore(ctx, st.DelegProductAt, addr, closedEpoch+1)
		if err != nil {
			return err
		}
		delegProduct = delegProduct.Clone().Mul(fixed.One().Add(delegRatio))
		if err = st.SetDelegProduct(ctx, addr, closedEpoch, delegProduct); err != nil {
			return err
		}
	}

	return nil
}
