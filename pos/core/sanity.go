package core

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
)

// checkInvariants verifies the consensus-critical invariants after an
// epoch transition. Any violation is fatal: the caller must abort the
// block rather than continue with divergent state.
func (c *Core) checkInvariants(ctx context.Context, st *posState.MutableState, epoch epochtime.EpochTime) error {
	var errs *multierror.Error

	if err := c.checkEscrowBalance(ctx, st); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.checkSetMembership(ctx, st, epoch); err != nil {
		errs = multierror.Append(errs, err)
	}

	if err := errs.ErrorOrNil(); err != nil {
		c.logger.Error("invariant violation",
			"err", err,
			"epoch", epoch,
		)
		return api.ErrFatalInvariant
	}
	return nil
}

// checkEscrowBalance verifies that the escrow account exactly covers
// all bonds, all pending unbonds at their post-slash effective values,
// and the uncredited reward pool.
func (c *Core) checkEscrowBalance(ctx context.Context, st *posState.MutableState) error {
	expected := quantity.NewQuantity()

	bonds, err := st.Bonds(ctx)
	if err != nil {
		return err
	}
	for _, b := range bonds {
		if err = expected.Add(&b.Amount); err != nil {
			return err
		}
	}

	unbonds, err := st.Unbonds(ctx)
	if err != nil {
		return err
	}
	finalizedCache := make(map[api.Address][]*api.FinalizedSlash)
	for _, u := range unbonds {
		finalized, ok := finalizedCache[u.Validator]
		if !ok {
			if finalized, err = st.FinalizedSlashesFor(ctx, u.Validator); err != nil {
				return err
			}
			finalizedCache[u.Validator] = finalized
		}

		eff, err := effectiveUnbondAmount(u, finalized)
		if err != nil {
			return err
		}
		if err = expected.Add(eff); err != nil {
			return err
		}
	}

	pool, err := st.RewardPool(ctx)
	if err != nil {
		return err
	}
	if err = expected.Add(pool); err != nil {
		return err
	}

	escrow, err := st.Account(ctx, api.EscrowAddress)
	if err != nil {
		return err
	}
	if escrow.Balance.Cmp(expected) != 0 {
		return fmt.Errorf("pos: escrow balance %s does not cover bonds, unbonds and reward pool %s",
			escrow.Balance, expected)
	}
	return nil
}

// checkSetMembership verifies that every schedulable validator is in
// exactly one set, that set ordering respects the capacity and
// threshold rules, and that jailed or inactive validators are in none.
func (c *Core) checkSetMembership(ctx context.Context, st *posState.MutableState, epoch epochtime.EpochTime) error {
	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}

	consensus, err := st.ConsensusSet(ctx, epoch)
	if err != nil {
		return err
	}
	belowCapacity, err := st.BelowCapacitySet(ctx, epoch)
	if err != nil {
		return err
	}
	belowThreshold, err := st.BelowThresholdSet(ctx, epoch)
	if err != nil {
		return err
	}

	if uint64(len(consensus)) > params.MaxConsensusValidators {
		return fmt.Errorf("pos: consensus set size %d over maximum %d",
			len(consensus), params.MaxConsensusValidators)
	}

	membership := make(map[api.Address]int)
	for _, m := range consensus {
		membership[m.Address]++
		if m.Stake.Cmp(&params.MinValidatorStake) < 0 {
			return fmt.Errorf("pos: consensus member %s under minimum stake", m.Address)
		}
	}
	for _, m := range belowCapacity {
		membership[m.Address]++
		if m.Stake.Cmp(&params.MinValidatorStake) < 0 {
			return fmt.Errorf("pos: below-capacity member %s under minimum stake", m.Address)
		}
	}
	for _, addr := range belowThreshold {
		membership[addr]++

		stake, err := st.StakeSnapshot(ctx, epoch, addr)
		if err != nil {
			return err
		}
		if stake.Cmp(&params.MinValidatorStake) >= 0 {
			return fmt.Errorf("pos: below-threshold member %s at or over minimum stake", addr)
		}
	}

	for addr, count := range membership {
		if count > 1 {
			return fmt.Errorf("pos: validator %s in %d sets", addr, count)
		}
	}

	// Every below-capacity member must not out-stake any consensus
	// member. With both sets ordered it suffices to compare the
	// boundary, unless consensus still has free capacity.
	if len(consensus) > 0 && len(belowCapacity) > 0 {
		if uint64(len(consensus)) < params.MaxConsensusValidators {
			return fmt.Errorf("pos: below-capacity set non-empty with free consensus capacity")
		}
		lowest := consensus[len(consensus)-1]
		highest := belowCapacity[0]
		if highest.Stake.Cmp(&lowest.Stake) > 0 {
			return fmt.Errorf("pos: below-capacity member %s out-stakes consensus member %s",
				highest.Address, lowest.Address)
		}
	}

	validators, err := st.Validators(ctx)
	if err != nil {
		return err
	}
	for _, v := range validators {
		inSets := membership[v.Address]
		if !schedulableAt(v, epoch) && inSets != 0 {
			return fmt.Errorf("pos: unschedulable validator %s present in a set", v.Address)
		}
		if schedulableAt(v, epoch) && inSets == 0 && v.State != api.StateCandidate {
			return fmt.Errorf("pos: schedulable validator %s missing from all sets", v.Address)
		}
	}

	return nil
}
