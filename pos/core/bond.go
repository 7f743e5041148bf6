package core

import (
	"context"
	"sort"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
)

// bondableValidator fetches the validator and rejects bond-class
// operations against jailed or deactivating validators.
func bondableValidator(ctx context.Context, st *posState.MutableState, addr api.Address) (*api.Validator, error) {
	v, err := st.Validator(ctx, addr)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, api.ErrUnknownValidator
	}
	if v.Jailed {
		return nil, api.ErrJailedValidator
	}
	if v.DeactivationEpoch != epochtime.EpochInvalid || v.State == api.StateInactive {
		return nil, api.ErrInactiveValidator
	}
	return v, nil
}

func (c *Core) bond(ctx context.Context, bc *blockCtx, sender api.Address, body cbor.RawMessage) error {
	var req api.Bond
	if err := cbor.Unmarshal(body, &req); err != nil {
		return api.ErrInvalidArgument
	}
	if req.Amount.IsZero() {
		return api.ErrInvalidArgument
	}

	st := bc.state
	if _, err := bondableValidator(ctx, st, req.Validator); err != nil {
		return err
	}

	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	start := current + params.PipelineLen

	if err = transfer(ctx, st, sender, api.EscrowAddress, &req.Amount); err != nil {
		return err
	}

	// Merge with an existing bond from the same epoch.
	bond, err := st.Bond(ctx, sender, req.Validator, start)
	if err != nil {
		return err
	}
	if bond == nil {
		bond = &api.BondRecord{
			Owner:     sender,
			Validator: req.Validator,
			Start:     start,
		}
	}
	if err = bond.Amount.Add(&req.Amount); err != nil {
		return err
	}
	if err = st.SetBond(ctx, bond); err != nil {
		return err
	}

	if err = st.AddStakeDelta(ctx, start, req.Validator, &req.Amount); err != nil {
		return err
	}

	c.logger.Debug("Bond: escrowed stake",
		"owner", sender,
		"validator", req.Validator,
		"amount", req.Amount,
		"start", start,
	)

	bc.emit(&api.Event{Bonded: &api.BondedEvent{
		Owner:     sender,
		Validator: req.Validator,
		Amount:    *req.Amount.Clone(),
		Start:     start,
	}})

	return nil
}

func (c *Core) unbond(ctx context.Context, bc *blockCtx, sender api.Address, body cbor.RawMessage) error {
	var req api.Unbond
	if err := cbor.Unmarshal(body, &req); err != nil {
		return api.ErrInvalidArgument
	}
	if req.Amount.IsZero() {
		return api.ErrInvalidArgument
	}

	st := bc.state
	if _, err := bondableValidator(ctx, st, req.Validator); err != nil {
		return err
	}

	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	stop := current + params.PipelineLen
	withdrawable := stop + params.UnbondingLen

	bonds, err := st.BondsFor(ctx, sender, req.Validator)
	if err != nil {
		return err
	}

	total := quantity.NewQuantity()
	for _, b := range bonds {
		if err = total.Add(&b.Amount); err != nil {
			return err
		}
	}
	if total.Cmp(&req.Amount) < 0 {
		return api.ErrInsufficientBond
	}

	finalized, err := st.FinalizedSlashesFor(ctx, req.Validator)
	if err != nil {
		return err
	}

	// Consume bonds oldest first. FIFO selection keeps retroactive
	// slashing deterministic.
	remaining := req.Amount.Clone()
	for _, b := range bonds {
		if remaining.IsZero() {
			break
		}

		consumed, err := b.Amount.SubUpTo(remaining)
		if err != nil {
			return err
		}
		if err = remaining.Sub(consumed); err != nil {
			return err
		}
		if err = st.SetBond(ctx, b); err != nil {
			return err
		}

		unbond, err := mergeUnbond(ctx, st, &api.UnbondRecord{
			Owner:        sender,
			Validator:    req.Validator,
			Start:        b.Start,
			Stop:         stop,
			Withdrawable: withdrawable,
			Amount:       *consumed,
			Slashes:      snapshotSlashes(finalized, b.Start),
		})
		if err != nil {
			return err
		}
		if err = st.SetUnbond(ctx, unbond); err != nil {
			return err
		}
	}

	if err = st.SubStakeDelta(ctx, stop, req.Validator, &req.Amount); err != nil {
		return err
	}

	c.logger.Debug("Unbond: debonding stake",
		"owner", sender,
		"validator", req.Validator,
		"amount", req.Amount,
		"withdrawable", withdrawable,
	)

	bc.emit(&api.Event{Unbonded: &api.UnbondedEvent{
		Owner:        sender,
		Validator:    req.Validator,
		Amount:       *req.Amount.Clone(),
		Withdrawable: withdrawable,
	}})

	return nil
}

// mergeUnbond merges the new unbond with an existing record under the
// same key, if any.
func mergeUnbond(ctx context.Context, st *posState.MutableState, u *api.UnbondRecord) (*api.UnbondRecord, error) {
	unbonds, err := st.UnbondsFor(ctx, u.Owner, u.Validator)
	if err != nil {
		return nil, err
	}
	for _, existing := range unbonds {
		if existing.Start == u.Start && existing.Withdrawable == u.Withdrawable {
			if err = existing.Amount.Add(&u.Amount); err != nil {
				return nil, err
			}
			return existing, nil
		}
	}
	return u, nil
}

// snapshotSlashes lists the finalized slashes already reflected in a
// bond's amount at unbond time.
func snapshotSlashes(finalized []*api.FinalizedSlash, bondStart epochtime.EpochTime) []api.SlashSnapshot {
	var snapshot []api.SlashSnapshot
	for _, f := range finalized {
		if f.InfractionEpoch < bondStart {
			continue
		}
		snapshot = append(snapshot, api.SlashSnapshot{
			InfractionEpoch: f.InfractionEpoch,
			Type:            f.Type,
			Rate:            f.Rate,
		})
	}
	return snapshot
}

// pendingSlashes returns the finalized slashes applicable to the
// unbond that are not in its snapshot, ordered by (infraction epoch,
// type).
func pendingSlashes(finalized []*api.FinalizedSlash, u *api.UnbondRecord) []*api.FinalizedSlash {
	inSnapshot := func(f *api.FinalizedSlash) bool {
		for _, s := range u.Slashes {
			if s.InfractionEpoch == f.InfractionEpoch && s.Type == f.Type {
				return true
			}
		}
		return false
	}

	var pending []*api.FinalizedSlash
	for _, f := range finalized {
		if f.InfractionEpoch < u.Start || f.InfractionEpoch >= u.Stop {
			continue
		}
		if inSnapshot(f) {
			continue
		}
		pending = append(pending, f)
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].InfractionEpoch != pending[j].InfractionEpoch {
			return pending[i].InfractionEpoch < pending[j].InfractionEpoch
		}
		return pending[i].Type < pending[j].Type
	})
	return pending
}

// effectiveUnbondAmount applies the unbond's pending slashes to its
// recorded amount, in deterministic order with flooring at each step.
func effectiveUnbondAmount(u *api.UnbondRecord, finalized []*api.FinalizedSlash) (*quantity.Quantity, error) {
	eff := u.Amount.Clone()
	for _, f := range pendingSlashes(finalized, u) {
		slashed, err := f.Rate.MulQuantity(eff)
		if err != nil {
			return nil, err
		}
		if err = eff.Sub(slashed); err != nil {
			return nil, err
		}
	}
	return eff, nil
}

func (c *Core) withdraw(ctx context.Context, bc *blockCtx, sender api.Address, body cbor.RawMessage) error {
	var req api.Withdraw
	if err := cbor.Unmarshal(body, &req); err != nil {
		return api.ErrInvalidArgument
	}

	st := bc.state
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	unbonds, err := st.UnbondsFor(ctx, sender, req.Validator)
	if err != nil {
		return err
	}
	finalized, err := st.FinalizedSlashesFor(ctx, req.Validator)
	if err != nil {
		return err
	}

	selfBond := sender.Equal(req.Validator)

	payout := quantity.NewQuantity()
	credit := quantity.NewQuantity()
	var withdrawn bool
	for _, u := range unbonds {
		if u.Withdrawable > current {
			continue
		}
		withdrawn = true

		eff, err := effectiveUnbondAmount(u, finalized)
		if err != nil {
			return err
		}
		if err = payout.Add(eff); err != nil {
			return err
		}

		reward, err := c.rewardCredit(ctx, st, u, eff, selfBond)
		if err != nil {
			return err
		}
		if err = credit.Add(reward); err != nil {
			return err
		}

		if err = st.RemoveUnbond(ctx, u); err != nil {
			return err
		}
	}
	if !withdrawn {
		return api.ErrNoWithdrawableUnbonds
	}

	if err = transfer(ctx, st, api.EscrowAddress, sender, payout); err != nil {
		return err
	}

	// Reward credit comes out of the reward pool; dust rounding means
	// the pool can cover slightly less than the product arithmetic
	// suggests, in which case the credit is capped at the pool.
	if !credit.IsZero() {
		pool, err := st.RewardPool(ctx)
		if err != nil {
			return err
		}
		capped, err := pool.SubUpTo(credit)
		if err != nil {
			return err
		}
		if err = st.SetRewardPool(ctx, pool); err != nil {
			return err
		}
		if err = transfer(ctx, st, api.EscrowAddress, sender, capped); err != nil {
			return err
		}
		credit = capped
	}

	total := payout.Clone()
	if err = total.Add(credit); err != nil {
		return err
	}

	c.logger.Debug("Withdraw: released stake",
		"owner", sender,
		"validator", req.Validator,
		"amount", total,
	)

	bc.emit(&api.Event{Withdrawn: &api.WithdrawnEvent{
		Owner:     sender,
		Validator: req.Validator,
		Amount:    *total,
	}})

	return nil
}

// rewardCredit computes the accumulated rewards for an unbonded amount
// spanning the epochs the bond was staked, using the appropriate
// rewards-product series.
func (c *Core) rewardCredit(
	ctx context.Context,
	st *posState.MutableState,
	u *api.UnbondRecord,
	amount *quantity.Quantity,
	selfBond bool,
) (*quantity.Quantity, error) {
	if amount.IsZero() || u.Stop == 0 {
		return quantity.NewQuantity(), nil
	}

	productAt := st.DelegProductAt
	if selfBond {
		productAt = st.SelfProductAt
	}

	// Growth over (start-1, stop-1]: final product over the product
	// just before the bond started earning.
	end, err := productAt(ctx, u.Validator, u.Stop-1)
	if err != nil {
		return nil, err
	}
	begin, err := productBefore(ctx, productAt, u.Validator, u.Start)
	if err != nil {
		return nil, err
	}

	growth := end.Clone()
	if err = growth.Quo(begin); err != nil {
		return nil, err
	}

	grown, err := growth.MulQuantity(amount)
	if err != nil {
		return nil, err
	}
	// Rounding can push the floored product below the principal; no
	// credit in that case.
	if grown.Cmp(amount) <= 0 {
		return quantity.NewQuantity(), nil
	}
	if err = grown.Sub(amount); err != nil {
		return nil, err
	}
	return grown, nil
}

func productBefore(
	ctx context.Context,
	productAt func(context.Context, api.Address, epochtime.EpochTime) (*fixed.Fixed, error),
	addr api.Address,
	epoch epochtime.EpochTime,
) (*fixed.Fixed, error) {
	if epoch == 0 {
		return fixed.One(), nil
	}
	return productAt(ctx, addr, epoch-1)
}
