package core

import (
	"context"
	"math/big"
	"sort"

	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	"github.com/aurelia-network/aurelia-core/pos/metrics"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
)

// ingestEvidence validates and enqueues misbehavior evidence,
// immediately jailing the offending validator. Duplicate evidence is
// silently dropped.
func (c *Core) ingestEvidence(ctx context.Context, bc *blockCtx, ev *api.Evidence) error {
	st := bc.state

	v, err := st.Validator(ctx, ev.Validator)
	if err != nil {
		return err
	}
	if v == nil {
		return api.ErrUnknownValidator
	}

	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	if ev.InfractionEpoch > current {
		return api.ErrInvalidArgument
	}
	if current > params.UnbondingLen && ev.InfractionEpoch < current-params.UnbondingLen {
		// Evidence beyond the unbonding horizon can no longer be
		// acted on.
		return api.ErrInvalidArgument
	}

	duplicate, err := st.HasEvidence(ctx, ev.Validator, ev.InfractionEpoch, ev.Type)
	if err != nil {
		return err
	}
	if duplicate {
		c.logger.Debug("dropping duplicate evidence",
			"validator", ev.Validator,
			"infraction_epoch", ev.InfractionEpoch,
			"type", ev.Type,
		)
		return nil
	}

	// Capture voting power as of the infraction epoch. A validator
	// outside the consensus set had no voting power then.
	vp := quantity.NewQuantity()
	consensus, err := st.ConsensusSet(ctx, ev.InfractionEpoch)
	if err != nil {
		return err
	}
	for _, m := range consensus {
		if m.Address.Equal(ev.Validator) {
			vp = m.Stake.Clone()
			break
		}
	}
	totalVp, err := st.TotalStakeSnapshot(ctx, ev.InfractionEpoch)
	if err != nil {
		return err
	}

	if err = st.QueueSlash(ctx, &api.QueuedSlash{
		Validator:        ev.Validator,
		InfractionEpoch:  ev.InfractionEpoch,
		Type:             ev.Type,
		ProcessEpoch:     ev.InfractionEpoch + params.UnbondingLen,
		VotingPower:      *vp,
		TotalVotingPower: *totalVp,
	}); err != nil {
		return err
	}

	if !v.Jailed {
		v.Jailed = true
		v.JailEpoch = current
		v.UnjailEpoch = epochtime.EpochInvalid
		if err = st.SetValidator(ctx, v); err != nil {
			return err
		}

		bc.emit(&api.Event{ValidatorJailed: &api.ValidatorJailedEvent{
			Validator: ev.Validator,
			Epoch:     current,
		}})
	}

	c.logger.Warn("validator misbehavior evidence accepted",
		"validator", ev.Validator,
		"infraction_epoch", ev.InfractionEpoch,
		"type", ev.Type,
	)
	metrics.EvidenceIngested.Inc()

	return c.recomputeValidatorSets(ctx, bc, params, current, false)
}

// processDueSlashes applies all queued slashes whose processing epoch
// has been reached, in deterministic order.
func (c *Core) processDueSlashes(ctx context.Context, bc *blockCtx, params *api.Parameters, newEpoch epochtime.EpochTime) error {
	st := bc.state

	due, err := st.QueuedSlashes(ctx, 0, newEpoch)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	// Cubic rates are computed against the window before anything is
	// applied, so the order of application cannot change the rates.
	rates := make([]*fixed.Fixed, len(due))
	for i, q := range due {
		if rates[i], err = c.cubicRate(ctx, st, params, q); err != nil {
			return err
		}
	}

	order := make([]int, len(due))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		qa, qb := due[order[a]], due[order[b]]
		if qa.InfractionEpoch != qb.InfractionEpoch {
			return qa.InfractionEpoch < qb.InfractionEpoch
		}
		if cmp := bytesCompare(qa.Validator, qb.Validator); cmp != 0 {
			return cmp < 0
		}
		return qa.Type < qb.Type
	})

	for _, i := range order {
		q := due[i]

		// Repeated processing of the same slash is a no-op.
		existing, err := st.FinalizedSlash(ctx, q.Validator, q.InfractionEpoch, q.Type)
		if err != nil {
			return err
		}
		if existing == nil {
			if err = c.applySlash(ctx, bc, newEpoch, q, rates[i]); err != nil {
				return err
			}
		}

		if err = st.RemoveQueuedSlash(ctx, q); err != nil {
			return err
		}
	}

	// Stakes moved, so the sets and the voting power snapshot must be
	// rebuilt.
	return c.recomputeValidatorSets(ctx, bc, params, newEpoch, false)
}

// cubicRate computes the slash rate for a queued slash: nine times the
// square of the summed fractional voting power of all slashes within
// the cubic window around its processing epoch, floored per infraction
// type and capped at one.
func (c *Core) cubicRate(ctx context.Context, st *posState.MutableState, params *api.Parameters, q *api.QueuedSlash) (*fixed.Fixed, error) {
	window := params.CubicSlashingWindow
	var from epochtime.EpochTime
	if q.ProcessEpoch > window {
		from = q.ProcessEpoch - window
	}
	to := q.ProcessEpoch + window

	sum := fixed.Zero()
	addFraction := func(vp, totalVp *quantity.Quantity) error {
		if totalVp.IsZero() {
			return nil
		}
		frac, err := fixed.FromQuantityRatio(vp, totalVp)
		if err != nil {
			return err
		}
		sum.Add(frac)
		return nil
	}

	queued, err := st.QueuedSlashes(ctx, from, to)
	if err != nil {
		return nil, err
	}
	for _, other := range queued {
		if err = addFraction(&other.VotingPower, &other.TotalVotingPower); err != nil {
			return nil, err
		}
	}

	// Slashes already finalized in earlier epochs still correlate
	// when their processing epoch falls inside the window.
	finalized, err := st.FinalizedSlashes(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range finalized {
		if f.ProcessEpoch < from || f.ProcessEpoch > to {
			continue
		}
		fq, err := st.QueuedSlash(ctx, f.ProcessEpoch, f.Validator, f.InfractionEpoch, f.Type)
		if err != nil {
			return nil, err
		}
		if fq != nil {
			// Still queued, counted above.
			continue
		}
		if err = addFraction(&f.VotingPower, &f.TotalVotingPower); err != nil {
			return nil, err
		}
	}

	rate := fixed.FromInt64(9).Mul(sum.Clone().Mul(sum))
	rate.Clamp(params.MinSlashRate(q.Type), fixed.One())
	return rate, nil
}

// applySlash applies a finalized slash to every bond, pending unbond
// and outgoing redelegation that contributed to the validator's voting
// power at the infraction epoch, and moves the slashed tokens from the
// escrow to the slash pool.
func (c *Core) applySlash(ctx context.Context, bc *blockCtx, newEpoch epochtime.EpochTime, q *api.QueuedSlash, rate *fixed.Fixed) error {
	st := bc.state
	slashedTotal := quantity.NewQuantity()

	// Live bonds that existed at the infraction epoch.
	bonds, err := st.BondsToValidator(ctx, q.Validator)
	if err != nil {
		return err
	}
	for _, b := range bonds {
		if b.Start > q.InfractionEpoch {
			continue
		}

		cut, err := rate.MulQuantity(&b.Amount)
		if err != nil {
			return err
		}
		if cut.IsZero() {
			continue
		}
		if err = b.Amount.Sub(cut); err != nil {
			return err
		}
		if err = st.SetBond(ctx, b); err != nil {
			return err
		}
		if err = slashedTotal.Add(cut); err != nil {
			return err
		}
		if err = reduceStake(ctx, st, newEpoch, q.Validator, b.Start, cut); err != nil {
			return err
		}
	}

	// Pending unbonds whose tokens were still staked at the
	// infraction epoch. The records are left untouched; the reduction
	// is recomputed identically at withdraw time from the finalized
	// slash. Only the escrow-to-pool move happens now.
	finalized, err := st.FinalizedSlashesFor(ctx, q.Validator)
	if err != nil {
		return err
	}
	unbonds, err := st.Unbonds(ctx)
	if err != nil {
		return err
	}
	for _, u := range unbonds {
		if !u.Validator.Equal(q.Validator) {
			continue
		}
		if q.InfractionEpoch < u.Start || q.InfractionEpoch >= u.Stop {
			continue
		}
		if inSnapshot(u, q) {
			continue
		}

		eff, err := effectiveUnbondAmount(u, finalized)
		if err != nil {
			return err
		}
		cut, err := rate.MulQuantity(eff)
		if err != nil {
			return err
		}
		if cut.IsZero() {
			continue
		}
		if err = slashedTotal.Add(cut); err != nil {
			return err
		}
		// Tokens scheduled to leave the stake in a future epoch are
		// slashed out of both the current stake and the pending
		// decrease.
		if u.Stop > newEpoch {
			if _, err = st.ReduceStakeSnapshot(ctx, newEpoch, q.Validator, cut); err != nil {
				return err
			}
			if _, err = st.ReduceStakeDeltaDown(ctx, u.Stop, q.Validator, cut); err != nil {
				return err
			}
		}
	}

	// Redelegations that moved the tokens away after the infraction.
	// The slash follows the tokens to the destination validator.
	redelegations, err := st.RedelegationsFromSource(ctx, q.Validator)
	if err != nil {
		return err
	}
	for _, r := range redelegations {
		if r.BondStart > q.InfractionEpoch || q.InfractionEpoch >= r.Start {
			continue
		}

		cut, err := rate.MulQuantity(&r.Amount)
		if err != nil {
			return err
		}
		if cut.IsZero() {
			continue
		}

		destBond, err := st.Bond(ctx, r.Owner, r.Dest, r.Start)
		if err != nil {
			return err
		}
		if destBond == nil {
			// The destination bond is already gone; nothing left to
			// follow.
			continue
		}
		applied, err := destBond.Amount.SubUpTo(cut)
		if err != nil {
			return err
		}
		if applied.IsZero() {
			continue
		}
		if err = st.SetBond(ctx, destBond); err != nil {
			return err
		}
		if err = r.Amount.Sub(applied); err != nil {
			return err
		}
		if err = st.SetRedelegation(ctx, r); err != nil {
			return err
		}
		if err = slashedTotal.Add(applied); err != nil {
			return err
		}
		if err = reduceStake(ctx, st, newEpoch, r.Dest, r.Start, applied); err != nil {
			return err
		}
	}

	if err = st.SetFinalizedSlash(ctx, &api.FinalizedSlash{
		Validator:        q.Validator,
		InfractionEpoch:  q.InfractionEpoch,
		Type:             q.Type,
		ProcessEpoch:     q.ProcessEpoch,
		Rate:             *rate.Clone(),
		VotingPower:      *q.VotingPower.Clone(),
		TotalVotingPower: *q.TotalVotingPower.Clone(),
	}); err != nil {
		return err
	}

	if !slashedTotal.IsZero() {
		if err = transfer(ctx, st, api.EscrowAddress, api.SlashPoolAddress, slashedTotal); err != nil {
			return err
		}
	}

	c.logger.Warn("slash applied",
		"validator", q.Validator,
		"infraction_epoch", q.InfractionEpoch,
		"type", q.Type,
		"rate", rate,
		"amount", slashedTotal,
	)
	slashedFloat, _ := new(big.Float).SetInt(slashedTotal.ToBigInt()).Float64()
	metrics.SlashedTokens.Add(slashedFloat)

	bc.emit(&api.Event{Slashed: &api.SlashedEvent{
		Validator:       q.Validator,
		Rate:            *rate.Clone(),
		InfractionEpoch: q.InfractionEpoch,
		Amount:          *slashedTotal,
	}})

	return nil
}

// reduceStake removes cut tokens from a validator's voting power: from
// the pending increase when the bond has not materialized yet, from
// the current snapshot otherwise.
func reduceStake(ctx context.Context, st *posState.MutableState, newEpoch epochtime.EpochTime, validator api.Address, bondStart epochtime.EpochTime, cut *quantity.Quantity) error {
	if bondStart > newEpoch {
		_, err := st.ReduceStakeDeltaUp(ctx, bondStart, validator, cut)
		return err
	}
	_, err := st.ReduceStakeSnapshot(ctx, newEpoch, validator, cut)
	return err
}

func inSnapshot(u *api.UnbondRecord, q *api.QueuedSlash) bool {
	for _, s := range u.Slashes {
		if s.InfractionEpoch == q.InfractionEpoch && s.Type == q.Type {
			return true
		}
	}
	return false
}
