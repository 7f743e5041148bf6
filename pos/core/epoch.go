package core

import (
	"context"
	"sort"

	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	"github.com/aurelia-network/aurelia-core/pos/metrics"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
)

// maybeTransitionEpoch advances the epoch clock by one epoch if the
// block height crosses the epoch interval, running the full epoch
// transition. Returns whether a transition happened so the caller can
// loop in case a block skips over multiple epoch boundaries.
func (c *Core) maybeTransitionEpoch(ctx context.Context, bc *blockCtx, header *api.BlockHeader) (bool, error) {
	st := bc.state

	es, err := st.EpochState(ctx)
	if err != nil {
		return false, err
	}
	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return false, err
	}

	if header.Height < es.FirstBlockHeight+int64(params.EpochBlockInterval) {
		return false, nil
	}

	closedEpoch := es.Epoch
	newEpoch := es.Epoch + 1
	// The closed epoch ran with the old block interval; the new first
	// block height is fixed before any parameter change applies.
	newFirstBlockHeight := es.FirstBlockHeight + int64(params.EpochBlockInterval)

	c.logger.Info("epoch transition",
		"epoch", newEpoch,
		"height", header.Height,
	)

	// Apply scheduled parameter changes first. Everything that
	// follows runs with the new epoch's parameters.
	if scheduled, err := st.ScheduledParameters(ctx, newEpoch); err != nil {
		return false, err
	} else if scheduled != nil {
		if err = st.SetConsensusParameters(ctx, scheduled); err != nil {
			return false, err
		}
		if err = st.ClearScheduledParameters(ctx, newEpoch); err != nil {
			return false, err
		}
		params = scheduled
	}

	if err = st.SetEpochState(ctx, &posState.EpochState{
		Epoch:            newEpoch,
		FirstBlockHeight: newFirstBlockHeight,
	}); err != nil {
		return false, err
	}

	// Materialize pipelined stake deltas into the new epoch's
	// snapshots.
	if err = c.foldStakeDeltas(ctx, st, newEpoch); err != nil {
		return false, err
	}

	// Resolve scheduled jail and deactivation state changes.
	if err = c.applyScheduledValidatorChanges(ctx, st, newEpoch); err != nil {
		return false, err
	}

	// Recompute the validator sets for the new epoch and the whole
	// pipeline window.
	if err = c.recomputeValidatorSets(ctx, bc, params, newEpoch, true); err != nil {
		return false, err
	}

	// Process slashes that have reached their processing epoch.
	if err = c.processDueSlashes(ctx, bc, params, newEpoch); err != nil {
		return false, err
	}

	// Mint this epoch's inflation.
	minted, err := c.mintInflation(ctx, bc, params, newEpoch)
	if err != nil {
		return false, err
	}

	// Write the rewards products for the epoch that just closed.
	if err = c.closeEpochRewards(ctx, st, params, closedEpoch, minted); err != nil {
		return false, err
	}

	// Redelegations past their slashability window can no longer be
	// touched by any processable slash.
	if err = c.pruneExpiredRedelegations(ctx, st, newEpoch); err != nil {
		return false, err
	}

	// Drop state behind the retention horizon.
	if newEpoch > params.UnbondingLen {
		if err = st.PruneEpochedData(ctx, newEpoch-params.UnbondingLen); err != nil {
			return false, err
		}
		if err = c.pruneCommissionSchedules(ctx, st, newEpoch-params.UnbondingLen); err != nil {
			return false, err
		}
	}

	if err = c.checkInvariants(ctx, st, newEpoch); err != nil {
		return false, err
	}

	metrics.EpochTransitions.Inc()
	metrics.CurrentEpoch.Set(float64(newEpoch))

	return true, nil
}

// foldStakeDeltas folds the deltas scheduled at the new epoch into the
// per-validator stake snapshots.
func (c *Core) foldStakeDeltas(ctx context.Context, st *posState.MutableState, newEpoch epochtime.EpochTime) error {
	validators, err := st.Validators(ctx)
	if err != nil {
		return err
	}

	deltas, _, err := st.StakeDeltasAt(ctx, newEpoch)
	if err != nil {
		return err
	}

	for _, v := range validators {
		stake, err := st.StakeSnapshot(ctx, newEpoch-1, v.Address)
		if err != nil {
			return err
		}
		if delta, ok := deltas[v.Address]; ok {
			if err = delta.Apply(stake); err != nil {
				return err
			}
			if err = st.RemoveStakeDelta(ctx, newEpoch, v.Address); err != nil {
				return err
			}
		}
		if err = st.SetStakeSnapshot(ctx, newEpoch, v.Address, stake); err != nil {
			return err
		}
	}
	return nil
}

// applyScheduledValidatorChanges resolves unjail and deactivation
// schedules that come due at the new epoch.
func (c *Core) applyScheduledValidatorChanges(ctx context.Context, st *posState.MutableState, newEpoch epochtime.EpochTime) error {
	validators, err := st.Validators(ctx)
	if err != nil {
		return err
	}

	for _, v := range validators {
		var dirty bool

		if v.Jailed && v.UnjailEpoch != epochtime.EpochInvalid && newEpoch >= v.UnjailEpoch {
			v.Jailed = false
			v.UnjailEpoch = epochtime.EpochInvalid
			dirty = true
		}
		if v.DeactivationEpoch != epochtime.EpochInvalid && newEpoch >= v.DeactivationEpoch && v.State != api.StateInactive {
			v.State = api.StateInactive
			dirty = true
		}

		if dirty {
			if err = st.SetValidator(ctx, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// recomputeValidatorSets rebuilds the three validator sets for every
// epoch in the window [baseEpoch, baseEpoch+pipeline], updates
// validator states and the total voting power snapshot for baseEpoch,
// and, when emitDiff is set, emits the consensus set diff against the
// previous epoch.
func (c *Core) recomputeValidatorSets(
	ctx context.Context,
	bc *blockCtx,
	params *api.Parameters,
	baseEpoch epochtime.EpochTime,
	emitDiff bool,
) error {
	st := bc.state

	validators, err := st.Validators(ctx)
	if err != nil {
		return err
	}

	var prevConsensus []*posState.SetMember
	if emitDiff && baseEpoch > 0 {
		if prevConsensus, err = st.ConsensusSet(ctx, baseEpoch-1); err != nil {
			return err
		}
	}

	for epoch := baseEpoch; epoch <= baseEpoch+params.PipelineLen; epoch++ {
		if err = st.ClearSets(ctx, epoch); err != nil {
			return err
		}

		type candidate struct {
			addr  api.Address
			stake *quantity.Quantity
		}
		var eligible []candidate
		var belowThreshold []api.Address

		for _, v := range validators {
			if !schedulableAt(v, epoch) {
				continue
			}

			stake, err := st.StakeAt(ctx, epoch, v.Address)
			if err != nil {
				return err
			}
			if stake.Cmp(&params.MinValidatorStake) < 0 {
				belowThreshold = append(belowThreshold, v.Address)
				continue
			}
			eligible = append(eligible, candidate{addr: v.Address, stake: stake})
		}

		// Total and deterministic: stake descending, address
		// ascending on ties.
		sort.Slice(eligible, func(i, j int) bool {
			switch eligible[i].stake.Cmp(eligible[j].stake) {
			case 1:
				return true
			case -1:
				return false
			default:
				return bytesCompare(eligible[i].addr, eligible[j].addr) < 0
			}
		})

		consensusLen := len(eligible)
		if uint64(consensusLen) > params.MaxConsensusValidators {
			consensusLen = int(params.MaxConsensusValidators)
		}

		for i, cand := range eligible {
			m := &posState.SetMember{Address: cand.addr, Stake: *cand.stake.Clone()}
			if i < consensusLen {
				err = st.AddConsensusSetMember(ctx, epoch, m)
			} else {
				err = st.AddBelowCapacitySetMember(ctx, epoch, m)
			}
			if err != nil {
				return err
			}
		}
		for _, addr := range belowThreshold {
			if err = st.AddBelowThresholdSetMember(ctx, epoch, addr); err != nil {
				return err
			}
		}

		if epoch != baseEpoch {
			continue
		}

		// Update validator states and the voting power snapshot for
		// the base epoch.
		states := make(map[api.Address]api.ValidatorState)
		total := quantity.NewQuantity()
		for i, cand := range eligible {
			if i < consensusLen {
				states[cand.addr] = api.StateConsensus
				if err = total.Add(cand.stake); err != nil {
					return err
				}
			} else {
				states[cand.addr] = api.StateBelowCapacity
			}
		}
		for _, addr := range belowThreshold {
			states[addr] = api.StateBelowThreshold
		}
		for _, v := range validators {
			newState, ok := states[v.Address]
			if !ok || v.State == newState {
				continue
			}
			v.State = newState
			if err = st.SetValidator(ctx, v); err != nil {
				return err
			}
		}
		if err = st.SetTotalStakeSnapshot(ctx, baseEpoch, total); err != nil {
			return err
		}
		metrics.ConsensusValidators.Set(float64(consensusLen))

		if emitDiff {
			newConsensus, err := st.ConsensusSet(ctx, baseEpoch)
			if err != nil {
				return err
			}
			if ev := diffConsensusSets(baseEpoch, prevConsensus, newConsensus); ev != nil {
				bc.emit(&api.Event{ValidatorSetUpdate: ev})
			}
		}
	}

	return nil
}

// diffConsensusSets computes the added/removed/reordered members
// between two ordered consensus sets. Returns nil when nothing
// changed.
func diffConsensusSets(epoch epochtime.EpochTime, prev, next []*posState.SetMember) *api.ValidatorSetUpdateEvent {
	prevPos := make(map[api.Address]int, len(prev))
	for i, m := range prev {
		prevPos[m.Address] = i
	}
	nextPos := make(map[api.Address]int, len(next))
	for i, m := range next {
		nextPos[m.Address] = i
	}

	ev := &api.ValidatorSetUpdateEvent{Epoch: epoch}
	for i, m := range next {
		oldPos, ok := prevPos[m.Address]
		switch {
		case !ok:
			ev.Added = append(ev.Added, m.Address)
		case oldPos != i:
			ev.Reordered = append(ev.Reordered, m.Address)
		}
	}
	for _, m := range prev {
		if _, ok := nextPos[m.Address]; !ok {
			ev.Removed = append(ev.Removed, m.Address)
		}
	}

	if len(ev.Added) == 0 && len(ev.Removed) == 0 && len(ev.Reordered) == 0 {
		return nil
	}
	return ev
}

func (c *Core) pruneExpiredRedelegations(ctx context.Context, st *posState.MutableState, newEpoch epochtime.EpochTime) error {
	redelegations, err := st.Redelegations(ctx)
	if err != nil {
		return err
	}
	for _, r := range redelegations {
		if r.End <= newEpoch {
			if err = st.RemoveRedelegation(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Core) pruneCommissionSchedules(ctx context.Context, st *posState.MutableState, horizon epochtime.EpochTime) error {
	validators, err := st.Validators(ctx)
	if err != nil {
		return err
	}
	for _, v := range validators {
		cs, err := st.CommissionSchedule(ctx, v.Address)
		if err != nil {
			return err
		}
		cs.Prune(horizon)
		if err = st.SetCommissionSchedule(ctx, v.Address, cs); err != nil {
			return err
		}
	}
	return nil
}

func bytesCompare(a, b api.Address) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}
