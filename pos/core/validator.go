package core

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
)

func (c *Core) becomeValidator(ctx context.Context, bc *blockCtx, sender api.Address, body cbor.RawMessage, genesis bool) error {
	var req api.BecomeValidator
	if err := cbor.Unmarshal(body, &req); err != nil {
		return api.ErrInvalidArgument
	}

	st := bc.state
	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}

	existing, err := st.Validator(ctx, sender)
	if err != nil {
		return err
	}
	if existing != nil {
		return api.ErrValidatorExists
	}

	if req.CommissionRate.Sign() < 0 || req.CommissionRate.Cmp(fixed.One()) > 0 {
		return api.ErrCommissionOutOfBounds
	}
	if req.MaxCommissionChange.Sign() < 0 || req.MaxCommissionChange.Cmp(&params.CommissionMaxChangePerEpoch) > 0 {
		return api.ErrCommissionOutOfBounds
	}
	if req.SelfBond.Cmp(&params.MinValidatorStake) < 0 {
		return api.ErrBelowMinimumStake
	}

	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}
	target := current + params.PipelineLen
	if genesis {
		target = current
	}

	v := &api.Validator{
		Address:             sender,
		Metadata:            req.Metadata,
		MaxCommissionChange: req.MaxCommissionChange,
		State:               api.StateCandidate,
		DeactivationEpoch:   epochtime.EpochInvalid,
		UnjailEpoch:         epochtime.EpochInvalid,
	}
	if err = st.SetValidator(ctx, v); err != nil {
		return err
	}
	if err = st.SetConsensusKey(ctx, sender, target, &req.ConsensusKey); err != nil {
		return err
	}

	cs := &api.CommissionSchedule{}
	if err = cs.ScheduleChange(&req.CommissionRate, target, &params.CommissionMaxChangePerEpoch); err != nil {
		return err
	}
	if err = st.SetCommissionSchedule(ctx, sender, cs); err != nil {
		return err
	}

	// The initial self bond rides along with the registration.
	if err = transfer(ctx, st, sender, api.EscrowAddress, &req.SelfBond); err != nil {
		return err
	}
	if err = st.SetBond(ctx, &api.BondRecord{
		Owner:     sender,
		Validator: sender,
		Start:     target,
		Amount:    *req.SelfBond.Clone(),
	}); err != nil {
		return err
	}
	if genesis {
		if err = st.SetStakeSnapshot(ctx, current, sender, req.SelfBond.Clone()); err != nil {
			return err
		}
	} else {
		if err = st.AddStakeDelta(ctx, target, sender, &req.SelfBond); err != nil {
			return err
		}
	}

	c.logger.Debug("BecomeValidator: registered validator",
		"validator", sender,
		"start", target,
	)

	bc.emit(&api.Event{Bonded: &api.BondedEvent{
		Owner:     sender,
		Validator: sender,
		Amount:    *req.SelfBond.Clone(),
		Start:     target,
	}})

	return nil
}

func (c *Core) changeCommission(ctx context.Context, bc *blockCtx, sender api.Address, body cbor.RawMessage) error {
	var req api.ChangeCommission
	if err := cbor.Unmarshal(body, &req); err != nil {
		return api.ErrInvalidArgument
	}

	st := bc.state
	v, err := st.Validator(ctx, sender)
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

	cs, err := st.CommissionSchedule(ctx, sender)
	if err != nil {
		return err
	}
	if err = cs.ScheduleChange(&req.Rate, current+params.PipelineLen, &v.MaxCommissionChange); err != nil {
		return err
	}
	if err = st.SetCommissionSchedule(ctx, sender, cs); err != nil {
		return err
	}

	c.logger.Debug("ChangeCommission: scheduled rate change",
		"validator", sender,
		"rate", req.Rate,
		"start", current+params.PipelineLen,
	)
	return nil
}

func (c *Core) changeConsensusKey(ctx context.Context, bc *blockCtx, sender api.Address, body cbor.RawMessage) error {
	var req api.ChangeConsensusKey
	if err := cbor.Unmarshal(body, &req); err != nil {
		return api.ErrInvalidArgument
	}

	st := bc.state
	v, err := st.Validator(ctx, sender)
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

	return st.SetConsensusKey(ctx, sender, current+params.PipelineLen, &req.ConsensusKey)
}

func (c *Core) deactivateValidator(ctx context.Context, bc *blockCtx, sender api.Address) error {
	st := bc.state
	v, err := st.Validator(ctx, sender)
	if err != nil {
		return err
	}
	if v == nil {
		return api.ErrUnknownValidator
	}
	if v.DeactivationEpoch != epochtime.EpochInvalid {
		return api.ErrInactiveValidator
	}

	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	v.DeactivationEpoch = current + params.PipelineLen
	if err = st.SetValidator(ctx, v); err != nil {
		return err
	}

	return c.recomputeValidatorSets(ctx, bc, params, current, false)
}

func (c *Core) reactivateValidator(ctx context.Context, bc *blockCtx, sender api.Address) error {
	st := bc.state
	v, err := st.Validator(ctx, sender)
	if err != nil {
		return err
	}
	if v == nil {
		return api.ErrUnknownValidator
	}
	if v.DeactivationEpoch == epochtime.EpochInvalid && v.State != api.StateInactive {
		return api.ErrInvalidArgument
	}
	if v.Jailed {
		return api.ErrJailedValidator
	}

	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	v.DeactivationEpoch = epochtime.EpochInvalid
	if v.State == api.StateInactive {
		v.State = api.StateCandidate
	}
	if err = st.SetValidator(ctx, v); err != nil {
		return err
	}

	return c.recomputeValidatorSets(ctx, bc, params, current, false)
}

func (c *Core) unjailValidator(ctx context.Context, bc *blockCtx, sender api.Address) error {
	st := bc.state
	v, err := st.Validator(ctx, sender)
	if err != nil {
		return err
	}
	if v == nil {
		return api.ErrUnknownValidator
	}
	if !v.Jailed {
		return api.ErrInvalidArgument
	}

	params, err := st.ConsensusParameters(ctx)
	if err != nil {
		return err
	}
	current, err := st.CurrentEpoch(ctx)
	if err != nil {
		return err
	}

	if current < v.JailEpoch+params.UnbondingLen {
		return api.ErrUnjailTooEarly
	}

	v.UnjailEpoch = current + params.PipelineLen
	if err = st.SetValidator(ctx, v); err != nil {
		return err
	}

	c.logger.Info("Unjail: validator scheduled to leave jail",
		"validator", sender,
		"epoch", v.UnjailEpoch,
	)

	bc.emit(&api.Event{ValidatorUnjailed: &api.ValidatorUnjailedEvent{
		Validator: sender,
		Epoch:     v.UnjailEpoch,
	}})

	return c.recomputeValidatorSets(ctx, bc, params, current, false)
}

// jailedAt returns whether the validator is excluded from active sets
// at the given epoch due to jailing.
func jailedAt(v *api.Validator, epoch epochtime.EpochTime) bool {
	if !v.Jailed {
		return false
	}
	if v.UnjailEpoch == epochtime.EpochInvalid {
		return true
	}
	return epoch < v.UnjailEpoch
}

// schedulableAt returns whether the validator may appear in an active
// set at the given epoch.
func schedulableAt(v *api.Validator, epoch epochtime.EpochTime) bool {
	if jailedAt(v, epoch) {
		return false
	}
	if v.DeactivationEpoch != epochtime.EpochInvalid && epoch >= v.DeactivationEpoch {
		return false
	}
	return true
}
