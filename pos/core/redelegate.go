package core

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/pos/api"
)

func (c *Core) redelegate(ctx context.Context, bc *blockCtx, sender api.Address, body cbor.RawMessage) error {
	var req api.Redelegate
	if err := cbor.Unmarshal(body, &req); err != nil {
		return api.ErrInvalidArgument
	}
	if req.Source.Equal(req.Dest) {
		return api.ErrInvalidArgument
	}

	st := bc.state
	if _, err := bondableValidator(ctx, st, req.Source); err != nil {
		return err
	}
	if _, err := bondableValidator(ctx, st, req.Dest); err != nil {
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

	// Redelegations move a whole bond entry.
	bond, err := st.Bond(ctx, sender, req.Source, req.Start)
	if err != nil {
		return err
	}
	if bond == nil {
		return api.ErrInsufficientBond
	}

	// Tokens that arrived through a redelegation stay frozen for the
	// slashability window before they can move again.
	redelegations, err := st.Redelegations(ctx)
	if err != nil {
		return err
	}
	for _, r := range redelegations {
		if r.Owner.Equal(sender) && r.Dest.Equal(req.Source) && r.Start == req.Start && current < r.End {
			return api.ErrRedelegationFrozen
		}
	}

	start := current + params.PipelineLen
	end := start + params.UnbondingLen
	amount := bond.Amount.Clone()

	// Consume the source bond.
	if err = st.RemoveBond(ctx, sender, req.Source, req.Start); err != nil {
		return err
	}

	// Create (or grow) the destination bond.
	destBond, err := st.Bond(ctx, sender, req.Dest, start)
	if err != nil {
		return err
	}
	if destBond == nil {
		destBond = &api.BondRecord{
			Owner:     sender,
			Validator: req.Dest,
			Start:     start,
		}
	}
	if err = destBond.Amount.Add(amount); err != nil {
		return err
	}
	if err = st.SetBond(ctx, destBond); err != nil {
		return err
	}

	record := &api.RedelegationRecord{
		Owner:     sender,
		Source:    req.Source,
		Dest:      req.Dest,
		Start:     start,
		End:       end,
		Amount:    *amount.Clone(),
		BondStart: req.Start,
	}
	if err = st.SetRedelegation(ctx, record); err != nil {
		return err
	}

	// The source bond may still be pipelined; subtracting at the
	// redelegation start nets the two deltas out in that case.
	if err = st.SubStakeDelta(ctx, start, req.Source, amount); err != nil {
		return err
	}
	if err = st.AddStakeDelta(ctx, start, req.Dest, amount); err != nil {
		return err
	}

	c.logger.Debug("Redelegate: moved bond",
		"owner", sender,
		"source", req.Source,
		"dest", req.Dest,
		"amount", amount,
		"start", start,
	)

	bc.emit(&api.Event{Redelegated: &api.RedelegatedEvent{
		Owner:  sender,
		Source: req.Source,
		Dest:   req.Dest,
		Amount: *amount.Clone(),
	}})

	return nil
}
