package core

import (
	"context"

	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
)

// transfer moves exactly amount between two ledger accounts.
func transfer(ctx context.Context, st *posState.MutableState, from, to api.Address, amount *quantity.Quantity) error {
	if from.Equal(to) {
		return nil
	}

	fromAcct, err := st.Account(ctx, from)
	if err != nil {
		return err
	}
	toAcct, err := st.Account(ctx, to)
	if err != nil {
		return err
	}

	if err = quantity.Move(&toAcct.Balance, &fromAcct.Balance, amount); err != nil {
		return api.ErrInsufficientBalance
	}

	if err = st.SetAccount(ctx, from, fromAcct); err != nil {
		return err
	}
	return st.SetAccount(ctx, to, toAcct)
}

// mint creates amount new tokens in the given account, growing the
// total supply.
func mint(ctx context.Context, st *posState.MutableState, to api.Address, amount *quantity.Quantity) error {
	acct, err := st.Account(ctx, to)
	if err != nil {
		return err
	}
	if err = acct.Balance.Add(amount); err != nil {
		return err
	}
	if err = st.SetAccount(ctx, to, acct); err != nil {
		return err
	}

	totalSupply, err := st.TotalSupply(ctx)
	if err != nil {
		return err
	}
	if err = totalSupply.Add(amount); err != nil {
		return err
	}
	return st.SetTotalSupply(ctx, totalSupply)
}

func toEpoch(e uint64) epochtime.EpochTime {
	return epochtime.EpochTime(e)
}
