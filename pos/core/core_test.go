package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	posState "github.com/aurelia-network/aurelia-core/pos/state"
	"github.com/aurelia-network/aurelia-core/storage/kv"
)

func testAddr(b byte) (a api.Address) {
	a[0] = 0x10
	a[api.AddressSize-1] = b
	return
}

func testKey(b byte) (k api.ConsensusKey) {
	k[0] = b
	return
}

func mustRatio(t *testing.T, num, den int64) fixed.Fixed {
	f, err := fixed.FromRatio(num, den)
	require.NoError(t, err, "FromRatio")
	return *f
}

// testParams returns parameters tuned for tests: one block per epoch,
// a low stake threshold and inflation disabled so monetary checks stay
// exact.
func testParams(t *testing.T) api.Parameters {
	params := api.DefaultParameters()
	params.EpochBlockInterval = 1
	params.MinValidatorStake = *quantity.NewFromUint64(100)
	params.MaxInflationRate = *fixed.Zero()
	return params
}

type harness struct {
	t      *testing.T
	core   *Core
	height int64
	epoch  epochtime.EpochTime
}

func newHarness(t *testing.T, genesis *api.Genesis) *harness {
	backend := kv.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })

	c := New(backend)
	require.NoError(t, c.InitGenesis(context.Background(), genesis), "InitGenesis")
	return &harness{t: t, core: c}
}

// step processes one block, advancing one epoch per block with the
// test parameters.
func (h *harness) step(proposer api.Address, signers []api.Address, evidence []*api.Evidence) []*api.Event {
	h.height++
	h.epoch++
	events, err := h.core.OnNewBlock(
		context.Background(),
		&api.BlockHeader{Height: h.height},
		proposer,
		signers,
		evidence,
		nil,
	)
	require.NoError(h.t, err, "OnNewBlock")
	return events
}

func (h *harness) advanceTo(epoch epochtime.EpochTime, proposer api.Address) {
	for h.epoch < epoch {
		h.step(proposer, nil, nil)
	}
}

func (h *harness) execute(sender api.Address, method api.Method, body interface{}) error {
	_, err := h.core.ExecuteTx(context.Background(), &api.Tx{
		Sender: sender,
		Method: method,
		Body:   cbor.Marshal(body),
	})
	return err
}

// read runs fn over a throwaway read transaction.
func (h *harness) read(fn func(ctx context.Context, st *posState.MutableState)) {
	tx := h.core.backend.NewTransaction()
	defer tx.Discard()
	fn(context.Background(), posState.NewMutableState(tx))
}

func (h *harness) balance(addr api.Address) uint64 {
	var balance uint64
	h.read(func(ctx context.Context, st *posState.MutableState) {
		acct, err := st.Account(ctx, addr)
		require.NoError(h.t, err, "Account")
		balance = acct.Balance.ToBigInt().Uint64()
	})
	return balance
}

func (h *harness) stakeAt(epoch epochtime.EpochTime, addr api.Address) uint64 {
	var stake uint64
	h.read(func(ctx context.Context, st *posState.MutableState) {
		q, err := st.StakeAt(ctx, epoch, addr)
		require.NoError(h.t, err, "StakeAt")
		stake = q.ToBigInt().Uint64()
	})
	return stake
}

func singleValidatorGenesis(t *testing.T, val api.Address, selfBond uint64) *api.Genesis {
	return &api.Genesis{
		Parameters:  testParams(t),
		TotalSupply: *quantity.NewFromUint64(selfBond),
		Accounts: []api.GenesisAccount{
			{Address: val, Balance: *quantity.NewFromUint64(selfBond)},
		},
		Validators: []api.GenesisValidator{
			{
				Address:             val,
				ConsensusKey:        testKey(1),
				CommissionRate:      mustRatio(t, 1, 10),
				MaxCommissionChange: mustRatio(t, 5, 100),
				SelfBond:            *quantity.NewFromUint64(selfBond),
			},
		},
	}
}

func TestSingleValidatorFullSlash(t *testing.T) {
	require := require.New(t)

	val := testAddr(1)
	h := newHarness(t, singleValidatorGenesis(t, val, 100))

	h.read(func(ctx context.Context, st *posState.MutableState) {
		consensus, err := st.ConsensusSet(ctx, 0)
		require.NoError(err, "ConsensusSet")
		require.Len(consensus, 1, "genesis validator in consensus")
		require.Equal(val, consensus[0].Address, "member")
	})

	h.advanceTo(6, val)

	// Double-sign at epoch 5; the evidence arrives with the block that
	// opens epoch 7.
	events := h.step(val, nil, []*api.Evidence{{
		Validator:       val,
		InfractionEpoch: 5,
		Type:            api.InfractionDoubleSign,
		ReportedEpoch:   7,
	}})

	var jailed bool
	for _, ev := range events {
		if ev.ValidatorJailed != nil {
			jailed = true
			require.Equal(val, ev.ValidatorJailed.Validator, "jailed validator")
		}
	}
	require.True(jailed, "jail event emitted")

	h.read(func(ctx context.Context, st *posState.MutableState) {
		v, err := st.Validator(ctx, val)
		require.NoError(err, "Validator")
		require.True(v.Jailed, "validator jailed on ingest")

		queued, err := st.QueuedSlashes(ctx, 0, 100)
		require.NoError(err, "QueuedSlashes")
		require.Len(queued, 1, "slash queued")
		require.EqualValues(26, queued[0].ProcessEpoch, "processing epoch")
	})

	// Processed at infraction + unbonding = 26. Full voting power
	// fraction means the cubic rate saturates at one.
	var sawSlash bool
	for h.epoch < 26 {
		for _, ev := range h.step(val, nil, nil) {
			if ev.Slashed != nil {
				sawSlash = true
				require.Equal(val, ev.Slashed.Validator, "slashed validator")
				require.Zero(ev.Slashed.Rate.Cmp(fixed.One()), "rate saturates at 1")
				require.Equal(uint64(100), ev.Slashed.Amount.ToBigInt().Uint64(), "full stake slashed")
			}
		}
	}
	require.True(sawSlash, "slash event emitted")

	require.Equal(uint64(100), h.balance(api.SlashPoolAddress), "slash pool balance")
	require.Equal(uint64(0), h.balance(api.EscrowAddress), "escrow drained")
	require.Equal(uint64(0), h.stakeAt(26, val), "stake zeroed")
}

func TestCorrelatedSlashesReachFullRate(t *testing.T) {
	require := require.New(t)

	v1, v2, v3 := testAddr(1), testAddr(2), testAddr(3)

	genesis := &api.Genesis{
		Parameters:  testParams(t),
		TotalSupply: *quantity.NewFromUint64(600),
		Accounts: []api.GenesisAccount{
			{Address: v1, Balance: *quantity.NewFromUint64(100)},
			{Address: v2, Balance: *quantity.NewFromUint64(100)},
			{Address: v3, Balance: *quantity.NewFromUint64(400)},
		},
		Validators: []api.GenesisValidator{
			{Address: v1, ConsensusKey: testKey(1), SelfBond: *quantity.NewFromUint64(100)},
			{Address: v2, ConsensusKey: testKey(2), SelfBond: *quantity.NewFromUint64(100)},
			{Address: v3, ConsensusKey: testKey(3), SelfBond: *quantity.NewFromUint64(400)},
		},
	}
	h := newHarness(t, genesis)

	h.advanceTo(6, v3)

	// Two validators with a sixth of the power each double-sign at
	// epoch 5: correlated fractions sum to a third, so both slashes
	// saturate.
	h.step(v3, nil, []*api.Evidence{
		{Validator: v1, InfractionEpoch: 5, Type: api.InfractionDoubleSign},
		{Validator: v2, InfractionEpoch: 5, Type: api.InfractionDoubleSign},
	})

	h.advanceTo(26, v3)

	require.Equal(uint64(200), h.balance(api.SlashPoolAddress), "both fully slashed")
	require.Equal(uint64(0), h.stakeAt(26, v1), "v1 stake zeroed")
	require.Equal(uint64(0), h.stakeAt(26, v2), "v2 stake zeroed")
	require.Equal(uint64(400), h.stakeAt(26, v3), "v3 untouched")
}

func TestRedelegationSlashCarry(t *testing.T) {
	require := require.New(t)

	v1, v2, d := testAddr(1), testAddr(2), testAddr(9)

	genesis := &api.Genesis{
		Parameters:  testParams(t),
		TotalSupply: *quantity.NewFromUint64(2000),
		Accounts: []api.GenesisAccount{
			{Address: v1, Balance: *quantity.NewFromUint64(500)},
			{Address: v2, Balance: *quantity.NewFromUint64(500)},
			{Address: d, Balance: *quantity.NewFromUint64(1000)},
		},
		Validators: []api.GenesisValidator{
			{Address: v1, ConsensusKey: testKey(1), SelfBond: *quantity.NewFromUint64(500)},
			{Address: v2, ConsensusKey: testKey(2), SelfBond: *quantity.NewFromUint64(500)},
		},
	}
	h := newHarness(t, genesis)

	// Delegate at epoch 0, stake materializes at epoch 2.
	require.NoError(h.execute(d, api.MethodBond, &api.Bond{
		Validator: v1,
		Amount:    *quantity.NewFromUint64(1000),
	}), "Bond")

	h.advanceTo(10, v2)
	require.Equal(uint64(1500), h.stakeAt(10, v1), "delegation materialized")

	// Move the delegation to v2 before the infraction surfaces.
	require.NoError(h.execute(d, api.MethodRedelegate, &api.Redelegate{
		Source: v1,
		Dest:   v2,
		Start:  2,
	}), "Redelegate")

	// Only now does the epoch 5 double-sign surface.
	h.step(v2, nil, []*api.Evidence{{
		Validator:       v1,
		InfractionEpoch: 5,
		Type:            api.InfractionDoubleSign,
	}})

	h.advanceTo(26, v2)

	// The infraction predates the redelegation start, so the carried
	// tokens at v2 are slashed along with v1's own stake, while v2's
	// own delegators are untouched.
	require.Equal(uint64(1500), h.balance(api.SlashPoolAddress), "slash pool got both cuts")
	require.Equal(uint64(0), h.stakeAt(26, v1), "v1 stake zeroed")
	require.Equal(uint64(500), h.stakeAt(26, v2), "v2 keeps only its own self bond")

	h.read(func(ctx context.Context, st *posState.MutableState) {
		selfBond, err := st.Bond(ctx, v2, v2, 0)
		require.NoError(err, "self bond lookup")
		require.NotNil(selfBond, "self bond present")
		require.Equal(uint64(500), selfBond.Amount.ToBigInt().Uint64(), "v2 self bond untouched")

		destBond, err := st.Bond(ctx, d, v2, 12)
		require.NoError(err, "dest bond lookup")
		require.Nil(destBond, "carried bond fully slashed")
	})
}

func TestBondUnbondWithdrawRoundTrip(t *testing.T) {
	require := require.New(t)

	val, d := testAddr(1), testAddr(9)

	genesis := singleValidatorGenesis(t, val, 100)
	genesis.TotalSupply = *quantity.NewFromUint64(200)
	genesis.Accounts = append(genesis.Accounts, api.GenesisAccount{
		Address: d, Balance: *quantity.NewFromUint64(100),
	})
	h := newHarness(t, genesis)

	require.NoError(h.execute(d, api.MethodBond, &api.Bond{
		Validator: val,
		Amount:    *quantity.NewFromUint64(100),
	}), "Bond")
	require.Equal(uint64(0), h.balance(d), "balance escrowed")

	h.advanceTo(3, val)
	require.NoError(h.execute(d, api.MethodUnbond, &api.Unbond{
		Validator: val,
		Amount:    *quantity.NewFromUint64(100),
	}), "Unbond")

	// Withdrawable at 3 + pipeline + unbonding = 26.
	h.advanceTo(25, val)
	err := h.execute(d, api.MethodWithdraw, &api.Withdraw{Validator: val})
	require.Equal(api.ErrNoWithdrawableUnbonds, err, "withdraw before maturity")

	h.advanceTo(26, val)
	require.NoError(h.execute(d, api.MethodWithdraw, &api.Withdraw{Validator: val}), "Withdraw")
	require.Equal(uint64(100), h.balance(d), "exact round trip with no slashes or rewards")
}

func TestRedelegateRoundTripPreservesStake(t *testing.T) {
	require := require.New(t)

	v1, v2, d := testAddr(1), testAddr(2), testAddr(9)

	genesis := &api.Genesis{
		Parameters:  testParams(t),
		TotalSupply: *quantity.NewFromUint64(2000),
		Accounts: []api.GenesisAccount{
			{Address: v1, Balance: *quantity.NewFromUint64(500)},
			{Address: v2, Balance: *quantity.NewFromUint64(500)},
			{Address: d, Balance: *quantity.NewFromUint64(1000)},
		},
		Validators: []api.GenesisValidator{
			{Address: v1, ConsensusKey: testKey(1), SelfBond: *quantity.NewFromUint64(500)},
			{Address: v2, ConsensusKey: testKey(2), SelfBond: *quantity.NewFromUint64(500)},
		},
	}
	h := newHarness(t, genesis)

	require.NoError(h.execute(d, api.MethodBond, &api.Bond{
		Validator: v1,
		Amount:    *quantity.NewFromUint64(1000),
	}), "Bond")

	h.advanceTo(1, v1)
	require.NoError(h.execute(d, api.MethodRedelegate, &api.Redelegate{
		Source: v1,
		Dest:   v2,
		Start:  2,
	}), "Redelegate to v2")

	// Redelegating the same tokens again is frozen until the
	// slashability window passes at start + unbonding.
	h.advanceTo(4, v1)
	err := h.execute(d, api.MethodRedelegate, &api.Redelegate{
		Source: v2,
		Dest:   v1,
		Start:  3,
	})
	require.Equal(api.ErrRedelegationFrozen, err, "redelegation frozen")

	h.advanceTo(24, v1)
	require.NoError(h.execute(d, api.MethodRedelegate, &api.Redelegate{
		Source: v2,
		Dest:   v1,
		Start:  3,
	}), "Redelegate back to v1")

	// Total delegated balance is unchanged across the round trip.
	h.read(func(ctx context.Context, st *posState.MutableState) {
		bond, err := st.Bond(ctx, d, v1, 26)
		require.NoError(err, "bond lookup")
		require.NotNil(bond, "bond moved back")
		require.Equal(uint64(1000), bond.Amount.ToBigInt().Uint64(), "stake preserved")
	})

	h.advanceTo(26, v1)
	require.Equal(uint64(1500), h.stakeAt(26, v1), "v1 stake restored")
	require.Equal(uint64(500), h.stakeAt(26, v2), "v2 back to self bond")
}

func TestDuplicateEvidenceDropped(t *testing.T) {
	require := require.New(t)

	val := testAddr(1)
	h := newHarness(t, singleValidatorGenesis(t, val, 100))

	h.advanceTo(6, val)

	ev := &api.Evidence{Validator: val, InfractionEpoch: 5, Type: api.InfractionDoubleSign}
	events := h.step(val, nil, []*api.Evidence{ev, ev})

	var jailEvents int
	for _, e := range events {
		if e.ValidatorJailed != nil {
			jailEvents++
		}
	}
	require.Equal(1, jailEvents, "single jail event")

	h.read(func(ctx context.Context, st *posState.MutableState) {
		queued, err := st.QueuedSlashes(ctx, 0, 100)
		require.NoError(err, "QueuedSlashes")
		require.Len(queued, 1, "duplicate silently dropped")
	})
}

func TestUnjailFlow(t *testing.T) {
	require := require.New(t)

	val := testAddr(1)
	h := newHarness(t, singleValidatorGenesis(t, val, 100))

	h.advanceTo(6, val)
	h.step(val, nil, []*api.Evidence{{
		Validator: val, InfractionEpoch: 5, Type: api.InfractionDoubleSign,
	}})

	// Jailed validators cannot take new bonds.
	err := h.execute(val, api.MethodBond, &api.Bond{
		Validator: val, Amount: *quantity.NewFromUint64(1),
	})
	require.Equal(api.ErrJailedValidator, err, "bond to jailed validator")

	// Unjail before jail epoch + unbonding is rejected; jailed at
	// epoch 7, so epoch 28 is the earliest.
	h.advanceTo(26, val)
	err = h.execute(val, api.MethodUnjail, &api.Unjail{})
	require.Equal(api.ErrUnjailTooEarly, err, "unjail too early")

	h.advanceTo(28, val)
	require.NoError(h.execute(val, api.MethodUnjail, &api.Unjail{}), "Unjail")

	h.read(func(ctx context.Context, st *posState.MutableState) {
		v, err := st.Validator(ctx, val)
		require.NoError(err, "Validator")
		require.True(v.Jailed, "still jailed until the scheduled epoch")
		require.EqualValues(30, v.UnjailEpoch, "takes effect at current + pipeline")
	})

	h.advanceTo(30, val)
	h.read(func(ctx context.Context, st *posState.MutableState) {
		v, err := st.Validator(ctx, val)
		require.NoError(err, "Validator")
		require.False(v.Jailed, "released at the scheduled epoch")
	})
}

func TestCommissionChangeBounds(t *testing.T) {
	require := require.New(t)

	val := testAddr(1)
	h := newHarness(t, singleValidatorGenesis(t, val, 100))

	// Genesis rate is 10% with a 5% per-epoch change cap.
	require.NoError(h.execute(val, api.MethodChangeCommission, &api.ChangeCommission{
		Rate: mustRatio(t, 12, 100),
	}), "change within bounds")

	err := h.execute(val, api.MethodChangeCommission, &api.ChangeCommission{
		Rate: mustRatio(t, 20, 100),
	})
	require.Equal(api.ErrCommissionOutOfBounds, err, "change exceeding cap")

	h.read(func(ctx context.Context, st *posState.MutableState) {
		cs, err := st.CommissionSchedule(ctx, val)
		require.NoError(err, "CommissionSchedule")
		rate := cs.RateAt(2)
		require.NotNil(rate, "rate at pipeline target")
		expected := mustRatio(t, 12, 100)
		require.Zero(rate.Cmp(&expected), "scheduled rate in effect from target")
	})
}

func TestValidatorSetUpdateEvents(t *testing.T) {
	require := require.New(t)

	v1, v2 := testAddr(1), testAddr(2)

	genesis := &api.Genesis{
		Parameters:  testParams(t),
		TotalSupply: *quantity.NewFromUint64(1000),
		Accounts: []api.GenesisAccount{
			{Address: v1, Balance: *quantity.NewFromUint64(300)},
			{Address: v2, Balance: *quantity.NewFromUint64(700)},
		},
		Validators: []api.GenesisValidator{
			{Address: v1, ConsensusKey: testKey(1), SelfBond: *quantity.NewFromUint64(300)},
			{Address: v2, ConsensusKey: testKey(2), SelfBond: *quantity.NewFromUint64(200)},
		},
	}
	h := newHarness(t, genesis)

	// v2 bonds 500 more at epoch 0; from epoch 2 it out-stakes v1 and
	// the consensus ordering flips.
	require.NoError(h.execute(v2, api.MethodBond, &api.Bond{
		Validator: v2,
		Amount:    *quantity.NewFromUint64(500),
	}), "Bond")

	h.step(v2, nil, nil)
	events := h.step(v2, nil, nil)

	var update *api.ValidatorSetUpdateEvent
	for _, ev := range events {
		if ev.ValidatorSetUpdate != nil {
			update = ev.ValidatorSetUpdate
		}
	}
	require.NotNil(update, "set update event at reordering transition")
	require.EqualValues(2, update.Epoch, "epoch")
	require.Len(update.Reordered, 2, "both members reordered")
	require.Empty(update.Added, "no additions")
	require.Empty(update.Removed, "no removals")
}
