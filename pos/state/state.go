// Package state implements the pos state wrappers over the
// transactional key-value store.
package state

import (
	"context"
	"fmt"

	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/keyformat"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
	"github.com/aurelia-network/aurelia-core/pos/api"
	"github.com/aurelia-network/aurelia-core/storage/kv"
)

var (
	// epochKeyFmt is the key format used for the epoch clock state.
	//
	// Value is a CBOR-serialized EpochState.
	epochKeyFmt = keyformat.New(0x10)
	// parametersKeyFmt is the key format used for the active
	// consensus parameters.
	//
	// Value is a CBOR-serialized api.Parameters.
	parametersKeyFmt = keyformat.New(0x11)
	// scheduledParametersKeyFmt is the key format used for parameter
	// changes scheduled by governance (epoch).
	//
	// Value is a CBOR-serialized api.Parameters.
	scheduledParametersKeyFmt = keyformat.New(0x12, uint64(0))

	// validatorKeyFmt is the key format used for validator records
	// (validator address).
	//
	// Value is a CBOR-serialized api.Validator.
	validatorKeyFmt = keyformat.New(0x20, &api.Address{})
	// consensusKeyKeyFmt is the key format used for epoched validator
	// consensus keys (validator address, epoch).
	//
	// Value is a CBOR-serialized api.ConsensusKey.
	consensusKeyKeyFmt = keyformat.New(0x21, &api.Address{}, uint64(0))
	// commissionKeyFmt is the key format used for commission
	// schedules (validator address).
	//
	// Value is a CBOR-serialized api.CommissionSchedule.
	commissionKeyFmt = keyformat.New(0x22, &api.Address{})

	// stakeDeltaKeyFmt is the key format used for pipelined stake
	// deltas (epoch, validator address).
	//
	// Value is a CBOR-serialized StakeDelta.
	stakeDeltaKeyFmt = keyformat.New(0x23, uint64(0), &api.Address{})
	// stakeSnapshotKeyFmt is the key format used for per-epoch stake
	// snapshots (epoch, validator address).
	//
	// Value is a CBOR-serialized quantity.
	stakeSnapshotKeyFmt = keyformat.New(0x24, uint64(0), &api.Address{})
	// totalStakeSnapshotKeyFmt is the key format used for per-epoch
	// total consensus voting power snapshots (epoch).
	//
	// Value is a CBOR-serialized quantity.
	totalStakeSnapshotKeyFmt = keyformat.New(0x25, uint64(0))

	// consensusSetKeyFmt is the key format used for the consensus
	// validator set (epoch, inverted stake, validator address).
	//
	// Iterating the format yields members ordered by stake descending
	// with address ascending as the tie break. Value is a
	// CBOR-serialized quantity (the member's stake).
	consensusSetKeyFmt = keyformat.New(0x30, uint64(0), []byte{})
	// belowCapacitySetKeyFmt is the key format used for the
	// below-capacity validator set, ordered as consensusSetKeyFmt.
	belowCapacitySetKeyFmt = keyformat.New(0x31, uint64(0), []byte{})
	// belowThresholdSetKeyFmt is the key format used for the
	// membership-only below-threshold set (epoch, validator address).
	//
	// Value is empty.
	belowThresholdSetKeyFmt = keyformat.New(0x32, uint64(0), &api.Address{})

	// bondKeyFmt is the key format used for bond records (owner,
	// validator, start epoch).
	//
	// Value is a CBOR-serialized api.BondRecord.
	bondKeyFmt = keyformat.New(0x40, &api.Address{}, &api.Address{}, uint64(0))
	// unbondKeyFmt is the key format used for unbond records (owner,
	// validator, bond start epoch, withdrawable epoch).
	//
	// Value is a CBOR-serialized api.UnbondRecord.
	unbondKeyFmt = keyformat.New(0x41, &api.Address{}, &api.Address{}, uint64(0), uint64(0))
	// redelegationKeyFmt is the key format used for redelegation
	// records (owner, source, dest, start epoch).
	//
	// Value is a CBOR-serialized api.RedelegationRecord.
	redelegationKeyFmt = keyformat.New(0x42, &api.Address{}, &api.Address{}, &api.Address{}, uint64(0))
	// redelegationSrcIndexKeyFmt is the source-keyed redelegation
	// index (source, start epoch, owner, dest).
	//
	// Value is empty.
	redelegationSrcIndexKeyFmt = keyformat.New(0x43, &api.Address{}, uint64(0), &api.Address{}, &api.Address{})

	// queuedSlashKeyFmt is the key format used for queued slashes
	// (processing epoch, validator address, infraction epoch, type).
	//
	// Value is a CBOR-serialized api.QueuedSlash.
	queuedSlashKeyFmt = keyformat.New(0x50, uint64(0), &api.Address{}, uint64(0), uint32(0))
	// finalSlashKeyFmt is the key format used for finalized slashes
	// (validator address, infraction epoch, type).
	//
	// Value is a CBOR-serialized api.FinalizedSlash.
	finalSlashKeyFmt = keyformat.New(0x51, &api.Address{}, uint64(0), uint32(0))

	// rewardsAccumKeyFmt is the key format used for per-epoch
	// accumulated block-reward fractions (epoch, validator address).
	//
	// Value is a CBOR-serialized fixed.Fixed.
	rewardsAccumKeyFmt = keyformat.New(0x60, uint64(0), &api.Address{})
	// selfProductKeyFmt is the key format used for the self-bond
	// rewards product series (validator address, epoch).
	//
	// Value is a CBOR-serialized fixed.Fixed.
	selfProductKeyFmt = keyformat.New(0x61, &api.Address{}, uint64(0))
	// delegProductKeyFmt is the key format used for the delegation
	// rewards product series (validator address, epoch).
	//
	// Value is a CBOR-serialized fixed.Fixed.
	delegProductKeyFmt = keyformat.New(0x62, &api.Address{}, uint64(0))

	// accountKeyFmt is the key format used for accounts (account
	// address).
	//
	// Value is a CBOR-serialized Account.
	accountKeyFmt = keyformat.New(0x70, &api.Address{})
	// totalSupplyKeyFmt is the key format used for the total supply.
	//
	// Value is a CBOR-serialized quantity.
	totalSupplyKeyFmt = keyformat.New(0x71)
	// lastInflationKeyFmt is the key format used for the inflation
	// controller state.
	//
	// Value is a CBOR-serialized InflationState.
	lastInflationKeyFmt = keyformat.New(0x72)
	// rewardPoolKeyFmt is the key format used for the balance of
	// minted but not yet credited rewards inside the escrow account.
	//
	// Value is a CBOR-serialized quantity.
	rewardPoolKeyFmt = keyformat.New(0x73)
)

// EpochState is the persisted epoch clock state.
type EpochState struct {
	Epoch epochtime.EpochTime `json:"epoch"`
	// FirstBlockHeight is the height of the first block of the
	// current epoch.
	FirstBlockHeight int64 `json:"first_block_height"`
}

// Account is a general ledger entry.
type Account struct {
	Balance quantity.Quantity `json:"balance"`
}

// InflationState is the persisted inflation controller state.
type InflationState struct {
	// LastMint is the amount minted at the previous epoch transition.
	LastMint quantity.Quantity `json:"last_mint"`
	// LastStakedRatio is the staked ratio observed at the previous
	// epoch transition.
	LastStakedRatio fixed.Fixed `json:"last_staked_ratio"`
}

// ImmutableState is the read-only pos state wrapper.
type ImmutableState struct {
	tree kv.Tree
}

// NewImmutableState creates a new read-only pos state wrapper.
func NewImmutableState(tree kv.Tree) *ImmutableState {
	return &ImmutableState{tree: tree}
}

func (s *ImmutableState) loadStoredBalance(ctx context.Context, key []byte) (*quantity.Quantity, error) {
	value, err := s.tree.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return quantity.NewQuantity(), nil
	}

	var q quantity.Quantity
	if err = cbor.Unmarshal(value, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// EpochState returns the epoch clock state.
func (s *ImmutableState) EpochState(ctx context.Context) (*EpochState, error) {
	value, err := s.tree.Get(ctx, epochKeyFmt.Encode())
	if err != nil {
		return nil, err
	}
	if value == nil {
		return &EpochState{Epoch: 0, FirstBlockHeight: 0}, nil
	}

	var es EpochState
	if err = cbor.Unmarshal(value, &es); err != nil {
		return nil, err
	}
	return &es, nil
}

// CurrentEpoch returns the current epoch.
func (s *ImmutableState) CurrentEpoch(ctx context.Context) (epochtime.EpochTime, error) {
	es, err := s.EpochState(ctx)
	if err != nil {
		return epochtime.EpochInvalid, err
	}
	return es.Epoch, nil
}

// ConsensusParameters returns the active consensus parameters.
func (s *ImmutableState) ConsensusParameters(ctx context.Context) (*api.Parameters, error) {
	raw, err := s.tree.Get(ctx, parametersKeyFmt.Encode())
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("pos/state: expected consensus parameters to be present in state")
	}

	var params api.Parameters
	if err = cbor.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// ScheduledParameters returns the parameter change scheduled for the
// given epoch, if any.
func (s *ImmutableState) ScheduledParameters(ctx context.Context, epoch epochtime.EpochTime) (*api.Parameters, error) {
	raw, err := s.tree.Get(ctx, scheduledParametersKeyFmt.Encode(uint64(epoch)))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}

	var params api.Parameters
	if err = cbor.Unmarshal(raw, &params); err != nil {
		return nil, err
	}
	return &params, nil
}

// Validator returns the validator record for the given address, or nil
// if the validator does not exist.
func (s *ImmutableState) Validator(ctx context.Context, addr api.Address) (*api.Validator, error) {
	value, err := s.tree.Get(ctx, validatorKeyFmt.Encode(&addr))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}

	var v api.Validator
	if err = cbor.Unmarshal(value, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Validators returns all validator records, ordered by address.
func (s *ImmutableState) Validators(ctx context.Context) ([]*api.Validator, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var validators []*api.Validator
	for it.Seek(validatorKeyFmt.Encode()); it.Valid(); it.Next() {
		var addr api.Address
		if !validatorKeyFmt.Decode(it.Key(), &addr) {
			break
		}

		var v api.Validator
		if err := cbor.Unmarshal(it.Value(), &v); err != nil {
			return nil, err
		}
		validators = append(validators, &v)
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return validators, nil
}

// ConsensusKeyAt returns the validator's consensus key in effect at
// the given epoch, or nil if none is set yet.
func (s *ImmutableState) ConsensusKeyAt(ctx context.Context, addr api.Address, epoch epochtime.EpochTime) (*api.ConsensusKey, error) {
	it := s.tree.NewIterator(ctx)
	defer it.Close()

	var latest *api.ConsensusKey
	for it.Seek(consensusKeyKeyFmt.Encode(&addr)); it.Valid(); it.Next() {
		var decAddr api.Address
		var decEpoch uint64
		if !consensusKeyKeyFmt.Decode(it.Key(), &decAddr, &decEpoch) {
			break
		}
		if !decAddr.Equal(addr) || decEpoch > uint64(epoch) {
			break
		}

		var key api.ConsensusKey
		if err := cbor.Unmarshal(it.Value(), &key); err != nil {
			return nil, err
		}
		latest = &key
	}
	if it.Err() != nil {
		return nil, it.Err()
	}
	return latest, nil
}

// CommissionSchedule returns the validator's commission schedule.
func (s *ImmutableState) CommissionSchedule(ctx context.Context, addr api.Address) (*api.CommissionSchedule, error) {
	value, err := s.tree.Get(ctx, commissionKeyFmt.Encode(&addr))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return &api.CommissionSchedule{}, nil
	}

	var cs api.CommissionSchedule
	if err = cbor.Unmarshal(value, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// Account returns the general account for the given address.
func (s *ImmutableState) Account(ctx context.Context, addr api.Address) (*Account, error) {
	value, err := s.tree.Get(ctx, accountKeyFmt.Encode(&addr))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return &Account{}, nil
	}

	var a Account
	if err = cbor.Unmarshal(value, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// TotalSupply returns the total token supply.
func (s *ImmutableState) TotalSupply(ctx context.Context) (*quantity.Quantity, error) {
	return s.loadStoredBalance(ctx, totalSupplyKeyFmt.Encode())
}

// RewardPool returns the balance of minted but not yet credited
// rewards held inside the escrow account.
func (s *ImmutableState) RewardPool(ctx context.Context) (*quantity.Quantity, error) {
	return s.loadStoredBalance(ctx, rewardPoolKeyFmt.Encode())
}

// InflationState returns the inflation controller state.
func (s *ImmutableState) InflationState(ctx context.Context) (*InflationState, error) {
	value, err := s.tree.Get(ctx, lastInflationKeyFmt.Encode())
	if err != nil {
		return nil, err
	}
	if value == nil {
		return &InflationState{}, nil
	}

	var is InflationState
	if err = cbor.Unmarshal(value, &is); err != nil {
		return nil, err
	}
	return &is, nil
}

// MutableState is the mutable pos state wrapper.
type MutableState struct {
	*ImmutableState

	tree kv.Tree
}

// NewMutableState creates a new mutable pos state wrapper.
func NewMutableState(tree kv.Tree) *MutableState {
	return &MutableState{
		ImmutableState: NewImmutableState(tree),
		tree:           tree,
	}
}

// SetEpochState sets the epoch clock state.
func (s *MutableState) SetEpochState(ctx context.Context, es *EpochState) error {
	return s.tree.Insert(ctx, epochKeyFmt.Encode(), cbor.Marshal(es))
}

// SetConsensusParameters sets the active consensus parameters.
func (s *MutableState) SetConsensusParameters(ctx context.Context, params *api.Parameters) error {
	return s.tree.Insert(ctx, parametersKeyFmt.Encode(), cbor.Marshal(params))
}

// ScheduleParameters schedules a parameter change for the given epoch.
func (s *MutableState) ScheduleParameters(ctx context.Context, epoch epochtime.EpochTime, params *api.Parameters) error {
	return s.tree.Insert(ctx, scheduledParametersKeyFmt.Encode(uint64(epoch)), cbor.Marshal(params))
}

// ClearScheduledParameters removes a scheduled parameter change.
func (s *MutableState) ClearScheduledParameters(ctx context.Context, epoch epochtime.EpochTime) error {
	return s.tree.Remove(ctx, scheduledParametersKeyFmt.Encode(uint64(epoch)))
}

// SetValidator sets the validator record.
func (s *MutableState) SetValidator(ctx context.Context, v *api.Validator) error {
	return s.tree.Insert(ctx, validatorKeyFmt.Encode(&v.Address), cbor.Marshal(v))
}

// SetConsensusKey sets the validator's consensus key from the given
// epoch on.
func (s *MutableState) SetConsensusKey(ctx context.Context, addr api.Address, epoch epochtime.EpochTime, key *api.ConsensusKey) error {
	return s.tree.Insert(ctx, consensusKeyKeyFmt.Encode(&addr, uint64(epoch)), cbor.Marshal(key))
}

// SetCommissionSchedule sets the validator's commission schedule.
func (s *MutableState) SetCommissionSchedule(ctx context.Context, addr api.Address, cs *api.CommissionSchedule) error {
	return s.tree.Insert(ctx, commissionKeyFmt.Encode(&addr), cbor.Marshal(cs))
}

// SetAccount sets the general account for the given address. Accounts
// with a zero balance are removed from the ledger.
func (s *MutableState) SetAccount(ctx context.Context, addr api.Address, a *Account) error {
	if a.Balance.IsZero() {
		return s.tree.Remove(ctx, accountKeyFmt.Encode(&addr))
	}
	return s.tree.Insert(ctx, accountKeyFmt.Encode(&addr), cbor.Marshal(a))
}

// SetTotalSupply sets the total token supply.
func (s *MutableState) SetTotalSupply(ctx context.Context, q *quantity.Quantity) error {
	return s.tree.Insert(ctx, totalSupplyKeyFmt.Encode(), cbor.Marshal(q))
}

// SetRewardPool sets the reward pool balance.
func (s *MutableState) SetRewardPool(ctx context.Context, q *quantity.Quantity) error {
	return s.tree.Insert(ctx, rewardPoolKeyFmt.Encode(), cbor.Marshal(q))
}

// SetInflationState sets the inflation controller state.
func (s *MutableState) SetInflationState(ctx context.Context, is *InflationState) error {
	return s.tree.Insert(ctx, lastInflationKeyFmt.Encode(), cbor.Marshal(is))
}
