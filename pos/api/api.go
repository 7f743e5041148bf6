// Package api implements the epoched proof-of-stake API types.
package api

import (
	"github.com/aurelia-network/aurelia-core/common/cbor"
	"github.com/aurelia-network/aurelia-core/common/errors"
	"github.com/aurelia-network/aurelia-core/common/fixed"
	"github.com/aurelia-network/aurelia-core/common/quantity"
	"github.com/aurelia-network/aurelia-core/epochtime"
)

// ModuleName is a unique module name for the pos module.
const ModuleName = "pos"

var (
	// ErrInvalidArgument is the error returned on malformed arguments.
	ErrInvalidArgument = errors.New(ModuleName, 1, "pos: invalid argument")

	// ErrUnknownValidator is the error returned when a validator does
	// not exist.
	ErrUnknownValidator = errors.New(ModuleName, 2, "pos: unknown validator")

	// ErrValidatorExists is the error returned when a validator is
	// already registered.
	ErrValidatorExists = errors.New(ModuleName, 3, "pos: validator already exists")

	// ErrInsufficientBalance is the error returned when an account's
	// balance does not cover the requested amount.
	ErrInsufficientBalance = errors.New(ModuleName, 4, "pos: insufficient balance")

	// ErrInsufficientBond is the error returned when unbonding or
	// redelegating more than is bonded.
	ErrInsufficientBond = errors.New(ModuleName, 5, "pos: insufficient bond")

	// ErrJailedValidator is the error returned when an operation is
	// not allowed on a jailed validator.
	ErrJailedValidator = errors.New(ModuleName, 6, "pos: validator is jailed")

	// ErrUnjailTooEarly is the error returned when an unjail request
	// comes before the jailing period has passed.
	ErrUnjailTooEarly = errors.New(ModuleName, 7, "pos: too early to unjail")

	// ErrRedelegationFrozen is the error returned when redelegated
	// tokens are redelegated again before the slashability window has
	// passed.
	ErrRedelegationFrozen = errors.New(ModuleName, 8, "pos: redelegation still frozen")

	// ErrCommissionOutOfBounds is the error returned when a commission
	// rate or rate change violates the configured bounds.
	ErrCommissionOutOfBounds = errors.New(ModuleName, 9, "pos: commission rate out of bounds")

	// ErrInactiveValidator is the error returned when an operation is
	// not allowed on an inactive validator.
	ErrInactiveValidator = errors.New(ModuleName, 10, "pos: validator is inactive")

	// ErrInvalidEpochWrite is the error returned when an epoched write
	// targets the current or a past epoch.
	ErrInvalidEpochWrite = errors.New(ModuleName, 11, "pos: write targets a non-future epoch")

	// ErrBelowMinimumStake is the error returned when a validator's
	// self bond falls under the required minimum at registration.
	ErrBelowMinimumStake = errors.New(ModuleName, 12, "pos: below minimum stake")

	// ErrFatalInvariant is the error returned when a consensus-critical
	// invariant is violated. The node must halt rather than continue
	// with silently divergent state.
	ErrFatalInvariant = errors.New(ModuleName, 13, "pos: fatal invariant violation")

	// note: code 14 is ErrMalformedAddress in address.go.

	// ErrNoWithdrawableUnbonds is the error returned when a withdraw
	// finds nothing withdrawable.
	ErrNoWithdrawableUnbonds = errors.New(ModuleName, 15, "pos: no withdrawable unbonds")
)

// ValidatorState is the state of a validator.
type ValidatorState uint8

const (
	// StateInactive is the state of a deactivated or unregistered
	// validator.
	StateInactive ValidatorState = 0
	// StateCandidate is the state of a freshly registered validator
	// whose stake has not materialized yet.
	StateCandidate ValidatorState = 1
	// StateConsensus is the state of a validator in the consensus set.
	StateConsensus ValidatorState = 2
	// StateBelowCapacity is the state of a validator eligible for
	// consensus but crowded out by higher-staked validators.
	StateBelowCapacity ValidatorState = 3
	// StateBelowThreshold is the state of a validator with stake under
	// the minimum required for consensus eligibility.
	StateBelowThreshold ValidatorState = 4
)

// String returns the string representation of a ValidatorState.
func (s ValidatorState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateCandidate:
		return "candidate"
	case StateConsensus:
		return "consensus"
	case StateBelowCapacity:
		return "below-capacity"
	case StateBelowThreshold:
		return "below-threshold"
	default:
		return "[unknown validator state]"
	}
}

// InfractionType is the type of a slashable infraction.
type InfractionType uint32

const (
	// InfractionDoubleSign is an equivocation infraction.
	InfractionDoubleSign InfractionType = 1
	// InfractionLiveness is a liveness-class infraction.
	InfractionLiveness InfractionType = 2
)

// String returns the string representation of an InfractionType.
func (t InfractionType) String() string {
	switch t {
	case InfractionDoubleSign:
		return "double-sign"
	case InfractionLiveness:
		return "liveness"
	default:
		return "[unknown infraction type]"
	}
}

// ConsensusKey is a validator's consensus public key.
type ConsensusKey [32]byte

// MarshalBinary encodes a consensus key into binary form.
func (k *ConsensusKey) MarshalBinary() ([]byte, error) {
	return append([]byte{}, k[:]...), nil
}

// UnmarshalBinary decodes a byte slice into a consensus key.
func (k *ConsensusKey) UnmarshalBinary(data []byte) error {
	if len(data) != len(k) {
		return ErrInvalidArgument
	}
	copy(k[:], data)
	return nil
}

// ValidatorMetadata is operator-supplied descriptive metadata.
type ValidatorMetadata struct {
	Moniker string `json:"moniker,omitempty"`
	Website string `json:"website,omitempty"`
	Contact string `json:"contact,omitempty"`
}

// Validator is a validator registry entry.
type Validator struct {
	// Address is the validator's operator address.
	Address Address `json:"address"`

	// Metadata is the operator-supplied metadata.
	Metadata ValidatorMetadata `json:"metadata,omitempty"`

	// MaxCommissionChange is the largest commission rate change this
	// validator may schedule per epoch, fixed at registration.
	MaxCommissionChange fixed.Fixed `json:"max_commission_change"`

	// State is the validator's set membership state as of the last
	// epoch transition.
	State ValidatorState `json:"state"`

	// Jailed is the jail overlay flag. A jailed validator is in no
	// active set regardless of State.
	Jailed bool `json:"jailed,omitempty"`

	// JailEpoch is the epoch the validator was jailed at.
	JailEpoch epochtime.EpochTime `json:"jail_epoch,omitempty"`

	// UnjailEpoch is the epoch an accepted unjail takes effect at,
	// EpochInvalid if none is scheduled.
	UnjailEpoch epochtime.EpochTime `json:"unjail_epoch,omitempty"`

	// DeactivationEpoch is the epoch a requested deactivation takes
	// effect at, EpochInvalid if none is scheduled.
	DeactivationEpoch epochtime.EpochTime `json:"deactivation_epoch,omitempty"`
}

// IsSchedulable returns true iff the validator may appear in an active
// set.
func (v *Validator) IsSchedulable() bool {
	return !v.Jailed && v.State != StateInactive
}

// BondRecord is a single bond ledger entry.
type BondRecord struct {
	Owner     Address             `json:"owner"`
	Validator Address             `json:"validator"`
	Start     epochtime.EpochTime `json:"start"`
	Amount    quantity.Quantity   `json:"amount"`
}

// SlashSnapshot records a finalized slash known at unbond time, so a
// later withdraw can tell which slashes were already accounted for.
type SlashSnapshot struct {
	InfractionEpoch epochtime.EpochTime `json:"infraction_epoch"`
	Type            InfractionType      `json:"type"`
	Rate            fixed.Fixed         `json:"rate"`
}

// UnbondRecord is a single unbond ledger entry.
type UnbondRecord struct {
	Owner     Address             `json:"owner"`
	Validator Address             `json:"validator"`
	Start     epochtime.EpochTime `json:"start"`
	// Stop is the epoch the unbonded tokens stop contributing to the
	// validator's voting power.
	Stop epochtime.EpochTime `json:"stop"`
	// Withdrawable is the epoch at which the tokens become
	// withdrawable.
	Withdrawable epochtime.EpochTime `json:"withdrawable"`
	Amount       quantity.Quantity   `json:"amount"`
	// Slashes are the slashes already finalized against the source
	// bond at unbond time.
	Slashes []SlashSnapshot `json:"slashes,omitempty"`
}

// RedelegationRecord is a single redelegation ledger entry.
type RedelegationRecord struct {
	Owner  Address             `json:"owner"`
	Source Address             `json:"source"`
	Dest   Address             `json:"dest"`
	Start  epochtime.EpochTime `json:"start"`
	// End closes the slashability window: from this epoch on, slashes
	// on the source validator no longer reach the redelegated tokens
	// and they may be redelegated again.
	End    epochtime.EpochTime `json:"end"`
	Amount quantity.Quantity   `json:"amount"`
	// BondStart is the start epoch of the consumed source bond.
	BondStart epochtime.EpochTime `json:"bond_start"`
}

// Evidence is misbehavior evidence as reported by the consensus
// engine.
type Evidence struct {
	Validator       Address             `json:"validator"`
	InfractionEpoch epochtime.EpochTime `json:"infraction_epoch"`
	Type            InfractionType      `json:"type"`
	ReportedEpoch   epochtime.EpochTime `json:"reported_epoch"`
}

// QueuedSlash is a pending slash scheduled for processing.
type QueuedSlash struct {
	Validator       Address             `json:"validator"`
	InfractionEpoch epochtime.EpochTime `json:"infraction_epoch"`
	Type            InfractionType      `json:"type"`
	ProcessEpoch    epochtime.EpochTime `json:"process_epoch"`
	// VotingPower is the validator's voting power captured at the
	// infraction epoch.
	VotingPower quantity.Quantity `json:"voting_power"`
	// TotalVotingPower is the total consensus voting power captured
	// at the infraction epoch.
	TotalVotingPower quantity.Quantity `json:"total_voting_power"`
}

// FinalizedSlash is a processed slash with its final rate.
type FinalizedSlash struct {
	Validator       Address             `json:"validator"`
	InfractionEpoch epochtime.EpochTime `json:"infraction_epoch"`
	Type            InfractionType      `json:"type"`
	ProcessEpoch    epochtime.EpochTime `json:"process_epoch"`
	Rate            fixed.Fixed         `json:"rate"`
	// VotingPower and TotalVotingPower are carried over from the
	// queued slash, as later slashes within the cubic window still
	// correlate with this one.
	VotingPower      quantity.Quantity `json:"voting_power"`
	TotalVotingPower quantity.Quantity `json:"total_voting_power"`
}

// Parameters are the pos consensus parameters.
//
// They are immutable within an epoch; governance changes are scheduled
// and applied only at epoch transitions.
type Parameters struct {
	// PipelineLen is the number of epochs into the future at which
	// stake-affecting changes take effect.
	PipelineLen epochtime.EpochTime `json:"pipeline_len"`
	// UnbondingLen is the number of epochs until unbonded tokens
	// become withdrawable and slash evidence can still be processed.
	UnbondingLen epochtime.EpochTime `json:"unbonding_len"`
	// CubicSlashingWindow is the half-width, in processing epochs, of
	// the window over which correlated infractions are summed.
	CubicSlashingWindow epochtime.EpochTime `json:"cubic_slashing_window"`
	// MaxConsensusValidators caps the consensus set size.
	MaxConsensusValidators uint64 `json:"max_consensus_validators"`
	// MinValidatorStake is the stake required for consensus
	// eligibility.
	MinValidatorStake quantity.Quantity `json:"min_validator_stake"`
	// EpochBlockInterval is the number of blocks per epoch.
	EpochBlockInterval uint64 `json:"epoch_block_interval"`

	// MaxInflationRate is the yearly inflation cap.
	MaxInflationRate fixed.Fixed `json:"max_inflation_rate"`
	// TargetStakedRatio is the staked-to-supply ratio the inflation
	// controller steers toward.
	TargetStakedRatio fixed.Fixed `json:"target_staked_ratio"`
	// EpochsPerYear is the number of epochs per year.
	EpochsPerYear uint64 `json:"epochs_per_year"`
	// ProportionalGain is the nominal proportional gain of the
	// inflation controller.
	ProportionalGain fixed.Fixed `json:"proportional_gain"`
	// DerivativeGain is the nominal derivative gain of the inflation
	// controller.
	DerivativeGain fixed.Fixed `json:"derivative_gain"`

	// ProposerBaseReward is the proposer's share of the epoch reward
	// at the minimum signing fraction.
	ProposerBaseReward fixed.Fixed `json:"proposer_base_reward"`
	// ProposerRewardSlope scales the proposer share with the signing
	// fraction above the minimum.
	ProposerRewardSlope fixed.Fixed `json:"proposer_reward_slope"`
	// MinSigningFraction is the quorum fraction below which a block
	// cannot exist.
	MinSigningFraction fixed.Fixed `json:"min_signing_fraction"`
	// SetRewardShare is the share of each block reward distributed to
	// the whole consensus set by stake.
	SetRewardShare fixed.Fixed `json:"set_reward_share"`

	// DoubleSignMinSlashRate is the floor slash rate for equivocation.
	DoubleSignMinSlashRate fixed.Fixed `json:"double_sign_min_slash_rate"`
	// LivenessMinSlashRate is the floor slash rate for liveness
	// faults.
	LivenessMinSlashRate fixed.Fixed `json:"liveness_min_slash_rate"`

	// CommissionMaxChangePerEpoch bounds every validator's
	// MaxCommissionChange.
	CommissionMaxChangePerEpoch fixed.Fixed `json:"commission_max_change_per_epoch"`
}

// MinSlashRate returns the configured floor slash rate for the given
// infraction type.
func (p *Parameters) MinSlashRate(t InfractionType) *fixed.Fixed {
	switch t {
	case InfractionDoubleSign:
		return &p.DoubleSignMinSlashRate
	default:
		return &p.LivenessMinSlashRate
	}
}

// DefaultParameters returns the default pos consensus parameters.
func DefaultParameters() Parameters {
	mustRatio := func(num, den int64) fixed.Fixed {
		f, err := fixed.FromRatio(num, den)
		if err != nil {
			panic(err)
		}
		return *f
	}

	return Parameters{
		PipelineLen:                 2,
		UnbondingLen:                21,
		CubicSlashingWindow:         1,
		MaxConsensusValidators:      100,
		MinValidatorStake:           *quantity.NewFromUint64(1_000_000),
		EpochBlockInterval:          360,
		MaxInflationRate:            mustRatio(1, 10), // 10% yearly
		TargetStakedRatio:           mustRatio(2, 3),  // 66.67%
		EpochsPerYear:               365,
		ProportionalGain:            mustRatio(1, 4),   // 0.25
		DerivativeGain:              mustRatio(1, 4),   // 0.25
		ProposerBaseReward:          mustRatio(1, 100), // 1.00%
		ProposerRewardSlope:         mustRatio(99, 10000),
		MinSigningFraction:          mustRatio(2, 3),
		SetRewardShare:              mustRatio(1, 10),
		DoubleSignMinSlashRate:      mustRatio(5, 100),
		LivenessMinSlashRate:        mustRatio(1, 1000),
		CommissionMaxChangePerEpoch: mustRatio(5, 100),
	}
}

// SanityCheck performs basic parameter validity checks.
func (p *Parameters) SanityCheck() error {
	if p.PipelineLen == 0 {
		return errors.New(ModuleName, 100, "pos: pipeline length must be positive")
	}
	if p.UnbondingLen < p.PipelineLen {
		return errors.New(ModuleName, 101, "pos: unbonding length shorter than pipeline")
	}
	if p.EpochBlockInterval == 0 {
		return errors.New(ModuleName, 102, "pos: epoch block interval must be positive")
	}
	if p.EpochsPerYear == 0 {
		return errors.New(ModuleName, 103, "pos: epochs per year must be positive")
	}
	return nil
}

// Method is a pos transaction method name.
type Method string

// Methods accepted by the transaction dispatcher.
const (
	MethodBecomeValidator    Method = "pos.BecomeValidator"
	MethodBond               Method = "pos.Bond"
	MethodUnbond             Method = "pos.Unbond"
	MethodWithdraw           Method = "pos.Withdraw"
	MethodRedelegate         Method = "pos.Redelegate"
	MethodChangeCommission   Method = "pos.ChangeCommission"
	MethodChangeConsensusKey Method = "pos.ChangeConsensusKey"
	MethodDeactivate         Method = "pos.DeactivateValidator"
	MethodReactivate         Method = "pos.ReactivateValidator"
	MethodUnjail             Method = "pos.UnjailValidator"
)

// Tx is a pos transaction envelope.
type Tx struct {
	// Sender is the authenticated transaction sender. Signature
	// verification happens in the transaction runtime before the tx
	// reaches this module.
	Sender Address `json:"sender"`

	Method Method          `json:"method"`
	Body   cbor.RawMessage `json:"body,omitempty"`
}

// BecomeValidator is a validator registration request.
type BecomeValidator struct {
	ConsensusKey        ConsensusKey      `json:"consensus_key"`
	CommissionRate      fixed.Fixed       `json:"commission_rate"`
	MaxCommissionChange fixed.Fixed       `json:"max_commission_change"`
	Metadata            ValidatorMetadata `json:"metadata,omitempty"`
	SelfBond            quantity.Quantity `json:"self_bond"`
}

// Bond is a bond (delegation) request.
type Bond struct {
	Validator Address           `json:"validator"`
	Amount    quantity.Quantity `json:"amount"`
}

// Unbond is an unbond request.
type Unbond struct {
	Validator Address           `json:"validator"`
	Amount    quantity.Quantity `json:"amount"`
}

// Withdraw is a request to withdraw all matured unbonds from a
// validator.
type Withdraw struct {
	Validator Address `json:"validator"`
}

// Redelegate is a request to move a whole bond entry between
// validators.
type Redelegate struct {
	Source Address             `json:"source"`
	Dest   Address             `json:"dest"`
	Start  epochtime.EpochTime `json:"start"`
}

// ChangeCommission is a commission rate change request.
type ChangeCommission struct {
	Rate fixed.Fixed `json:"rate"`
}

// ChangeConsensusKey is a consensus key rotation request.
type ChangeConsensusKey struct {
	ConsensusKey ConsensusKey `json:"consensus_key"`
}

// Unjail is a request to release a validator from jail.
type Unjail struct{}

// BlockHeader is the consensus block header subset the pos module
// consumes.
type BlockHeader struct {
	Height int64 `json:"height"`
	Time   int64 `json:"time"`
}

// BondedEvent is emitted when a bond is created.
type BondedEvent struct {
	Owner     Address             `json:"owner"`
	Validator Address             `json:"validator"`
	Amount    quantity.Quantity   `json:"amount"`
	Start     epochtime.EpochTime `json:"start"`
}

// UnbondedEvent is emitted when an unbond is initiated.
type UnbondedEvent struct {
	Owner        Address             `json:"owner"`
	Validator    Address             `json:"validator"`
	Amount       quantity.Quantity   `json:"amount"`
	Withdrawable epochtime.EpochTime `json:"withdrawable"`
}

// WithdrawnEvent is emitted when matured unbonds are withdrawn.
type WithdrawnEvent struct {
	Owner     Address           `json:"owner"`
	Validator Address           `json:"validator"`
	Amount    quantity.Quantity `json:"amount"`
}

// RedelegatedEvent is emitted when a bond moves between validators.
type RedelegatedEvent struct {
	Owner  Address           `json:"owner"`
	Source Address           `json:"source"`
	Dest   Address           `json:"dest"`
	Amount quantity.Quantity `json:"amount"`
}

// SlashedEvent is emitted when a slash is applied.
type SlashedEvent struct {
	Validator       Address             `json:"validator"`
	Rate            fixed.Fixed         `json:"rate"`
	InfractionEpoch epochtime.EpochTime `json:"infraction_epoch"`
	Amount          quantity.Quantity   `json:"amount"`
}

// ValidatorJailedEvent is emitted when a validator is jailed.
type ValidatorJailedEvent struct {
	Validator Address             `json:"validator"`
	Epoch     epochtime.EpochTime `json:"epoch"`
}

// ValidatorUnjailedEvent is emitted when an unjail request is accepted;
// Epoch is the epoch at which the validator leaves jail.
type ValidatorUnjailedEvent struct {
	Validator Address             `json:"validator"`
	Epoch     epochtime.EpochTime `json:"epoch"`
}

// ValidatorSetUpdateEvent is emitted at each epoch transition with the
// consensus set diff against the previous epoch.
type ValidatorSetUpdateEvent struct {
	Epoch     epochtime.EpochTime `json:"epoch"`
	Added     []Address           `json:"added,omitempty"`
	Removed   []Address           `json:"removed,omitempty"`
	Reordered []Address           `json:"reordered,omitempty"`
}

// InflationMintedEvent is emitted when new tokens are minted at an
// epoch transition.
type InflationMintedEvent struct {
	Epoch  epochtime.EpochTime `json:"epoch"`
	Amount quantity.Quantity   `json:"amount"`
}

// Event is the union of all pos events.
type Event struct {
	Height int64 `json:"height,omitempty"`

	Bonded             *BondedEvent             `json:"bonded,omitempty"`
	Unbonded           *UnbondedEvent           `json:"unbonded,omitempty"`
	Withdrawn          *WithdrawnEvent          `json:"withdrawn,omitempty"`
	Redelegated        *RedelegatedEvent        `json:"redelegated,omitempty"`
	Slashed            *SlashedEvent            `json:"slashed,omitempty"`
	ValidatorJailed    *ValidatorJailedEvent    `json:"validator_jailed,omitempty"`
	ValidatorUnjailed  *ValidatorUnjailedEvent  `json:"validator_unjailed,omitempty"`
	ValidatorSetUpdate *ValidatorSetUpdateEvent `json:"validator_set_update,omitempty"`
	InflationMinted    *InflationMintedEvent    `json:"inflation_minted,omitempty"`
}

// GenesisAccount is an initial ledger entry.
type GenesisAccount struct {
	Address Address           `json:"address"`
	Balance quantity.Quantity `json:"balance"`
}

// GenesisValidator is an initial validator registration.
type GenesisValidator struct {
	Address             Address           `json:"address"`
	ConsensusKey        ConsensusKey      `json:"consensus_key"`
	CommissionRate      fixed.Fixed       `json:"commission_rate"`
	MaxCommissionChange fixed.Fixed       `json:"max_commission_change"`
	Metadata            ValidatorMetadata `json:"metadata,omitempty"`
	SelfBond            quantity.Quantity `json:"self_bond"`
}

// Genesis is the initial pos state.
type Genesis struct {
	Parameters Parameters `json:"params"`

	TotalSupply quantity.Quantity  `json:"total_supply"`
	Accounts    []GenesisAccount   `json:"accounts,omitempty"`
	Validators  []GenesisValidator `json:"validators,omitempty"`
}
